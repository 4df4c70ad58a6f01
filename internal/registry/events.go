package registry

import "collaborative-workspace-sync/internal/membership"

// Event is delivered to every handle of a workspace. A handle that does not
// drain its channel misses events; the session itself never waits.
type Event interface {
	isEvent()
}

type DocumentChanged struct {
	// Local is set for edits made through this process.
	Local bool
}

type PeerCountChanged struct {
	Count int
}

type ModerationReceived struct {
	Action membership.Action
}

type Connected struct {
	RelayURL string
}

type Synced struct {
	SessionID string
}

type TransportError struct {
	Err error
}

func (DocumentChanged) isEvent()    {}
func (PeerCountChanged) isEvent()   {}
func (ModerationReceived) isEvent() {}
func (Connected) isEvent()          {}
func (Synced) isEvent()             {}
func (TransportError) isEvent()     {}
