package transport

// Event is emitted by a Provider. The concrete types below are the complete
// set.
type Event interface {
	isEvent()
}

// Connected is emitted every time the relay connection is (re)established.
type Connected struct {
	RelayURL string
}

type PeerJoined struct {
	SessionID string
	Direct    bool
}

type PeerLeft struct {
	SessionID string
	Reason    string
}

// Synced is emitted when the local document was reconciled with a peer.
type Synced struct {
	SessionID string
}

// Error reports a contained failure: relay loss, a failed negotiation or a
// payload that could not be opened. The session keeps running.
type Error struct {
	Err error
}

type ModerationReceived struct {
	From    string
	Payload []byte
}

func (Connected) isEvent()          {}
func (PeerJoined) isEvent()         {}
func (PeerLeft) isEvent()           {}
func (Synced) isEvent()             {}
func (Error) isEvent()              {}
func (ModerationReceived) isEvent() {}
