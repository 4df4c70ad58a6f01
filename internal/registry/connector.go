package registry

import (
	"context"

	"collaborative-workspace-sync/internal/awareness"
	"collaborative-workspace-sync/internal/crdt"
	"collaborative-workspace-sync/internal/encryption"
	"collaborative-workspace-sync/internal/transport"
)

// Connection is a live transport session for one workspace.
type Connection interface {
	Events() <-chan transport.Event
	Peers() []string
	SendModeration(ctx context.Context, payload []byte) error
	Close(ctx context.Context) error
}

// Connector starts a Connection. The Ready argument can only come from
// encryption.Keyring.Prepare, so keys are always in place before the first
// byte leaves the process.
type Connector interface {
	Connect(ctx context.Context, ready encryption.Ready, doc *crdt.Doc, aw *awareness.Tracker) (Connection, error)
}

// TransportConnector connects through the relay mesh.
type TransportConnector struct {
	Options transport.Options
}

func (c TransportConnector) Connect(ctx context.Context, ready encryption.Ready, doc *crdt.Doc, aw *awareness.Tracker) (Connection, error) {
	opts := c.Options
	opts.WorkspaceID = ready.WorkspaceID()
	opts.SessionID = aw.LocalSession()
	p, err := transport.Connect(ctx, ready, doc, aw, opts)
	if err != nil {
		return nil, err
	}
	return p, nil
}
