// Package registry owns the live sessions of this process: exactly one
// document per workspace id, shared by every consumer that acquired it and
// torn down when the last one lets go.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"collaborative-workspace-sync/internal/awareness"
	"collaborative-workspace-sync/internal/crdt"
	"collaborative-workspace-sync/internal/encryption"
	apperrors "collaborative-workspace-sync/internal/errors"
	"collaborative-workspace-sync/internal/membership"
	"collaborative-workspace-sync/internal/persistence"
	"collaborative-workspace-sync/internal/transport"
)

const (
	defaultFlushTimeout = 2 * time.Second
	defaultCloseTimeout = 3 * time.Second
	handleBuffer        = 64
)

var (
	ErrClosed           = apperrors.Invalid("Registry closed", nil)
	ErrEmptyWorkspaceID = apperrors.Invalid("Workspace id is required", nil)
)

type Options struct {
	// Store is optional; without it every document is memory-only.
	Store   *persistence.Store
	Keyring *encryption.Keyring
	// Connector is optional; without it documents stay offline.
	Connector Connector
	// LocalState is published as this process's presence in every workspace.
	LocalState   awareness.State
	Directory    *membership.Directory
	FlushTimeout time.Duration
	CloseTimeout time.Duration
	Clock        clock.Clock
	Logger       zerolog.Logger
}

type entry struct {
	id      string
	refs    int
	doc     *crdt.Doc
	aw      *awareness.Tracker
	binding *persistence.Binding
	detach  func()

	connCancel context.CancelFunc
	connDone   chan struct{}

	mu      sync.Mutex
	conn    Connection
	handles map[*Handle]struct{}
}

func (e *entry) connection() Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

func (e *entry) broadcast(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for h := range e.handles {
		select {
		case h.events <- ev:
		default:
		}
	}
}

type keyLock struct {
	mu    sync.Mutex
	users int
}

type Registry struct {
	opts   Options
	clock  clock.Clock
	logger zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	locks   map[string]*keyLock
	closed  bool
}

func New(opts Options) *Registry {
	if opts.Keyring == nil {
		opts.Keyring = encryption.NewKeyring(encryption.KeyringOptions{Logger: opts.Logger})
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = defaultFlushTimeout
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = defaultCloseTimeout
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Registry{
		opts:    opts,
		clock:   opts.Clock,
		logger:  opts.Logger.With().Str("component", "registry").Logger(),
		entries: make(map[string]*entry),
		locks:   make(map[string]*keyLock),
	}
}

// lockKey serializes acquire and release of one workspace id. Different ids
// proceed in parallel.
func (r *Registry) lockKey(id string) func() {
	r.mu.Lock()
	l, ok := r.locks[id]
	if !ok {
		l = &keyLock{}
		r.locks[id] = l
	}
	l.users++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.users--
		if l.users == 0 {
			delete(r.locks, id)
		}
		r.mu.Unlock()
	}
}

func (r *Registry) lookup(id string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[id]
}

// Acquire returns a handle on the workspace's document, opening it first if
// no one holds it. Every handle must be released exactly once.
func (r *Registry) Acquire(ctx context.Context, workspaceID string) (*Handle, error) {
	if workspaceID == "" {
		return nil, ErrEmptyWorkspaceID
	}
	unlock := r.lockKey(workspaceID)
	defer unlock()

	r.mu.Lock()
	closed := r.closed
	e := r.entries[workspaceID]
	r.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	if e == nil {
		var err error
		if e, err = r.open(ctx, workspaceID); err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.entries[workspaceID] = e
		r.mu.Unlock()
	}
	e.refs++

	h := &Handle{
		registry: r,
		entry:    e,
		events:   make(chan Event, handleBuffer),
	}
	e.mu.Lock()
	e.handles[h] = struct{}{}
	e.mu.Unlock()

	r.logger.Debug().Str("workspace", workspaceID).Int("refs", e.refs).Msg("Workspace acquired")
	return h, nil
}

// open builds a new entry: document, persistence, then keys, then the
// transport. Only key preparation failures abort; storage and transport
// problems leave a working local document.
func (r *Registry) open(ctx context.Context, id string) (*entry, error) {
	logger := r.logger.With().Str("workspace", id).Logger()
	session := uuid.NewString()

	e := &entry{
		id:      id,
		doc:     crdt.NewDoc(session),
		aw:      awareness.NewTracker(session, r.clock),
		handles: make(map[*Handle]struct{}),
	}
	if r.opts.LocalState.UserID != "" {
		e.aw.SetLocal(r.opts.LocalState)
	}
	if r.opts.Directory != nil {
		r.opts.Directory.Pin(id)
	}
	opened := false
	defer func() {
		if !opened && r.opts.Directory != nil {
			r.opts.Directory.Unpin(id)
		}
	}()

	var settings persistence.Settings
	settingsKnown := true
	if r.opts.Store != nil {
		binding, err := r.opts.Store.Bind(ctx, id, e.doc)
		switch {
		case err == nil:
			e.binding = binding
		case ctx.Err() != nil:
			return nil, apperrors.Transient("Acquire cancelled", ctx.Err())
		default:
			logger.Warn().Err(err).Msg("Persistence unavailable, document stays in memory")
			if binding != nil {
				r.closeBinding(binding)
			}
		}

		if settings, err = r.opts.Store.Settings(id); err != nil {
			settingsKnown = false
			logger.Warn().Err(err).Msg("Workspace settings unreadable, staying offline")
		}
	}

	ready, err := r.opts.Keyring.Prepare(ctx, id, settings.Secret())
	if err != nil {
		if e.binding != nil {
			r.closeBinding(e.binding)
		}
		return nil, err
	}

	e.detach = e.doc.Observe(func(change crdt.Change) {
		e.broadcast(DocumentChanged{Local: change.Local})
	})

	if r.opts.Directory != nil {
		if err := r.opts.Directory.Touch(id, r.clock.Now()); err != nil {
			logger.Warn().Err(err).Msg("Workspace directory not updated")
		}
	}

	if r.opts.Connector != nil && settingsKnown {
		r.connect(e, ready, logger)
	}
	opened = true
	logger.Info().Bool("encrypted", ready.Encrypted()).Bool("persistent", e.binding != nil).Msg("Workspace opened")
	return e, nil
}

func (r *Registry) closeBinding(b *persistence.Binding) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.FlushTimeout)
	defer cancel()
	b.Close(ctx)
}

// connect runs the connector in the background so Acquire never waits on
// the network. Release cancels an attempt still in flight.
func (r *Registry) connect(e *entry, ready encryption.Ready, logger zerolog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	e.connCancel = cancel
	e.connDone = make(chan struct{})

	go func() {
		defer close(e.connDone)
		conn, err := r.opts.Connector.Connect(ctx, ready, e.doc, e.aw)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn().Err(err).Msg("Transport connect failed")
				e.broadcast(TransportError{Err: err})
			}
			return
		}

		e.mu.Lock()
		if ctx.Err() != nil {
			e.mu.Unlock()
			closeCtx, done := context.WithTimeout(context.Background(), r.opts.CloseTimeout)
			conn.Close(closeCtx)
			done()
			return
		}
		e.conn = conn
		e.mu.Unlock()

		r.pump(e, conn, logger)
	}()
}

// pump turns transport events into handle events until the connection
// closes.
func (r *Registry) pump(e *entry, conn Connection, logger zerolog.Logger) {
	for ev := range conn.Events() {
		switch ev := ev.(type) {
		case transport.Connected:
			e.broadcast(Connected{RelayURL: ev.RelayURL})
		case transport.PeerJoined, transport.PeerLeft:
			e.broadcast(PeerCountChanged{Count: len(conn.Peers())})
		case transport.Synced:
			e.broadcast(Synced{SessionID: ev.SessionID})
		case transport.Error:
			e.broadcast(TransportError{Err: ev.Err})
		case transport.ModerationReceived:
			action, err := membership.DecodeAction(ev.Payload)
			if err != nil {
				logger.Debug().Err(err).Str("peer", ev.From).Msg("Ignoring malformed moderation payload")
				e.broadcast(TransportError{Err: err})
				continue
			}
			if action.WorkspaceID != e.id {
				continue
			}
			e.broadcast(ModerationReceived{Action: action})
		}
	}
}

// Release drops one reference to the workspace. The last release closes the
// transport and persistence within bounded waits and destroys the document.
// Releasing a workspace that is not open is a logged no-op.
func (r *Registry) Release(workspaceID string) error {
	unlock := r.lockKey(workspaceID)
	defer unlock()

	e := r.lookup(workspaceID)
	if e == nil {
		r.logger.Debug().Str("workspace", workspaceID).Msg("Release of a workspace that is not open")
		return nil
	}
	return r.releaseLocked(e)
}

// releaseEntry releases e only if it is still the open entry for its id.
func (r *Registry) releaseEntry(e *entry) error {
	unlock := r.lockKey(e.id)
	defer unlock()

	if r.lookup(e.id) != e {
		return nil
	}
	return r.releaseLocked(e)
}

func (r *Registry) releaseLocked(e *entry) error {
	if e.refs > 0 {
		e.refs--
	}
	r.logger.Debug().Str("workspace", e.id).Int("refs", e.refs).Msg("Workspace released")
	if e.refs > 0 {
		return nil
	}
	return r.teardown(e)
}

func (r *Registry) teardown(e *entry) error {
	r.mu.Lock()
	delete(r.entries, e.id)
	r.mu.Unlock()

	var errs error
	if e.connCancel != nil {
		e.connCancel()
	}
	if conn := e.connection(); conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.CloseTimeout)
		errs = multierr.Append(errs, conn.Close(ctx))
		cancel()
	}
	if e.connDone != nil {
		select {
		case <-e.connDone:
		case <-r.clock.After(r.opts.CloseTimeout):
			errs = multierr.Append(errs, apperrors.Transient("Transport did not stop in time", nil))
		}
	}

	if e.binding != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.FlushTimeout)
		errs = multierr.Append(errs, e.binding.Close(ctx))
		cancel()
	}
	if e.detach != nil {
		e.detach()
	}
	e.doc.Destroy()
	if r.opts.Directory != nil {
		r.opts.Directory.Unpin(e.id)
	}

	e.mu.Lock()
	for h := range e.handles {
		close(h.events)
		delete(e.handles, h)
	}
	e.conn = nil
	e.mu.Unlock()

	logger := r.logger.With().Str("workspace", e.id).Logger()
	if errs != nil {
		logger.Warn().Err(errs).Msg("Workspace closed with errors")
	} else {
		logger.Info().Msg("Workspace closed")
	}
	return errs
}

// Document implements membership.DocumentSource.
func (r *Registry) Document(workspaceID string) (*crdt.Doc, bool) {
	e := r.lookup(workspaceID)
	if e == nil {
		return nil, false
	}
	return e.doc, true
}

// OnlineUsers implements membership.Presence.
func (r *Registry) OnlineUsers(workspaceID string) []string {
	e := r.lookup(workspaceID)
	if e == nil {
		return nil
	}
	return e.aw.OnlineUsers()
}

// RefCount is 0 for workspaces that are not open.
func (r *Registry) RefCount(workspaceID string) int {
	unlock := r.lockKey(workspaceID)
	defer unlock()
	if e := r.lookup(workspaceID); e != nil {
		return e.refs
	}
	return 0
}

// Open lists the workspace ids currently held.
func (r *Registry) Open() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// Close tears down every workspace regardless of outstanding handles and
// refuses new acquisitions.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var errs error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, apperrors.Transient("Registry close interrupted", err))
		}
		unlock := r.lockKey(id)
		if e := r.lookup(id); e != nil {
			e.refs = 0
			errs = multierr.Append(errs, r.teardown(e))
		}
		unlock()
	}
	return errs
}
