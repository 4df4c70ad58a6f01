package persistence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"collaborative-workspace-sync/internal/crdt"
	apperrors "collaborative-workspace-sync/internal/errors"
)

type Status int

const (
	StatusIdle Status = iota
	StatusPending
	StatusSaved
	// StatusMemoryOnly means the last write failed; the document keeps
	// working in memory and writes resume after a cool-down.
	StatusMemoryOnly
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSaved:
		return "saved"
	case StatusMemoryOnly:
		return "memory-only"
	default:
		return "idle"
	}
}

// Binding ties one document to its stored snapshot. Every change marks the
// binding dirty; a debounce timer coalesces bursts into a single write that
// runs on the store's worker pool.
type Binding struct {
	store  *Store
	id     string
	doc    *crdt.Doc
	clock  clock.Clock
	logger zerolog.Logger

	writeMu sync.Mutex // serializes snapshot writes

	mu            sync.Mutex
	status        Status
	dirty         bool
	timer         *clock.Timer
	cooldownUntil time.Time
	lastErr       error
	size          int
	closed        bool
	detach        func()
}

// Bind loads the stored snapshot of workspaceID into doc, then persists every
// later change. When the stored snapshot cannot be read the binding is still
// returned together with the error, so callers may keep it or drop it.
func (s *Store) Bind(ctx context.Context, workspaceID string, doc *crdt.Doc) (*Binding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b := &Binding{
		store:  s,
		id:     workspaceID,
		doc:    doc,
		clock:  s.opts.Clock,
		logger: s.logger.With().Str("workspace", workspaceID).Logger(),
	}

	snapshot, found, loadErr := s.LoadSnapshot(workspaceID)
	if found {
		if _, err := doc.Apply(snapshot, b); err != nil {
			loadErr = ErrCorrupt.WithCause(err)
		} else {
			b.status = StatusSaved
			b.logger.Debug().Int("ops", len(snapshot.Ops)).Msg("Loaded snapshot")
		}
	}

	b.detach = doc.Observe(func(c crdt.Change) {
		if c.Origin == b {
			return
		}
		b.markDirty()
	})
	return b, loadErr
}

func (b *Binding) WorkspaceID() string {
	return b.id
}

func (b *Binding) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// LastError is the error of the most recent failed write, if any.
func (b *Binding) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Size is the stored size of the last successful write.
func (b *Binding) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

func (b *Binding) markDirty() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.dirty = true
	if b.status != StatusMemoryOnly {
		b.status = StatusPending
	}
	b.armLocked(b.store.opts.Debounce)
}

// armLocked starts the debounce timer unless one is already running.
func (b *Binding) armLocked(d time.Duration) {
	if b.timer != nil || b.closed {
		return
	}
	b.timer = b.clock.AfterFunc(d, b.schedule)
}

func (b *Binding) schedule() {
	b.mu.Lock()
	b.timer = nil
	if b.closed || !b.dirty {
		b.mu.Unlock()
		return
	}
	if wait := b.cooldownUntil.Sub(b.clock.Now()); wait > 0 {
		b.armLocked(wait)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	accepted := b.store.pool.Submit(func(ctx context.Context) error {
		return b.write()
	})
	if !accepted {
		b.mu.Lock()
		b.armLocked(b.store.opts.Debounce)
		b.mu.Unlock()
	}
}

// write stores the current document state if it changed since the last
// write. Quota and I/O failures switch the binding to memory-only for the
// cool-down period.
func (b *Binding) write() error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	b.mu.Lock()
	if !b.dirty {
		b.mu.Unlock()
		return nil
	}
	if b.clock.Now().Before(b.cooldownUntil) {
		b.mu.Unlock()
		return nil
	}
	b.dirty = false
	b.mu.Unlock()

	size, err := b.store.SaveSnapshot(b.id, b.doc.Diff(nil))

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.dirty = true
		b.status = StatusMemoryOnly
		b.lastErr = err
		b.cooldownUntil = b.clock.Now().Add(b.store.opts.QuotaCooldown)
		b.armLocked(b.store.opts.QuotaCooldown)
		event := b.logger.Warn().Err(err).Dur("cooldown", b.store.opts.QuotaCooldown)
		if errors.Is(err, ErrQuotaExceeded) {
			event.Int("bytes", size).Msg("Snapshot over quota, keeping document in memory only")
		} else {
			event.Msg("Snapshot write failed, keeping document in memory only")
		}
		return err
	}

	b.size = size
	b.lastErr = nil
	if b.dirty {
		b.status = StatusPending
		b.armLocked(b.store.opts.Debounce)
	} else {
		b.status = StatusSaved
	}
	return nil
}

// Flush writes pending changes now, waiting at most until ctx ends.
func (b *Binding) Flush(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- b.write() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return apperrors.Persistence("Flush timed out", ctx.Err())
	}
}

// Close flushes best-effort within ctx and stops observing the document.
// It is safe to call more than once.
func (b *Binding) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	detach := b.detach
	b.mu.Unlock()

	if detach != nil {
		detach()
	}
	err := b.Flush(ctx)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Final flush incomplete")
	}
	return err
}
