package registry

import (
	"sync"

	"collaborative-workspace-sync/internal/awareness"
	"collaborative-workspace-sync/internal/crdt"
	"collaborative-workspace-sync/internal/persistence"
)

// Handle is one consumer's reference to an open workspace. Release it when
// done; releasing twice is harmless.
type Handle struct {
	registry *Registry
	entry    *entry
	events   chan Event
	once     sync.Once
}

func (h *Handle) WorkspaceID() string {
	return h.entry.id
}

func (h *Handle) Document() *crdt.Doc {
	return h.entry.doc
}

func (h *Handle) Awareness() *awareness.Tracker {
	return h.entry.aw
}

// Events is closed when the handle is released or the workspace torn down.
func (h *Handle) Events() <-chan Event {
	return h.events
}

// Peers lists the sessions currently linked to this workspace.
func (h *Handle) Peers() []string {
	if conn := h.entry.connection(); conn != nil {
		return conn.Peers()
	}
	return nil
}

// PersistenceStatus reports memory-only when the workspace has no storage.
func (h *Handle) PersistenceStatus() persistence.Status {
	if h.entry.binding == nil {
		return persistence.StatusMemoryOnly
	}
	return h.entry.binding.Status()
}

func (h *Handle) Release() error {
	var err error
	h.once.Do(func() {
		e := h.entry
		e.mu.Lock()
		if _, ok := e.handles[h]; ok {
			delete(e.handles, h)
			close(h.events)
		}
		e.mu.Unlock()
		err = h.registry.releaseEntry(e)
	})
	return err
}
