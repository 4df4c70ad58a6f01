package membership

import (
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"collaborative-workspace-sync/internal/codec"
	apperrors "collaborative-workspace-sync/internal/errors"
)

const directoryPrefix = "workspace/"

// RecordStore is the durable key/value space the directory writes through to.
// PurgeWorkspace drops everything stored for a forgotten workspace.
type RecordStore interface {
	GetRecord(key string) ([]byte, bool, error)
	PutRecord(key string, value []byte) error
	DeleteRecord(key string) error
	ForEachRecord(fn func(key string, value []byte) error) error
	PurgeWorkspace(workspaceID string) error
}

// WorkspaceEntry is a remembered workspace.
type WorkspaceEntry struct {
	WorkspaceID string `cbor:"id"`
	LastActive  int64  `cbor:"active"`
}

func (e WorkspaceEntry) LastActiveTime() time.Time {
	return time.UnixMilli(e.LastActive)
}

// Directory remembers a bounded number of workspaces this device took part
// in. When full, the least recently active workspace is forgotten together
// with its stored document and settings, unless it is pinned open.
type Directory struct {
	mu     sync.Mutex
	cache  *lru.Cache[string, WorkspaceEntry]
	pinned map[string]int
	// orphaned holds pinned workspaces evicted while open; their data goes
	// with the last Unpin.
	orphaned map[string]struct{}
	store    RecordStore
	logger   zerolog.Logger
}

// NewDirectory loads the remembered workspaces from store.
func NewDirectory(store RecordStore, size int, logger zerolog.Logger) (*Directory, error) {
	d := &Directory{
		pinned:   make(map[string]int),
		orphaned: make(map[string]struct{}),
		store:    store,
		logger:   logger.With().Str("component", "directory").Logger(),
	}
	cache, err := lru.NewWithEvict[string, WorkspaceEntry](size, d.evicted)
	if err != nil {
		return nil, apperrors.Invalid("Invalid directory size", err)
	}
	d.cache = cache

	var entries []WorkspaceEntry
	err = store.ForEachRecord(func(key string, value []byte) error {
		if !strings.HasPrefix(key, directoryPrefix) {
			return nil
		}
		var e WorkspaceEntry
		if err := codec.Unmarshal(value, &e); err != nil {
			d.logger.Warn().Err(err).Str("key", key).Msg("Skipping unreadable directory entry")
			return nil
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Oldest first, so the most recent end up most recently used.
	sort.Slice(entries, func(i, j int) bool { return entries[i].LastActive < entries[j].LastActive })
	d.mu.Lock()
	for _, e := range entries {
		d.cache.Add(e.WorkspaceID, e)
	}
	d.mu.Unlock()
	return d, nil
}

// evicted runs inside the cache, with d.mu held, when an entry falls out.
func (d *Directory) evicted(workspaceID string, _ WorkspaceEntry) {
	logger := d.logger.With().Str("workspace", workspaceID).Logger()
	if err := d.store.DeleteRecord(directoryPrefix + workspaceID); err != nil {
		logger.Warn().Err(err).Msg("Failed to delete evicted workspace")
		return
	}
	if d.pinned[workspaceID] > 0 {
		d.orphaned[workspaceID] = struct{}{}
		logger.Debug().Msg("Evicted workspace is open, purging it on close")
		return
	}
	d.purge(workspaceID)
}

func (d *Directory) purge(workspaceID string) {
	logger := d.logger.With().Str("workspace", workspaceID).Logger()
	if err := d.store.PurgeWorkspace(workspaceID); err != nil {
		logger.Warn().Err(err).Msg("Failed to purge evicted workspace")
		return
	}
	logger.Debug().Msg("Evicted least recently active workspace")
}

// Pin protects an open workspace's stored data from eviction until the
// matching Unpin.
func (d *Directory) Pin(workspaceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pinned[workspaceID]++
}

func (d *Directory) Unpin(workspaceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pinned[workspaceID] > 1 {
		d.pinned[workspaceID]--
		return
	}
	delete(d.pinned, workspaceID)
	if _, ok := d.orphaned[workspaceID]; ok {
		delete(d.orphaned, workspaceID)
		d.purge(workspaceID)
	}
}

// Touch records activity in workspaceID at now.
func (d *Directory) Touch(workspaceID string, now time.Time) error {
	entry := WorkspaceEntry{WorkspaceID: workspaceID, LastActive: now.UnixMilli()}
	data, err := codec.Marshal(entry)
	if err != nil {
		return apperrors.Internal(err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.store.PutRecord(directoryPrefix+workspaceID, data); err != nil {
		return err
	}
	d.cache.Add(workspaceID, entry)
	delete(d.orphaned, workspaceID)
	return nil
}

func (d *Directory) Contains(workspaceID string) bool {
	return d.cache.Contains(workspaceID)
}

// Forget drops a workspace and, unless it is open, its stored data.
func (d *Directory) Forget(workspaceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache.Remove(workspaceID)
}

// Workspaces lists remembered workspaces, most recently active first.
func (d *Directory) Workspaces() []WorkspaceEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := d.cache.Keys()
	out := make([]WorkspaceEntry, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		if e, ok := d.cache.Peek(keys[i]); ok {
			out = append(out, e)
		}
	}
	return out
}

func (d *Directory) Len() int {
	return d.cache.Len()
}
