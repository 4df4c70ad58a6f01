// Package awareness tracks the ephemeral presence of every session connected
// to a workspace. Nothing here is persisted or replicated through the
// document; states travel as transport frames and vanish on disconnect.
package awareness

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"collaborative-workspace-sync/internal/codec"
	apperrors "collaborative-workspace-sync/internal/errors"
)

// latencyWindow is the number of round-trip samples kept per peer and overall.
const latencyWindow = 10

var ErrMalformedState = apperrors.Invalid("Malformed awareness payload", nil)

// Cursor is a selection inside a named document object.
type Cursor struct {
	Object string `cbor:"o"`
	Anchor int    `cbor:"a"`
	Head   int    `cbor:"h"`
}

// State is what a session publishes about itself.
type State struct {
	UserID string            `cbor:"u,omitempty"`
	Name   string            `cbor:"n,omitempty"`
	Color  string            `cbor:"c,omitempty"`
	Cursor *Cursor           `cbor:"cur,omitempty"`
	Fields map[string]string `cbor:"f,omitempty"`
}

// Peer is a known session. The local session is never reported as a peer.
type Peer struct {
	SessionID string
	State     State
	Clock     uint64
	LastSeen  time.Time
}

// Change lists the sessions touched by one update.
type Change struct {
	Added   []string
	Updated []string
	Removed []string
	Local   bool
}

func (c Change) empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

type wireEntry struct {
	Session string `cbor:"s"`
	Clock   uint64 `cbor:"k"`
	State   *State `cbor:"st"`
}

type wirePayload struct {
	Entries []wireEntry `cbor:"e"`
}

type session struct {
	state    *State
	clock    uint64
	lastSeen time.Time
}

type Tracker struct {
	mu       sync.RWMutex
	local    string
	clock    clock.Clock
	sessions map[string]*session
	latency  map[string]*samples
	overall  samples

	obsMu     sync.Mutex
	observers map[int]func(Change)
	nextObs   int
}

// NewTracker creates a tracker for the local session. A nil clock uses the
// wall clock.
func NewTracker(localSession string, clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	return &Tracker{
		local:     localSession,
		clock:     clk,
		sessions:  make(map[string]*session),
		latency:   make(map[string]*samples),
		observers: make(map[int]func(Change)),
	}
}

func (t *Tracker) LocalSession() string {
	return t.local
}

// SetLocal replaces the local state in place and bumps its clock.
func (t *Tracker) SetLocal(state State) {
	t.mu.Lock()
	s, ok := t.sessions[t.local]
	if !ok {
		s = &session{}
		t.sessions[t.local] = s
	}
	st := state
	s.state = &st
	s.clock++
	s.lastSeen = t.clock.Now()
	t.mu.Unlock()

	change := Change{Local: true}
	if ok {
		change.Updated = []string{t.local}
	} else {
		change.Added = []string{t.local}
	}
	t.notify(change)
}

func (t *Tracker) LocalState() (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[t.local]
	if !ok || s.state == nil {
		return State{}, false
	}
	return *s.state, true
}

// Apply merges an encoded payload from a remote session. Entries for the
// local session are ignored; a higher clock wins and a nil state removes the
// session.
func (t *Tracker) Apply(data []byte) error {
	var payload wirePayload
	if err := codec.Unmarshal(data, &payload); err != nil {
		return ErrMalformedState.WithCause(err)
	}

	var change Change
	now := t.clock.Now()

	t.mu.Lock()
	for _, e := range payload.Entries {
		if e.Session == "" || e.Session == t.local {
			continue
		}
		cur, known := t.sessions[e.Session]
		if e.State == nil {
			if known && e.Clock >= cur.clock {
				delete(t.sessions, e.Session)
				delete(t.latency, e.Session)
				change.Removed = append(change.Removed, e.Session)
			}
			continue
		}
		switch {
		case !known:
			t.sessions[e.Session] = &session{state: e.State, clock: e.Clock, lastSeen: now}
			change.Added = append(change.Added, e.Session)
		case e.Clock > cur.clock:
			cur.state = e.State
			cur.clock = e.Clock
			cur.lastSeen = now
			change.Updated = append(change.Updated, e.Session)
		default:
			cur.lastSeen = now
		}
	}
	t.mu.Unlock()

	if !change.empty() {
		t.notify(change)
	}
	return nil
}

// Remove drops remote sessions, typically when their link closed.
func (t *Tracker) Remove(sessions ...string) {
	var removed []string
	t.mu.Lock()
	for _, id := range sessions {
		if id == t.local {
			continue
		}
		if _, ok := t.sessions[id]; ok {
			delete(t.sessions, id)
			delete(t.latency, id)
			removed = append(removed, id)
		}
	}
	t.mu.Unlock()

	if len(removed) > 0 {
		t.notify(Change{Removed: removed})
	}
}

// PeerCount is the number of distinct remote sessions.
func (t *Tracker) PeerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := len(t.sessions)
	if _, ok := t.sessions[t.local]; ok {
		n--
	}
	return n
}

// Peers returns the remote sessions sorted by session id.
func (t *Tracker) Peers() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peers := make([]Peer, 0, len(t.sessions))
	for id, s := range t.sessions {
		if id == t.local {
			continue
		}
		peers = append(peers, Peer{SessionID: id, State: *s.state, Clock: s.clock, LastSeen: s.lastSeen})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].SessionID < peers[j].SessionID })
	return peers
}

// OnlineUsers lists the distinct user ids of every known session, local
// included.
func (t *Tracker) OnlineUsers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, s := range t.sessions {
		if s.state != nil && s.state.UserID != "" {
			seen[s.state.UserID] = struct{}{}
		}
	}
	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// EncodeStates encodes the given sessions, or every known session when none
// are named. Unknown sessions are encoded as removals.
func (t *Tracker) EncodeStates(sessions ...string) ([]byte, error) {
	t.mu.RLock()
	if len(sessions) == 0 {
		for id := range t.sessions {
			sessions = append(sessions, id)
		}
		sort.Strings(sessions)
	}
	payload := wirePayload{Entries: make([]wireEntry, 0, len(sessions))}
	for _, id := range sessions {
		if s, ok := t.sessions[id]; ok {
			payload.Entries = append(payload.Entries, wireEntry{Session: id, Clock: s.clock, State: s.state})
		} else {
			payload.Entries = append(payload.Entries, wireEntry{Session: id})
		}
	}
	t.mu.RUnlock()
	return codec.Marshal(payload)
}

// EncodeLocalRemoval announces that the local session is leaving.
func (t *Tracker) EncodeLocalRemoval() ([]byte, error) {
	t.mu.RLock()
	var clk uint64
	if s, ok := t.sessions[t.local]; ok {
		clk = s.clock + 1
	}
	t.mu.RUnlock()
	return codec.Marshal(wirePayload{Entries: []wireEntry{{Session: t.local, Clock: clk}}})
}

// OnChange registers fn for every change. The returned func detaches it.
func (t *Tracker) OnChange(fn func(Change)) func() {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	id := t.nextObs
	t.nextObs++
	t.observers[id] = fn
	return func() {
		t.obsMu.Lock()
		delete(t.observers, id)
		t.obsMu.Unlock()
	}
}

func (t *Tracker) notify(change Change) {
	t.obsMu.Lock()
	ids := make([]int, 0, len(t.observers))
	for id := range t.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, t.observers[id])
	}
	t.obsMu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}
