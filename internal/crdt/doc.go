// Package crdt implements the replicated document shared by every peer of a
// workspace: named text sequences and named last-writer-wins maps, merged
// without coordination. Applying the same set of updates in any order yields
// the same state.
package crdt

import (
	"fmt"
	"sort"
	"sync"

	apperrors "collaborative-workspace-sync/internal/errors"
)

// maxPending bounds operations buffered while waiting for their causal
// dependencies.
const maxPending = 100000

var (
	ErrDestroyed       = apperrors.Invalid("Document destroyed", nil)
	ErrOutOfRange      = apperrors.Invalid("Position out of range", nil)
	ErrPendingOverflow = apperrors.Invalid("Too many operations waiting for dependencies", nil)
)

// Change is delivered to observers after operations were integrated.
type Change struct {
	Update Update
	// Origin is whatever the caller of Apply passed; nil for local edits.
	Origin any
	Local  bool
}

type register struct {
	stamp  uint64
	peer   string
	data   []byte
	remove bool
}

type Doc struct {
	mu        sync.RWMutex
	peer      string
	clock     uint64
	sv        StateVector
	log       map[string][]Op
	texts     map[string]*sequence
	maps      map[string]map[string]*register
	pending   map[ID]Op
	destroyed bool

	obsMu     sync.Mutex
	observers map[int]func(Change)
	nextObs   int
}

// NewDoc creates an empty document whose local edits are attributed to peer.
func NewDoc(peer string) *Doc {
	return &Doc{
		peer:      peer,
		sv:        StateVector{},
		log:       make(map[string][]Op),
		texts:     make(map[string]*sequence),
		maps:      make(map[string]map[string]*register),
		pending:   make(map[ID]Op),
		observers: make(map[int]func(Change)),
	}
}

func (d *Doc) Peer() string {
	return d.peer
}

// Observe registers fn for every integrated change. The returned func
// detaches it.
func (d *Doc) Observe(fn func(Change)) func() {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()

	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	return func() {
		d.obsMu.Lock()
		delete(d.observers, id)
		d.obsMu.Unlock()
	}
}

func (d *Doc) notify(change Change) {
	d.obsMu.Lock()
	ids := make([]int, 0, len(d.observers))
	for id := range d.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, d.observers[id])
	}
	d.obsMu.Unlock()

	for _, fn := range fns {
		fn(change)
	}
}

// Destroy releases the document. Later edits and applies fail with
// ErrDestroyed and observers are dropped.
func (d *Doc) Destroy() {
	d.mu.Lock()
	d.destroyed = true
	d.pending = make(map[ID]Op)
	d.mu.Unlock()

	d.obsMu.Lock()
	d.observers = make(map[int]func(Change))
	d.obsMu.Unlock()
}

func (d *Doc) Destroyed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.destroyed
}

// Insert places text at the visible position pos of the named sequence.
func (d *Doc) Insert(object string, pos int, text string) (Update, error) {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return Update{}, ErrDestroyed
	}
	seq := d.sequence(object)
	if pos < 0 || pos > seq.visibleLen() {
		d.mu.Unlock()
		return Update{}, ErrOutOfRange.WithCause(fmt.Errorf("insert at %d in %q", pos, object))
	}

	var origin ID
	if pos > 0 {
		origin = seq.visibleAt(pos - 1).id
	}
	var ops []Op
	for _, r := range text {
		op := d.nextOp(OpInsert, object)
		op.Origin = origin
		op.Value = string(r)
		d.integrate(op)
		origin = op.ID
		ops = append(ops, op)
	}
	d.mu.Unlock()

	return d.emitLocal(ops), nil
}

// Delete removes n visible elements starting at pos.
func (d *Doc) Delete(object string, pos, n int) (Update, error) {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return Update{}, ErrDestroyed
	}
	seq := d.sequence(object)
	if pos < 0 || n < 0 || pos+n > seq.visibleLen() {
		d.mu.Unlock()
		return Update{}, ErrOutOfRange.WithCause(fmt.Errorf("delete %d at %d in %q", n, pos, object))
	}

	targets := make([]ID, 0, n)
	for i := 0; i < n; i++ {
		targets = append(targets, seq.visibleAt(pos+i).id)
	}
	ops := make([]Op, 0, n)
	for _, target := range targets {
		op := d.nextOp(OpDelete, object)
		op.Target = target
		d.integrate(op)
		ops = append(ops, op)
	}
	d.mu.Unlock()

	return d.emitLocal(ops), nil
}

// Set writes value under key in the named map.
func (d *Doc) Set(object, key string, value []byte) (Update, error) {
	return d.setRegister(object, key, value, false)
}

// Remove clears key in the named map.
func (d *Doc) Remove(object, key string) (Update, error) {
	return d.setRegister(object, key, nil, true)
}

func (d *Doc) setRegister(object, key string, value []byte, remove bool) (Update, error) {
	if key == "" {
		return Update{}, apperrors.Invalid("Empty map key", nil)
	}
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return Update{}, ErrDestroyed
	}
	op := d.nextOp(OpSet, object)
	op.Key = key
	op.Data = append([]byte(nil), value...)
	op.Remove = remove
	d.integrate(op)
	d.mu.Unlock()

	return d.emitLocal([]Op{op}), nil
}

func (d *Doc) emitLocal(ops []Op) Update {
	u := Update{Ops: ops}
	if len(ops) > 0 {
		d.notify(Change{Update: u, Local: true})
	}
	return u
}

// Apply merges a remote update. Operations already known are skipped,
// operations with missing dependencies are buffered. The returned update
// holds only the operations integrated by this call.
func (d *Doc) Apply(u Update, origin any) (Update, error) {
	for _, op := range u.Ops {
		if err := validateOp(op); err != nil {
			return Update{}, err
		}
	}

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return Update{}, ErrDestroyed
	}
	for _, op := range u.Ops {
		if op.ID.Seq <= d.sv[op.ID.Peer] {
			continue
		}
		if _, ok := d.pending[op.ID]; ok {
			continue
		}
		if len(d.pending) >= maxPending {
			d.mu.Unlock()
			return Update{}, ErrPendingOverflow
		}
		d.pending[op.ID] = op
	}
	applied := d.drainPending()
	d.mu.Unlock()

	out := Update{Ops: applied}
	if len(applied) > 0 {
		d.notify(Change{Update: out, Origin: origin})
	}
	return out, nil
}

// drainPending integrates buffered operations until no more are ready.
func (d *Doc) drainPending() []Op {
	var applied []Op
	for progress := true; progress && len(d.pending) > 0; {
		progress = false
		for _, id := range sortedIDs(d.pending) {
			op := d.pending[id]
			if !d.ready(op) {
				continue
			}
			d.integrate(op)
			delete(d.pending, id)
			applied = append(applied, op)
			progress = true
		}
	}
	return applied
}

func sortedIDs(ops map[ID]Op) []ID {
	ids := make([]ID, 0, len(ops))
	for id := range ops {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Peer != ids[j].Peer {
			return ids[i].Peer < ids[j].Peer
		}
		return ids[i].Seq < ids[j].Seq
	})
	return ids
}

func (d *Doc) ready(op Op) bool {
	if op.ID.Seq != d.sv[op.ID.Peer]+1 {
		return false
	}
	switch op.Kind {
	case OpInsert:
		return op.Origin.IsZero() || d.sequence(op.Object).has(op.Origin)
	case OpDelete:
		return d.sequence(op.Object).has(op.Target)
	default:
		return true
	}
}

func (d *Doc) nextOp(kind OpKind, object string) Op {
	d.clock++
	return Op{
		Kind:   kind,
		ID:     ID{Peer: d.peer, Seq: d.sv[d.peer] + 1},
		Stamp:  d.clock,
		Object: object,
	}
}

// integrate applies a causally ready op. Callers hold d.mu.
func (d *Doc) integrate(op Op) {
	d.log[op.ID.Peer] = append(d.log[op.ID.Peer], op)
	d.sv[op.ID.Peer] = op.ID.Seq
	if op.Stamp > d.clock {
		d.clock = op.Stamp
	}

	switch op.Kind {
	case OpInsert:
		d.sequence(op.Object).insert(op)
	case OpDelete:
		d.sequence(op.Object).remove(op.Target)
	case OpSet:
		m := d.registers(op.Object)
		cur := m[op.Key]
		if cur == nil || op.Stamp > cur.stamp || (op.Stamp == cur.stamp && op.ID.Peer > cur.peer) {
			m[op.Key] = &register{stamp: op.Stamp, peer: op.ID.Peer, data: op.Data, remove: op.Remove}
		}
	}
}

func (d *Doc) sequence(object string) *sequence {
	seq, ok := d.texts[object]
	if !ok {
		seq = newSequence()
		d.texts[object] = seq
	}
	return seq
}

func (d *Doc) registers(object string) map[string]*register {
	m, ok := d.maps[object]
	if !ok {
		m = make(map[string]*register)
		d.maps[object] = m
	}
	return m
}

// Text returns the visible content of the named sequence.
func (d *Doc) Text(object string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if seq, ok := d.texts[object]; ok {
		return seq.String()
	}
	return ""
}

// Len returns the number of visible elements of the named sequence.
func (d *Doc) Len(object string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if seq, ok := d.texts[object]; ok {
		return seq.visibleLen()
	}
	return 0
}

// Get returns a copy of the value under key in the named map.
func (d *Doc) Get(object, key string) ([]byte, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	reg, ok := d.maps[object][key]
	if !ok || reg.remove {
		return nil, false
	}
	return append([]byte(nil), reg.data...), true
}

// Keys lists the live keys of the named map in sorted order.
func (d *Doc) Keys(object string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var keys []string
	for key, reg := range d.maps[object] {
		if !reg.remove {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// StateVector returns a copy of the applied state vector.
func (d *Doc) StateVector() StateVector {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sv := make(StateVector, len(d.sv))
	for peer, seq := range d.sv {
		sv[peer] = seq
	}
	return sv
}

// Diff returns every integrated operation the holder of sv has not seen.
// A nil state vector yields the full document.
func (d *Doc) Diff(sv StateVector) Update {
	d.mu.RLock()
	defer d.mu.RUnlock()

	peers := make([]string, 0, len(d.log))
	for peer := range d.log {
		peers = append(peers, peer)
	}
	sort.Strings(peers)

	var ops []Op
	for _, peer := range peers {
		known := sv[peer]
		for _, op := range d.log[peer] {
			if op.ID.Seq > known {
				ops = append(ops, op)
			}
		}
	}
	return Update{Ops: ops}
}

// PendingCount reports operations waiting for dependencies.
func (d *Doc) PendingCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pending)
}
