package crdt

import "strings"

type element struct {
	id      ID
	stamp   uint64
	value   string
	deleted bool
}

// sequence is a replicated growable array. Deleted elements stay in place as
// tombstones so later inserts can still reference them as origins.
type sequence struct {
	elems []*element
	index map[ID]*element
}

func newSequence() *sequence {
	return &sequence{index: make(map[ID]*element)}
}

func (s *sequence) has(id ID) bool {
	_, ok := s.index[id]
	return ok
}

func (s *sequence) position(id ID) int {
	for i, e := range s.elems {
		if e.id == id {
			return i
		}
	}
	return -1
}

// insert integrates op after its origin. Elements already following the
// origin that carry a higher (stamp, peer) stay in front; every element in
// their subtree has an even higher stamp, so one left-to-right scan is enough.
func (s *sequence) insert(op Op) {
	i := 0
	if !op.Origin.IsZero() {
		i = s.position(op.Origin) + 1
	}
	for i < len(s.elems) && outranks(s.elems[i], op.Stamp, op.ID.Peer) {
		i++
	}

	e := &element{id: op.ID, stamp: op.Stamp, value: op.Value}
	s.elems = append(s.elems, nil)
	copy(s.elems[i+1:], s.elems[i:])
	s.elems[i] = e
	s.index[op.ID] = e
}

func (s *sequence) remove(target ID) {
	if e, ok := s.index[target]; ok {
		e.deleted = true
	}
}

func outranks(e *element, stamp uint64, peer string) bool {
	if e.stamp != stamp {
		return e.stamp > stamp
	}
	return e.id.Peer > peer
}

func (s *sequence) visibleLen() int {
	n := 0
	for _, e := range s.elems {
		if !e.deleted {
			n++
		}
	}
	return n
}

// visibleAt returns the i-th element that is not tombstoned.
func (s *sequence) visibleAt(i int) *element {
	for _, e := range s.elems {
		if e.deleted {
			continue
		}
		if i == 0 {
			return e
		}
		i--
	}
	return nil
}

func (s *sequence) String() string {
	var b strings.Builder
	for _, e := range s.elems {
		if !e.deleted {
			b.WriteString(e.value)
		}
	}
	return b.String()
}
