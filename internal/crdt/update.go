package crdt

import (
	"fmt"

	"collaborative-workspace-sync/internal/codec"
	apperrors "collaborative-workspace-sync/internal/errors"
)

// ID names one operation: the peer that created it and that peer's
// contiguous operation counter.
type ID struct {
	Peer string `cbor:"p"`
	Seq  uint64 `cbor:"s"`
}

func (id ID) IsZero() bool {
	return id.Peer == "" && id.Seq == 0
}

func (id ID) String() string {
	return fmt.Sprintf("%s:%d", id.Peer, id.Seq)
}

type OpKind uint8

const (
	OpInsert OpKind = iota + 1
	OpDelete
	OpSet
)

// Op is a single replicated operation.
//
// Insert places Value after Origin (zero Origin = head of the sequence).
// Delete tombstones Target. Set writes Data under Key, or clears it when
// Remove is set. Stamp is the Lamport time used for ordering and
// last-writer-wins decisions; ties are broken by peer id.
type Op struct {
	Kind   OpKind `cbor:"k"`
	ID     ID     `cbor:"i"`
	Stamp  uint64 `cbor:"t"`
	Object string `cbor:"o"`
	Origin ID     `cbor:"g"`
	Target ID     `cbor:"r"`
	Key    string `cbor:"y,omitempty"`
	Value  string `cbor:"v,omitempty"`
	Data   []byte `cbor:"d,omitempty"`
	Remove bool   `cbor:"x,omitempty"`
}

// Update is a batch of operations exchanged between peers and persisted
// as snapshots.
type Update struct {
	Ops []Op `cbor:"ops"`
}

func (u Update) Empty() bool {
	return len(u.Ops) == 0
}

// StateVector maps a peer id to the highest contiguous sequence applied.
type StateVector map[string]uint64

var ErrMalformedUpdate = apperrors.Invalid("Malformed update", nil)

// EncodeUpdate serializes an update for the wire or for storage.
func EncodeUpdate(u Update) ([]byte, error) {
	return codec.Marshal(u)
}

// DecodeUpdate parses and validates an encoded update.
func DecodeUpdate(data []byte) (Update, error) {
	var u Update
	if err := codec.Unmarshal(data, &u); err != nil {
		return Update{}, ErrMalformedUpdate.WithCause(err)
	}
	for _, op := range u.Ops {
		if err := validateOp(op); err != nil {
			return Update{}, err
		}
	}
	return u, nil
}

func EncodeStateVector(sv StateVector) ([]byte, error) {
	return codec.Marshal(sv)
}

func DecodeStateVector(data []byte) (StateVector, error) {
	sv := StateVector{}
	if err := codec.Unmarshal(data, &sv); err != nil {
		return nil, ErrMalformedUpdate.WithCause(err)
	}
	return sv, nil
}

func validateOp(op Op) error {
	if op.ID.Peer == "" || op.ID.Seq == 0 || op.Object == "" || op.Stamp == 0 {
		return ErrMalformedUpdate.WithCause(fmt.Errorf("op %s missing identity", op.ID))
	}
	switch op.Kind {
	case OpInsert:
		if op.Value == "" {
			return ErrMalformedUpdate.WithCause(fmt.Errorf("insert %s has no value", op.ID))
		}
	case OpDelete:
		if op.Target.IsZero() {
			return ErrMalformedUpdate.WithCause(fmt.Errorf("delete %s has no target", op.ID))
		}
	case OpSet:
		if op.Key == "" {
			return ErrMalformedUpdate.WithCause(fmt.Errorf("set %s has no key", op.ID))
		}
	default:
		return ErrMalformedUpdate.WithCause(fmt.Errorf("op %s has unknown kind %d", op.ID, op.Kind))
	}
	return nil
}
