package transport

import (
	"fmt"

	"collaborative-workspace-sync/internal/codec"
	"collaborative-workspace-sync/internal/encryption"
	apperrors "collaborative-workspace-sync/internal/errors"
)

type FrameType uint8

const (
	FrameSyncStep1 FrameType = iota + 1
	FrameSyncStep2
	FrameUpdate
	FrameAwareness
	FramePing
	FramePong
	FrameModeration
)

func (t FrameType) String() string {
	switch t {
	case FrameSyncStep1:
		return "sync-step1"
	case FrameSyncStep2:
		return "sync-step2"
	case FrameUpdate:
		return "update"
	case FrameAwareness:
		return "awareness"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameModeration:
		return "moderation"
	default:
		return fmt.Sprintf("frame(%d)", uint8(t))
	}
}

var ErrMalformedFrame = apperrors.Invalid("Malformed frame", nil)

// Frame is the unit exchanged over a peer link.
type Frame struct {
	Type    FrameType `cbor:"t"`
	Payload []byte    `cbor:"p,omitempty"`
	// Nonce and Sent are used by ping and pong.
	Nonce uint64 `cbor:"n,omitempty"`
	Sent  int64  `cbor:"s,omitempty"`
	// Reply asks the receiver of a sync-step1 for its own state vector.
	Reply bool `cbor:"r,omitempty"`
}

// sealFrame encodes and seals f for a link.
func sealFrame(ready encryption.Ready, f Frame) ([]byte, error) {
	data, err := codec.Marshal(f)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return ready.Seal(data)
}

// openFrame reverses sealFrame. Decrypt failures keep their decrypt kind.
func openFrame(ready encryption.Ready, data []byte) (Frame, error) {
	plain, err := ready.Open(data)
	if err != nil {
		return Frame{}, err
	}
	var f Frame
	if err := codec.Unmarshal(plain, &f); err != nil {
		return Frame{}, ErrMalformedFrame.WithCause(err)
	}
	if f.Type < FrameSyncStep1 || f.Type > FrameModeration {
		return Frame{}, ErrMalformedFrame.WithCause(fmt.Errorf("unknown frame type %d", f.Type))
	}
	return f, nil
}
