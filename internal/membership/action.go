package membership

import (
	"fmt"
	"time"

	"collaborative-workspace-sync/internal/codec"
	apperrors "collaborative-workspace-sync/internal/errors"
)

type ActionType string

const (
	ActionKick  ActionType = "kick"
	ActionBan   ActionType = "ban"
	ActionUnban ActionType = "unban"
)

var ErrMalformedAction = apperrors.Invalid("Malformed moderation action", nil)

// Action is a moderation notice waiting to be broadcast to peers.
type Action struct {
	ID          string     `cbor:"id"`
	WorkspaceID string     `cbor:"ws"`
	Type        ActionType `cbor:"type"`
	TargetID    string     `cbor:"target"`
	InitiatorID string     `cbor:"by"`
	Reason      string     `cbor:"reason,omitempty"`
	Timestamp   int64      `cbor:"at"`
}

func (a Action) Time() time.Time {
	return time.UnixMilli(a.Timestamp)
}

func (a Action) Validate() error {
	switch a.Type {
	case ActionKick, ActionBan, ActionUnban:
	default:
		return ErrMalformedAction.WithCause(fmt.Errorf("unknown action type %q", a.Type))
	}
	if a.ID == "" || a.WorkspaceID == "" || a.TargetID == "" || a.InitiatorID == "" {
		return ErrMalformedAction
	}
	return nil
}

func (a Action) Marshal() ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return codec.Marshal(a)
}

func DecodeAction(data []byte) (Action, error) {
	var a Action
	if err := codec.Unmarshal(data, &a); err != nil {
		return Action{}, ErrMalformedAction.WithCause(err)
	}
	if err := a.Validate(); err != nil {
		return Action{}, err
	}
	return a, nil
}
