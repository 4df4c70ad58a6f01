package transport

import (
	"encoding/json"

	"collaborative-workspace-sync/internal/encryption"
	apperrors "collaborative-workspace-sync/internal/errors"
)

// Relay message types.
const (
	msgSubscribe   = "subscribe"
	msgUnsubscribe = "unsubscribe"
	msgPublish     = "publish"
	msgPing        = "ping"
	msgPong        = "pong"
)

// Kinds of publish messages exchanged between providers.
const (
	kindAnnounce = "announce"
	kindSignal   = "signal"
	kindRelay    = "relay"
	kindLeave    = "leave"
)

// relayMessage is one JSON document on the relay connection. Data is sealed
// when the workspace is encrypted; the other fields are routing metadata.
type relayMessage struct {
	Type    string   `json:"type"`
	Topics  []string `json:"topics,omitempty"`
	Topic   string   `json:"topic,omitempty"`
	Kind    string   `json:"kind,omitempty"`
	From    string   `json:"from,omitempty"`
	To      string   `json:"to,omitempty"`
	Data    []byte   `json:"data,omitempty"`
	Clients int      `json:"clients,omitempty"`
}

type announcePayload struct {
	Session string `json:"session"`
}

type signalPayload struct {
	Type string `json:"type"` // offer or answer
	SDP  string `json:"sdp"`
}

type leavePayload struct {
	Session string `json:"session"`
	Reason  string `json:"reason,omitempty"`
}

var ErrMalformedSignal = apperrors.Invalid("Malformed signaling payload", nil)

func sealJSON(ready encryption.Ready, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return ready.Seal(data)
}

func openJSON(ready encryption.Ready, data []byte, v any) error {
	plain, err := ready.Open(data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plain, v); err != nil {
		return ErrMalformedSignal.WithCause(err)
	}
	return nil
}
