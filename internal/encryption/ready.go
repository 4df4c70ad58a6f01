package encryption

import apperrors "collaborative-workspace-sync/internal/errors"

// ErrNotPrepared is returned when a zero Ready is used.
var ErrNotPrepared = apperrors.Invalid("Encryption was not prepared", nil)

// Ready proves that key preparation for a workspace finished before any
// network activity. The zero value is invalid.
type Ready struct {
	workspaceID string
	key         *Key
	prepared    bool
}

func (r Ready) Valid() bool {
	return r.prepared
}

func (r Ready) Encrypted() bool {
	return r.key != nil
}

func (r Ready) WorkspaceID() string {
	return r.workspaceID
}

// Seal encrypts payload when a key is present and returns a copy otherwise.
func (r Ready) Seal(payload []byte) ([]byte, error) {
	if !r.prepared {
		return nil, ErrNotPrepared
	}
	if r.key == nil {
		return append([]byte(nil), payload...), nil
	}
	return r.key.Seal(payload)
}

// Open reverses Seal.
func (r Ready) Open(data []byte) ([]byte, error) {
	if !r.prepared {
		return nil, ErrNotPrepared
	}
	if r.key == nil {
		return append([]byte(nil), data...), nil
	}
	return r.key.Open(data)
}

// TopicSuffix is empty when the workspace is unencrypted.
func (r Ready) TopicSuffix() string {
	if r.key == nil {
		return ""
	}
	return r.key.TopicSuffix()
}
