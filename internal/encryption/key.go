package encryption

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	apperrors "collaborative-workspace-sync/internal/errors"
)

const (
	envelopeVersion byte = 1

	// pbkdfSaltPrefix is joined with the workspace id so one secret reused
	// across workspaces still yields unrelated keys.
	pbkdfSaltPrefix = "collab-room-key-v1/"

	envelopeKeyInfo = "collab-envelope-key-v1"
	topicKeyInfo    = "collab-topic-key-v1"

	// topicSuffixBytes is how much of the keyed topic hash is exposed to the
	// relay.
	topicSuffixBytes = 16
)

// ErrDecrypt is returned for every envelope that fails to open: wrong key,
// tampering, truncation or an unknown version.
var ErrDecrypt = apperrors.Decrypt("Envelope could not be opened", nil)

// Key is the derived symmetric material for one workspace and secret.
type Key struct {
	workspaceID string
	aead        cipher.AEAD
	topicSuffix string
}

func deriveKey(workspaceID, secret string, iterations int) (*Key, error) {
	master := pbkdf2.Key([]byte(secret), []byte(pbkdfSaltPrefix+workspaceID), iterations, chacha20poly1305.KeySize, sha256.New)

	envelopeKey, err := expand(master, envelopeKeyInfo)
	if err != nil {
		return nil, err
	}
	topicKey, err := expand(master, topicKeyInfo)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(envelopeKey)
	if err != nil {
		return nil, fmt.Errorf("creating AEAD: %w", err)
	}

	hasher, err := blake3.NewKeyed(topicKey)
	if err != nil {
		return nil, fmt.Errorf("creating topic hasher: %w", err)
	}
	hasher.Write([]byte(workspaceID))
	digest := hasher.Sum(nil)

	return &Key{
		workspaceID: workspaceID,
		aead:        aead,
		topicSuffix: hex.EncodeToString(digest[:topicSuffixBytes]),
	}, nil
}

func expand(master []byte, info string) ([]byte, error) {
	reader := hkdf.New(sha256.New, master, nil, []byte(info))
	out := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("HKDF expand %s: %w", info, err)
	}
	return out, nil
}

// additionalData binds an envelope to its version and workspace, so a
// ciphertext cannot be replayed into another room that shares the secret.
func (k *Key) additionalData(version byte) []byte {
	aad := make([]byte, 1+len(k.workspaceID))
	aad[0] = version
	copy(aad[1:], k.workspaceID)
	return aad
}

// Seal encrypts plaintext into an encoded envelope with a fresh random nonce.
func (k *Key) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	ciphertext := k.aead.Seal(nil, nonce, plaintext, k.additionalData(envelopeVersion))
	return Envelope{Version: envelopeVersion, Nonce: nonce, Ciphertext: ciphertext}.Marshal(), nil
}

// Open authenticates and decrypts an encoded envelope.
func (k *Key) Open(data []byte) ([]byte, error) {
	env, err := ParseEnvelope(data)
	if err != nil {
		return nil, ErrDecrypt.WithCause(err)
	}
	if env.Version != envelopeVersion {
		return nil, ErrDecrypt.WithCause(fmt.Errorf("unsupported envelope version %d", env.Version))
	}
	if len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrDecrypt.WithCause(fmt.Errorf("nonce is %d bytes", len(env.Nonce)))
	}
	plaintext, err := k.aead.Open(nil, env.Nonce, env.Ciphertext, k.additionalData(env.Version))
	if err != nil {
		return nil, ErrDecrypt.WithCause(err)
	}
	return plaintext, nil
}

// TopicSuffix is the keyed hash appended to the rendezvous topic. It proves
// nothing about the secret to the relay and is stable for all holders.
func (k *Key) TopicSuffix() string {
	return k.topicSuffix
}
