package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collaborative-workspace-sync/internal/codec"
	"collaborative-workspace-sync/internal/encryption"
)

func TestFrameSealRoundTrip(t *testing.T) {
	ready := prepare(t, "proj-1", "s3cr3t")

	sealed, err := sealFrame(ready, Frame{Type: FramePing, Nonce: 7, Sent: 42})
	require.NoError(t, err)

	f, err := openFrame(ready, sealed)
	require.NoError(t, err)
	assert.Equal(t, FramePing, f.Type)
	assert.Equal(t, uint64(7), f.Nonce)
	assert.Equal(t, int64(42), f.Sent)
}

func TestFrameFromAnotherRoomFailsToOpen(t *testing.T) {
	sealed, err := sealFrame(prepare(t, "proj-1", "s3cr3t"), Frame{Type: FrameUpdate, Payload: []byte("x")})
	require.NoError(t, err)

	_, err = openFrame(prepare(t, "proj-1", "other"), sealed)
	assert.ErrorIs(t, err, encryption.ErrDecrypt)
}

func TestFrameRejectsUnknownType(t *testing.T) {
	ready := prepare(t, "proj-1", "")
	data, err := codec.Marshal(Frame{Type: FrameType(99)})
	require.NoError(t, err)

	_, err = openFrame(ready, data)
	assert.ErrorIs(t, err, ErrMalformedFrame)

	_, err = openFrame(ready, []byte{0xff, 0x00})
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestFrameTypeString(t *testing.T) {
	assert.Equal(t, "sync-step1", FrameSyncStep1.String())
	assert.Equal(t, "moderation", FrameModeration.String())
	assert.Equal(t, "frame(42)", FrameType(42).String())
}

func TestRoomTopic(t *testing.T) {
	plain := prepare(t, "proj-1", "")
	assert.Equal(t, "collab/proj-1", RoomTopic("proj-1", plain))

	secret := RoomTopic("proj-1", prepare(t, "proj-1", "s3cr3t"))
	assert.Regexp(t, `^collab/proj-1/[0-9a-f]{32}$`, secret)
	assert.NotContains(t, secret, "s3cr3t")
	assert.Equal(t, secret, RoomTopic("proj-1", prepare(t, "proj-1", "s3cr3t")))
	assert.NotEqual(t, secret, RoomTopic("proj-1", prepare(t, "proj-1", "other")))
}

func TestICEConfigFromURLs(t *testing.T) {
	cfg := ICEConfigFromURLs([]string{
		"stun:stun.example.org:3478",
		" ",
		"turn:turn.example.org:3478?transport=udp",
		"turns:turn.example.org:5349",
	}, "user", "pass")

	require.Len(t, cfg.Servers, 2)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, cfg.Servers[0].URLs)
	assert.Empty(t, cfg.Servers[0].Username)
	assert.Len(t, cfg.Servers[1].URLs, 2)
	assert.Equal(t, "user", cfg.Servers[1].Username)
	assert.Equal(t, "pass", cfg.Servers[1].Credential)

	assert.Empty(t, ICEConfigFromURLs(nil, "", "").Servers)
}
