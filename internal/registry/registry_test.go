package registry

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"collaborative-workspace-sync/internal/awareness"
	"collaborative-workspace-sync/internal/crdt"
	"collaborative-workspace-sync/internal/encryption"
	"collaborative-workspace-sync/internal/membership"
	"collaborative-workspace-sync/internal/persistence"
	"collaborative-workspace-sync/internal/transport"
)

// mock implementation of the Connector interface
type MockConnector struct {
	mock.Mock
}

func (m *MockConnector) Connect(ctx context.Context, ready encryption.Ready, doc *crdt.Doc, aw *awareness.Tracker) (Connection, error) {
	args := m.Called(ctx, ready, doc, aw)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(Connection), args.Error(1)
}

type fakeConnection struct {
	events chan transport.Event

	mu     sync.Mutex
	peers  []string
	sent   [][]byte
	closes int
	once   sync.Once
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{events: make(chan transport.Event, 16)}
}

func (c *fakeConnection) Events() <-chan transport.Event {
	return c.events
}

func (c *fakeConnection) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.peers...)
}

func (c *fakeConnection) SendModeration(_ context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, payload)
	return nil
}

func (c *fakeConnection) Close(context.Context) error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.once.Do(func() { close(c.events) })
	return nil
}

func (c *fakeConnection) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *fakeConnection) sentPayloads() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

// countingConnector hands out fresh fake connections.
type countingConnector struct {
	mu    sync.Mutex
	conns []*fakeConnection
}

func (c *countingConnector) Connect(context.Context, encryption.Ready, *crdt.Doc, *awareness.Tracker) (Connection, error) {
	conn := newFakeConnection()
	c.mu.Lock()
	c.conns = append(c.conns, conn)
	c.mu.Unlock()
	return conn, nil
}

func testKeyring() *encryption.Keyring {
	return encryption.NewKeyring(encryption.KeyringOptions{Iterations: 1000, Logger: zerolog.Nop()})
}

func openStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(persistence.Options{
		Path:     filepath.Join(t.TempDir(), "collab.db"),
		Debounce: 10 * time.Millisecond,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close(context.Background()) })
	return store
}

func nextEvent(t *testing.T, h *Handle, match func(Event) bool) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-h.Events():
			require.True(t, ok, "handle events closed")
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("expected event not delivered")
			return nil
		}
	}
}

func TestAcquireSharesOneDocument(t *testing.T) {
	reg := New(Options{Keyring: testKeyring(), Logger: zerolog.Nop()})
	ctx := context.Background()

	h1, err := reg.Acquire(ctx, "ws-1")
	require.NoError(t, err)
	h2, err := reg.Acquire(ctx, "ws-1")
	require.NoError(t, err)

	assert.Same(t, h1.Document(), h2.Document())
	assert.Equal(t, 2, reg.RefCount("ws-1"))

	doc, ok := reg.Document("ws-1")
	require.True(t, ok)
	assert.Same(t, h1.Document(), doc)

	require.NoError(t, h1.Release())
	require.NoError(t, h1.Release())
	assert.Equal(t, 1, reg.RefCount("ws-1"))
	_, open := <-h1.Events()
	assert.False(t, open)

	require.NoError(t, h2.Release())
	assert.Equal(t, 0, reg.RefCount("ws-1"))
	_, ok = reg.Document("ws-1")
	assert.False(t, ok)

	_, err = doc.Insert("content", 0, "late")
	assert.ErrorIs(t, err, crdt.ErrDestroyed)
}

func TestAcquireRequiresWorkspaceID(t *testing.T) {
	reg := New(Options{Keyring: testKeyring(), Logger: zerolog.Nop()})
	_, err := reg.Acquire(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyWorkspaceID)
}

func TestReleaseOfUnknownWorkspaceIsNoop(t *testing.T) {
	reg := New(Options{Keyring: testKeyring(), Logger: zerolog.Nop()})
	assert.NoError(t, reg.Release("never-opened"))
	assert.Equal(t, 0, reg.RefCount("never-opened"))
}

func TestConcurrentAcquireRelease(t *testing.T) {
	connector := &countingConnector{}
	reg := New(Options{Keyring: testKeyring(), Connector: connector, Logger: zerolog.Nop()})
	ctx := context.Background()

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := reg.Acquire(ctx, "shared")
			if err != nil {
				failures.Add(1)
				return
			}
			h.Document().Insert("content", 0, "x")
			h.Release()
		}()
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.Equal(t, 0, reg.RefCount("shared"))
	assert.Empty(t, reg.Open())

	connector.mu.Lock()
	defer connector.mu.Unlock()
	require.NotEmpty(t, connector.conns)
	for _, conn := range connector.conns {
		assert.Equal(t, 1, conn.closeCount())
	}
}

func TestConnectWaitsForPreparedKeys(t *testing.T) {
	store := openStore(t)
	require.NoError(t, store.PutSettings("proj-1", persistence.Settings{EncryptionEnabled: true, RoomSecret: "s3cr3t"}))

	conn := newFakeConnection()
	called := make(chan struct{})
	connector := new(MockConnector)
	connector.On("Connect",
		mock.Anything,
		mock.MatchedBy(func(r encryption.Ready) bool {
			return r.Valid() && r.Encrypted() && r.WorkspaceID() == "proj-1"
		}),
		mock.Anything,
		mock.Anything,
	).Return(conn, nil).Once().Run(func(mock.Arguments) { close(called) })

	reg := New(Options{Store: store, Keyring: testKeyring(), Connector: connector, Logger: zerolog.Nop()})
	h, err := reg.Acquire(context.Background(), "proj-1")
	require.NoError(t, err)

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("connector not called")
	}
	require.NoError(t, h.Release())
	connector.AssertExpectations(t)
	assert.Equal(t, 1, conn.closeCount())
}

func TestReleaseCancelsPendingConnect(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	connector := new(MockConnector)
	connector.On("Connect", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			close(started)
			<-args.Get(0).(context.Context).Done()
			close(cancelled)
		}).
		Return(nil, context.Canceled)

	reg := New(Options{Keyring: testKeyring(), Connector: connector, Logger: zerolog.Nop()})
	h, err := reg.Acquire(context.Background(), "slow")
	require.NoError(t, err)
	<-started

	require.NoError(t, h.Release())
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("connect attempt not cancelled")
	}
}

func TestTransportEventsReachHandles(t *testing.T) {
	connector := &countingConnector{}
	reg := New(Options{Keyring: testKeyring(), Connector: connector, Logger: zerolog.Nop()})
	h, err := reg.Acquire(context.Background(), "ws-1")
	require.NoError(t, err)
	defer h.Release()

	require.Eventually(t, func() bool { return len(h.Peers()) == 0 && h.entry.connection() != nil }, 2*time.Second, 10*time.Millisecond)
	connector.mu.Lock()
	conn := connector.conns[0]
	connector.mu.Unlock()

	conn.mu.Lock()
	conn.peers = []string{"peer-1"}
	conn.mu.Unlock()
	conn.events <- transport.PeerJoined{SessionID: "peer-1"}
	ev := nextEvent(t, h, func(e Event) bool { _, ok := e.(PeerCountChanged); return ok })
	assert.Equal(t, PeerCountChanged{Count: 1}, ev)
	assert.Equal(t, []string{"peer-1"}, h.Peers())

	action := membership.Action{ID: "a1", WorkspaceID: "ws-1", Type: membership.ActionKick, TargetID: "bob", InitiatorID: "alice", Timestamp: 1}
	payload, err := action.Marshal()
	require.NoError(t, err)
	conn.events <- transport.ModerationReceived{From: "peer-1", Payload: payload}
	ev = nextEvent(t, h, func(e Event) bool { _, ok := e.(ModerationReceived); return ok })
	assert.Equal(t, action, ev.(ModerationReceived).Action)

	conn.events <- transport.ModerationReceived{From: "peer-1", Payload: []byte("junk")}
	ev = nextEvent(t, h, func(e Event) bool { _, ok := e.(TransportError); return ok })
	assert.ErrorIs(t, ev.(TransportError).Err, membership.ErrMalformedAction)

	_, err = h.Document().Insert("content", 0, "hi")
	require.NoError(t, err)
	ev = nextEvent(t, h, func(e Event) bool { _, ok := e.(DocumentChanged); return ok })
	assert.True(t, ev.(DocumentChanged).Local)
}

func TestDocumentSurvivesReopen(t *testing.T) {
	store := openStore(t)
	reg := New(Options{Store: store, Keyring: testKeyring(), Logger: zerolog.Nop()})
	ctx := context.Background()

	h, err := reg.Acquire(ctx, "notes")
	require.NoError(t, err)
	_, err = h.Document().Insert("content", 0, "persist me")
	require.NoError(t, err)
	require.NoError(t, h.Release())

	h, err = reg.Acquire(ctx, "notes")
	require.NoError(t, err)
	defer h.Release()
	assert.Equal(t, "persist me", h.Document().Text("content"))
	assert.Equal(t, persistence.StatusSaved, h.PersistenceStatus())
}

func TestMemoryOnlyWithoutStore(t *testing.T) {
	reg := New(Options{Keyring: testKeyring(), Logger: zerolog.Nop()})
	h, err := reg.Acquire(context.Background(), "scratch")
	require.NoError(t, err)
	defer h.Release()
	assert.Equal(t, persistence.StatusMemoryOnly, h.PersistenceStatus())
}

func TestCloseReleasesEverything(t *testing.T) {
	connector := &countingConnector{}
	reg := New(Options{Keyring: testKeyring(), Connector: connector, Logger: zerolog.Nop()})
	ctx := context.Background()

	h1, err := reg.Acquire(ctx, "a")
	require.NoError(t, err)
	_, err = reg.Acquire(ctx, "b")
	require.NoError(t, err)

	require.NoError(t, reg.Close(ctx))
	assert.Empty(t, reg.Open())

	_, err = reg.Acquire(ctx, "a")
	assert.ErrorIs(t, err, ErrClosed)

	// a stale handle does not touch anything
	assert.NoError(t, h1.Release())
}

func TestRunModerationBroadcastsQueuedActions(t *testing.T) {
	connector := &countingConnector{}
	reg := New(Options{
		Keyring:    testKeyring(),
		Connector:  connector,
		LocalState: awareness.State{UserID: "alice"},
		Logger:     zerolog.Nop(),
	})
	h, err := reg.Acquire(context.Background(), "proj-1")
	require.NoError(t, err)
	defer h.Release()
	require.Eventually(t, func() bool { return h.entry.connection() != nil }, 2*time.Second, 10*time.Millisecond)

	svc := membership.NewService(reg, reg, membership.Options{Logger: zerolog.Nop()})
	require.NoError(t, svc.InitializeWorkspace("proj-1", membership.Identity{UserID: "alice"}))
	require.NoError(t, svc.AddMember("proj-1", membership.Identity{UserID: "bob"}, membership.RoleMember))
	require.NoError(t, svc.Kick("proj-1", "alice", "bob", "spam"))

	members, err := svc.Members("proj-1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.True(t, members[0].Online)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.RunModeration(ctx, svc)

	connector.mu.Lock()
	conn := connector.conns[0]
	connector.mu.Unlock()
	require.Eventually(t, func() bool { return len(conn.sentPayloads()) == 1 }, 2*time.Second, 10*time.Millisecond)

	action, err := membership.DecodeAction(conn.sentPayloads()[0])
	require.NoError(t, err)
	assert.Equal(t, membership.ActionKick, action.Type)
	assert.Equal(t, "bob", action.TargetID)
	assert.Equal(t, "alice", action.InitiatorID)
	assert.Zero(t, svc.PendingActions())
}

func TestDirectoryEvictionSparesOpenWorkspaces(t *testing.T) {
	store := openStore(t)
	dir, err := membership.NewDirectory(store, 1, zerolog.Nop())
	require.NoError(t, err)
	reg := New(Options{Store: store, Keyring: testKeyring(), Directory: dir, Logger: zerolog.Nop()})
	ctx := context.Background()

	stored := func(id string) bool {
		_, found, err := store.LoadSnapshot(id)
		require.NoError(t, err)
		return found
	}

	a, err := reg.Acquire(ctx, "a")
	require.NoError(t, err)
	_, err = a.Document().Insert("content", 0, "kept while open")
	require.NoError(t, err)

	// b pushes a out of the directory while a is still open.
	b, err := reg.Acquire(ctx, "b")
	require.NoError(t, err)
	_, err = b.Document().Insert("content", 0, "b")
	require.NoError(t, err)
	assert.True(t, stored("a"))

	// Closing a workspace the directory forgot drops its data.
	require.NoError(t, a.Release())
	assert.False(t, stored("a"))

	// b is still remembered, so its data survives its close until c
	// pushes it out.
	require.NoError(t, b.Release())
	assert.True(t, stored("b"))
	c, err := reg.Acquire(ctx, "c")
	require.NoError(t, err)
	defer c.Release()
	assert.False(t, stored("b"))

	a, err = reg.Acquire(ctx, "a")
	require.NoError(t, err)
	defer a.Release()
	assert.Empty(t, a.Document().Text("content"))
}
