package membership

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"collaborative-workspace-sync/internal/crdt"
	apperrors "collaborative-workspace-sync/internal/errors"
)

const ws = "proj-1"

type docSource map[string]*crdt.Doc

func (d docSource) Document(workspaceID string) (*crdt.Doc, bool) {
	doc, ok := d[workspaceID]
	return doc, ok
}

type MockPresence struct {
	mock.Mock
}

func (m *MockPresence) OnlineUsers(workspaceID string) []string {
	args := m.Called(workspaceID)
	return args.Get(0).([]string)
}

func newTestService(t *testing.T, maxMembers int) (*DefaultService, *crdt.Doc) {
	t.Helper()
	doc := crdt.NewDoc("peer-a")
	svc := NewService(docSource{ws: doc}, nil, Options{MaxMembers: maxMembers, Logger: zerolog.Nop()})
	require.NoError(t, svc.InitializeWorkspace(ws, Identity{UserID: "alice", DisplayName: "Alice"}))
	return svc, doc
}

func TestInitializeWorkspaceAssignsOwnerOnce(t *testing.T) {
	svc, _ := newTestService(t, 10)

	require.NoError(t, svc.InitializeWorkspace(ws, Identity{UserID: "mallory"}))
	owner, ok, err := svc.Owner(ws)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", owner)

	m, ok, err := svc.Member(ws, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, RoleOwner, m.Role)
	assert.Equal(t, PermAll, m.Permissions)

	_, ok, err = svc.Member(ws, "mallory")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnknownWorkspace(t *testing.T) {
	svc, _ := newTestService(t, 10)
	_, err := svc.IsBanned("nope", "bob")
	assert.ErrorIs(t, err, ErrWorkspaceUnknown)
	assert.True(t, apperrors.IsKind(err, apperrors.KindNotFound))
}

func TestAddMemberRules(t *testing.T) {
	svc, _ := newTestService(t, 3)

	require.NoError(t, svc.AddMember(ws, Identity{UserID: "bob"}, RoleMember))
	// Duplicates are ignored, the original role stays.
	require.NoError(t, svc.AddMember(ws, Identity{UserID: "bob"}, RoleViewer))
	m, _, _ := svc.Member(ws, "bob")
	assert.Equal(t, RoleMember, m.Role)

	assert.ErrorIs(t, svc.AddMember(ws, Identity{UserID: "carol"}, Role(42)), ErrInvalidRole)
	assert.ErrorIs(t, svc.AddMember(ws, Identity{UserID: "carol"}, RoleOwner), ErrOwnerImmutable)

	require.NoError(t, svc.AddMember(ws, Identity{UserID: "carol"}, RoleViewer))
	err := svc.AddMember(ws, Identity{UserID: "dave"}, RoleViewer)
	assert.ErrorIs(t, err, ErrMemberLimit)

	members, err := svc.Members(ws)
	require.NoError(t, err)
	require.Len(t, members, 3)
	assert.Equal(t, "alice", members[0].UserID)
	assert.Equal(t, "bob", members[1].UserID)
	assert.Equal(t, "carol", members[2].UserID)
}

func TestRoleManagementIsStrictlySenior(t *testing.T) {
	svc, _ := newTestService(t, 10)
	require.NoError(t, svc.AddMember(ws, Identity{UserID: "admin1"}, RoleMember))
	require.NoError(t, svc.AddMember(ws, Identity{UserID: "admin2"}, RoleMember))
	require.NoError(t, svc.AddMember(ws, Identity{UserID: "bob"}, RoleMember))

	require.NoError(t, svc.UpdateRole(ws, "alice", "admin1", RoleAdmin))
	require.NoError(t, svc.UpdateRole(ws, "alice", "admin2", RoleAdmin))

	// Admins manage members but not each other or the owner.
	require.NoError(t, svc.UpdateRole(ws, "admin1", "bob", RoleViewer))
	assert.ErrorIs(t, svc.UpdateRole(ws, "admin1", "admin2", RoleMember), ErrForbidden)
	assert.ErrorIs(t, svc.UpdateRole(ws, "admin1", "alice", RoleMember), ErrForbidden)
	// Nobody grants a role equal to their own.
	assert.ErrorIs(t, svc.UpdateRole(ws, "admin1", "bob", RoleAdmin), ErrForbidden)
	// The owner role is never assigned.
	assert.ErrorIs(t, svc.UpdateRole(ws, "alice", "bob", RoleOwner), ErrOwnerImmutable)
	// Members cannot manage anyone.
	require.NoError(t, svc.UpdateRole(ws, "alice", "bob", RoleMember))
	assert.ErrorIs(t, svc.UpdateRole(ws, "bob", "admin1", RoleViewer), ErrForbidden)

	m, _, _ := svc.Member(ws, "bob")
	assert.Equal(t, RoleMember, m.Role)
	assert.Equal(t, DefaultPermissions(RoleMember), m.Permissions)
}

func TestNoSelfElevation(t *testing.T) {
	svc, _ := newTestService(t, 10)
	require.NoError(t, svc.AddMember(ws, Identity{UserID: "bob"}, RoleMember))
	require.NoError(t, svc.UpdateRole(ws, "alice", "bob", RoleAdmin))

	for _, role := range []Role{RoleViewer, RoleMember, RoleAdmin, RoleOwner} {
		err := svc.UpdateRole(ws, "bob", "bob", role)
		assert.Error(t, err)
	}
	assert.ErrorIs(t, svc.UpdatePermissions(ws, "bob", "bob", PermAll), ErrSelfManagement)

	m, _, _ := svc.Member(ws, "bob")
	assert.Equal(t, RoleAdmin, m.Role)
}

func TestUpdatePermissions(t *testing.T) {
	svc, _ := newTestService(t, 10)
	require.NoError(t, svc.AddMember(ws, Identity{UserID: "bob"}, RoleMember))
	require.NoError(t, svc.AddMember(ws, Identity{UserID: "carol"}, RoleViewer))

	require.NoError(t, svc.UpdatePermissions(ws, "alice", "carol", PermView|PermComment))
	perms, err := svc.Permissions(ws, "carol")
	require.NoError(t, err)
	assert.Equal(t, "view|comment", perms.String())

	// Members lack manage-roles.
	assert.ErrorIs(t, svc.UpdatePermissions(ws, "bob", "carol", PermView), ErrForbidden)
	assert.True(t, apperrors.IsKind(svc.UpdatePermissions(ws, "alice", "carol", Permission(1<<12)), apperrors.KindInvalid))

	perms, err = svc.Permissions(ws, "nobody")
	require.NoError(t, err)
	assert.Zero(t, perms)
}

func TestKickAllowsRejoin(t *testing.T) {
	svc, _ := newTestService(t, 10)
	require.NoError(t, svc.AddMember(ws, Identity{UserID: "bob"}, RoleMember))

	require.NoError(t, svc.Kick(ws, "alice", "bob", "spam"))
	_, ok, _ := svc.Member(ws, "bob")
	assert.False(t, ok)
	banned, err := svc.IsBanned(ws, "bob")
	require.NoError(t, err)
	assert.False(t, banned)

	require.NoError(t, svc.AddMember(ws, Identity{UserID: "bob"}, RoleMember))
	assert.ErrorIs(t, svc.Kick(ws, "bob", "alice", ""), ErrForbidden)

	action, ok := svc.PopAction()
	require.True(t, ok)
	assert.Equal(t, ActionKick, action.Type)
	assert.Equal(t, "bob", action.TargetID)
	assert.Equal(t, "alice", action.InitiatorID)
	assert.Equal(t, "spam", action.Reason)
	assert.NotEmpty(t, action.ID)
}

func TestBanFailsClosedUntilUnban(t *testing.T) {
	svc, _ := newTestService(t, 10)
	require.NoError(t, svc.AddMember(ws, Identity{UserID: "bob"}, RoleMember))
	require.NoError(t, svc.Ban(ws, "alice", "bob", "abuse"))

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, svc.AddMember(ws, Identity{UserID: "bob"}, RoleMember), ErrBanned)
	}
	perms, err := svc.Permissions(ws, "bob")
	require.NoError(t, err)
	assert.Zero(t, perms)

	assert.ErrorIs(t, svc.Unban(ws, "bob", "bob"), ErrSelfManagement)
	require.NoError(t, svc.Unban(ws, "alice", "bob"))
	banned, err := svc.IsBanned(ws, "bob")
	require.NoError(t, err)
	assert.False(t, banned)
	require.NoError(t, svc.AddMember(ws, Identity{UserID: "bob"}, RoleMember))

	assert.Equal(t, 2, svc.PendingActions())
	first, _ := svc.PopAction()
	second, _ := svc.PopAction()
	assert.Equal(t, ActionBan, first.Type)
	assert.Equal(t, ActionUnban, second.Type)
	_, ok := svc.PopAction()
	assert.False(t, ok)
}

func TestMemberBannedFlagCountsAsBanned(t *testing.T) {
	svc, doc := newTestService(t, 10)
	require.NoError(t, putMember(doc, Member{UserID: "bob", Role: RoleMember, Banned: true}))

	banned, err := svc.IsBanned(ws, "bob")
	require.NoError(t, err)
	assert.True(t, banned)
	assert.ErrorIs(t, svc.Kick(ws, "bob", "alice", ""), ErrForbidden)

	// An unreadable member record is treated as banned.
	_, err = doc.Set(MapName, memberPrefix+"eve", []byte{0xff})
	require.NoError(t, err)
	banned, err = svc.IsBanned(ws, "eve")
	require.NoError(t, err)
	assert.True(t, banned)

	require.NoError(t, svc.Unban(ws, "alice", "bob"))
	banned, _ = svc.IsBanned(ws, "bob")
	assert.False(t, banned)
}

func TestBanWhileOfflineReachesPeerThroughDocument(t *testing.T) {
	docA := crdt.NewDoc("peer-a")
	docB := crdt.NewDoc("peer-b")
	svcA := NewService(docSource{ws: docA}, nil, Options{Logger: zerolog.Nop()})
	svcB := NewService(docSource{ws: docB}, nil, Options{Logger: zerolog.Nop()})

	require.NoError(t, svcA.InitializeWorkspace(ws, Identity{UserID: "A"}))
	require.NoError(t, svcA.AddMember(ws, Identity{UserID: "B"}, RoleMember))
	_, err := docB.Apply(docA.Diff(docB.StateVector()), "sync")
	require.NoError(t, err)
	_, ok, _ := svcB.Member(ws, "B")
	require.True(t, ok)

	// B is offline: the live notice is popped but never delivered.
	require.NoError(t, svcA.Ban(ws, "A", "B", ""))
	_, ok, _ = svcA.Member(ws, "B")
	assert.False(t, ok)
	_, popped := svcA.PopAction()
	require.True(t, popped)

	// B reconnects and catches up through state-vector sync only.
	_, err = docB.Apply(docA.Diff(docB.StateVector()), "sync")
	require.NoError(t, err)
	banned, err := svcB.IsBanned(ws, "B")
	require.NoError(t, err)
	assert.True(t, banned)
	// B's own view cannot re-add B.
	assert.ErrorIs(t, svcB.AddMember(ws, Identity{UserID: "B"}, RoleMember), ErrBanned)
}

func TestMembersReportOnlineFromPresence(t *testing.T) {
	doc := crdt.NewDoc("peer-a")
	presence := new(MockPresence)
	presence.On("OnlineUsers", ws).Return([]string{"bob"})
	svc := NewService(docSource{ws: doc}, presence, Options{Logger: zerolog.Nop()})
	require.NoError(t, svc.InitializeWorkspace(ws, Identity{UserID: "alice"}))
	require.NoError(t, svc.AddMember(ws, Identity{UserID: "bob"}, RoleViewer))

	members, err := svc.Members(ws)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.False(t, members[0].Online)
	assert.True(t, members[1].Online)
	presence.AssertExpectations(t)
}

func TestNotifySignalsQueuedActions(t *testing.T) {
	svc, _ := newTestService(t, 10)
	require.NoError(t, svc.AddMember(ws, Identity{UserID: "bob"}, RoleMember))
	require.NoError(t, svc.Kick(ws, "alice", "bob", ""))

	select {
	case <-svc.Notify():
	default:
		t.Fatal("expected a notification")
	}
}

func syncDocs(t *testing.T, dst, src *crdt.Doc) {
	t.Helper()
	_, err := dst.Apply(src.Diff(dst.StateVector()), "sync")
	require.NoError(t, err)
}

func TestBanHoldsAgainstConcurrentRoleChange(t *testing.T) {
	docA := crdt.NewDoc("peer-a")
	docC := crdt.NewDoc("peer-c")
	svcA := NewService(docSource{ws: docA}, nil, Options{Logger: zerolog.Nop()})
	svcC := NewService(docSource{ws: docC}, nil, Options{Logger: zerolog.Nop()})

	require.NoError(t, svcA.InitializeWorkspace(ws, Identity{UserID: "A"}))
	require.NoError(t, svcA.AddMember(ws, Identity{UserID: "B"}, RoleMember))
	require.NoError(t, svcA.AddMember(ws, Identity{UserID: "C"}, RoleAdmin))
	syncDocs(t, docC, docA)

	// C has been busy, so its edits carry later stamps than A's.
	for i := 0; i < 20; i++ {
		_, err := docC.Set("notes", "draft", []byte{byte(i)})
		require.NoError(t, err)
	}

	// Partitioned: A bans B while C demotes B.
	require.NoError(t, svcA.Ban(ws, "A", "B", "abuse"))
	require.NoError(t, svcC.UpdateRole(ws, "C", "B", RoleViewer))

	syncDocs(t, docA, docC)
	syncDocs(t, docC, docA)

	for _, svc := range []*DefaultService{svcA, svcC} {
		banned, err := svc.IsBanned(ws, "B")
		require.NoError(t, err)
		assert.True(t, banned)

		_, ok, err := svc.Member(ws, "B")
		require.NoError(t, err)
		assert.False(t, ok)

		members, err := svc.Members(ws)
		require.NoError(t, err)
		assert.Len(t, members, 2)

		perms, err := svc.Permissions(ws, "B")
		require.NoError(t, err)
		assert.Zero(t, perms)

		assert.ErrorIs(t, svc.UpdateRole(ws, "A", "B", RoleMember), ErrNotMember)
	}
}

func TestBannedMembersDoNotCountTowardLimit(t *testing.T) {
	svc, doc := newTestService(t, 2)
	require.NoError(t, putMember(doc, Member{UserID: "bob", Role: RoleMember}))
	_, err := doc.Set(MapName, bannedPrefix+"bob", []byte{0xff})
	require.NoError(t, err)

	require.NoError(t, svc.AddMember(ws, Identity{UserID: "carol"}, RoleMember))
	assert.ErrorIs(t, svc.AddMember(ws, Identity{UserID: "dave"}, RoleMember), ErrMemberLimit)
}

func TestBanAfterKickBlocksRejoin(t *testing.T) {
	svc, _ := newTestService(t, 10)
	require.NoError(t, svc.AddMember(ws, Identity{UserID: "bob"}, RoleMember))
	require.NoError(t, svc.Kick(ws, "alice", "bob", "spam"))

	require.NoError(t, svc.Ban(ws, "alice", "bob", "spam again"))
	assert.ErrorIs(t, svc.AddMember(ws, Identity{UserID: "bob"}, RoleMember), ErrBanned)

	// Banning twice is a no-op.
	require.NoError(t, svc.Ban(ws, "alice", "bob", ""))
	assert.Equal(t, 2, svc.PendingActions())

	// Never-joined users can be banned ahead of time; the owner cannot.
	require.NoError(t, svc.Ban(ws, "alice", "eve", ""))
	assert.ErrorIs(t, svc.AddMember(ws, Identity{UserID: "eve"}, RoleViewer), ErrBanned)
	assert.ErrorIs(t, svc.Ban(ws, "alice", "alice", ""), ErrSelfManagement)
}

func TestBanOfKickedUserUsesRecordedRole(t *testing.T) {
	svc, _ := newTestService(t, 10)
	require.NoError(t, svc.AddMember(ws, Identity{UserID: "carol"}, RoleAdmin))
	require.NoError(t, svc.AddMember(ws, Identity{UserID: "dave"}, RoleAdmin))
	require.NoError(t, svc.Kick(ws, "alice", "dave", ""))

	assert.ErrorIs(t, svc.Ban(ws, "carol", "dave", ""), ErrForbidden)
	require.NoError(t, svc.Ban(ws, "alice", "dave", ""))

	// Rejoining clears the recorded role.
	require.NoError(t, svc.Unban(ws, "alice", "dave"))
	require.NoError(t, svc.AddMember(ws, Identity{UserID: "dave"}, RoleViewer))
	require.NoError(t, svc.Kick(ws, "carol", "dave", ""))
	require.NoError(t, svc.Ban(ws, "carol", "dave", ""))
}
