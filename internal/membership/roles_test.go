package membership

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	tests := []struct {
		name    string
		want    Role
		wantErr bool
	}{
		{"owner", RoleOwner, false},
		{"Admin", RoleAdmin, false},
		{" member ", RoleMember, false},
		{"viewer", RoleViewer, false},
		{"superuser", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRole(tt.name)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRole)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, mustParse(t, got.String()))
		})
	}
}

func mustParse(t *testing.T, name string) Role {
	t.Helper()
	r, err := ParseRole(name)
	require.NoError(t, err)
	return r
}

func TestRoleOrderingAndPolicy(t *testing.T) {
	assert.True(t, RoleOwner.Outranks(RoleAdmin))
	assert.False(t, RoleAdmin.Outranks(RoleAdmin))
	assert.False(t, RoleOwner.CanManage(RoleOwner))
	assert.True(t, RoleAdmin.CanManage(RoleViewer))

	assert.True(t, CanKick(RoleOwner, RoleAdmin))
	assert.True(t, CanKick(RoleAdmin, RoleMember))
	assert.False(t, CanKick(RoleAdmin, RoleAdmin))
	assert.False(t, CanKick(RoleMember, RoleViewer))
}

func TestPermissions(t *testing.T) {
	assert.True(t, DefaultPermissions(RoleOwner).Has(PermManageRoles))
	assert.False(t, DefaultPermissions(RoleMember).Has(PermKick))
	assert.Equal(t, "view", DefaultPermissions(RoleViewer).String())
	assert.Equal(t, "none", Permission(0).String())
	assert.True(t, PermView.Subset(DefaultPermissions(RoleMember)))

	p, err := ParsePermissions("view|edit, kick")
	require.NoError(t, err)
	assert.Equal(t, PermView|PermEdit|PermKick, p)
	_, err = ParsePermissions("view|fly")
	assert.Error(t, err)
}

func TestActionEncoding(t *testing.T) {
	a := Action{ID: "1", WorkspaceID: ws, Type: ActionBan, TargetID: "bob", InitiatorID: "alice", Timestamp: 42}
	data, err := a.Marshal()
	require.NoError(t, err)
	got, err := DecodeAction(data)
	require.NoError(t, err)
	assert.Equal(t, a, got)

	a.Type = "promote"
	_, err = a.Marshal()
	assert.ErrorIs(t, err, ErrMalformedAction)
	_, err = DecodeAction([]byte{0x01})
	assert.ErrorIs(t, err, ErrMalformedAction)
}
