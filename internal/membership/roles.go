package membership

import (
	"fmt"
	"strings"

	apperrors "collaborative-workspace-sync/internal/errors"
)

// Role is totally ordered: a higher value outranks a lower one.
type Role int

const (
	RoleViewer Role = iota + 1
	RoleMember
	RoleAdmin
	RoleOwner
)

var ErrInvalidRole = apperrors.Invalid("Invalid role", nil)

func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "viewer"
	case RoleMember:
		return "member"
	case RoleAdmin:
		return "admin"
	case RoleOwner:
		return "owner"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

func (r Role) Valid() bool {
	return r >= RoleViewer && r <= RoleOwner
}

// ParseRole accepts the lowercase role names.
func ParseRole(name string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "viewer":
		return RoleViewer, nil
	case "member":
		return RoleMember, nil
	case "admin":
		return RoleAdmin, nil
	case "owner":
		return RoleOwner, nil
	}
	return 0, ErrInvalidRole.WithCause(fmt.Errorf("unknown role %q", name))
}

func (r Role) Outranks(other Role) bool {
	return r > other
}

// CanManage reports whether r may change the role or permissions of a
// member holding target. Equal and senior roles are off limits and the
// owner is never managed.
func (r Role) CanManage(target Role) bool {
	return target != RoleOwner && r.Outranks(target)
}

// CanKick is the kick and ban policy: admins and above may remove strictly
// junior members.
func CanKick(actor, target Role) bool {
	return actor >= RoleAdmin && actor.CanManage(target)
}

// Permission is a set of capabilities.
type Permission uint16

const (
	PermView Permission = 1 << iota
	PermEdit
	PermComment
	PermInvite
	PermKick
	PermBan
	PermManageRoles

	PermAll = PermView | PermEdit | PermComment | PermInvite | PermKick | PermBan | PermManageRoles
)

var permissionNames = []struct {
	perm Permission
	name string
}{
	{PermView, "view"},
	{PermEdit, "edit"},
	{PermComment, "comment"},
	{PermInvite, "invite"},
	{PermKick, "kick"},
	{PermBan, "ban"},
	{PermManageRoles, "manage-roles"},
}

// DefaultPermissions is the permission set a role starts with.
func DefaultPermissions(r Role) Permission {
	switch r {
	case RoleOwner, RoleAdmin:
		return PermAll
	case RoleMember:
		return PermView | PermEdit | PermComment | PermInvite
	case RoleViewer:
		return PermView
	default:
		return 0
	}
}

func (p Permission) Has(q Permission) bool {
	return p&q == q
}

// Subset reports whether every capability of p is also in q.
func (p Permission) Subset(q Permission) bool {
	return p&^q == 0
}

func (p Permission) String() string {
	var names []string
	for _, pn := range permissionNames {
		if p.Has(pn.perm) {
			names = append(names, pn.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// ParsePermissions reads a "|" or "," separated list of capability names.
func ParsePermissions(s string) (Permission, error) {
	var p Permission
	for _, field := range strings.FieldsFunc(s, func(r rune) bool { return r == '|' || r == ',' }) {
		field = strings.TrimSpace(field)
		found := false
		for _, pn := range permissionNames {
			if pn.name == field {
				p |= pn.perm
				found = true
				break
			}
		}
		if !found {
			return 0, apperrors.Invalid("Invalid permission", fmt.Errorf("unknown permission %q", field))
		}
	}
	return p, nil
}
