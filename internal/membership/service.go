// Package membership keeps workspace roles, permissions and bans inside the
// replicated document, so every peer converges on the same membership even
// when it missed the live moderation notices. Kick, ban and unban notices
// are queued for the registry to broadcast.
package membership

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"collaborative-workspace-sync/internal/codec"
	"collaborative-workspace-sync/internal/crdt"
	apperrors "collaborative-workspace-sync/internal/errors"
)

// MapName is the document map holding membership state.
const MapName = "membership"

const (
	keyOwner       = "owner"
	memberPrefix   = "member/"
	bannedPrefix   = "banned/"
	departedPrefix = "departed/"

	defaultMaxMembers = 100
)

var (
	ErrForbidden        = apperrors.Forbidden("Not allowed", nil)
	ErrSelfManagement   = apperrors.Forbidden("Members cannot manage themselves", nil)
	ErrBanned           = apperrors.Invalid("User is banned from this workspace", nil)
	ErrMemberLimit      = apperrors.Invalid("Workspace member limit reached", nil)
	ErrOwnerImmutable   = apperrors.Invalid("Owner role cannot be assigned or changed", nil)
	ErrNotMember        = apperrors.NotFound("Member not found", nil)
	ErrWorkspaceUnknown = apperrors.NotFound("Workspace document not open", nil)
)

// Member is a durable identity within a workspace.
type Member struct {
	UserID      string     `cbor:"id"`
	DisplayName string     `cbor:"name,omitempty"`
	Role        Role       `cbor:"role"`
	Permissions Permission `cbor:"perm"`
	JoinedAt    int64      `cbor:"joined"`
	Banned      bool       `cbor:"banned,omitempty"`
	// Online is filled from presence when members are listed.
	Online bool `cbor:"-"`
}

// BanRecord is an entry of the durable banned list.
type BanRecord struct {
	UserID   string `cbor:"id"`
	Role     Role   `cbor:"role"`
	BannedBy string `cbor:"by"`
	Reason   string `cbor:"reason,omitempty"`
	At       int64  `cbor:"at"`
}

type Identity struct {
	UserID      string
	DisplayName string
}

// DocumentSource resolves the open document of a workspace.
type DocumentSource interface {
	Document(workspaceID string) (*crdt.Doc, bool)
}

// Presence reports which user ids are currently connected to a workspace.
type Presence interface {
	OnlineUsers(workspaceID string) []string
}

type Service interface {
	InitializeWorkspace(workspaceID string, owner Identity) error
	AddMember(workspaceID string, identity Identity, role Role) error
	UpdateRole(workspaceID, actorID, targetID string, role Role) error
	UpdatePermissions(workspaceID, actorID, targetID string, perms Permission) error
	Kick(workspaceID, actorID, targetID, reason string) error
	Ban(workspaceID, actorID, targetID, reason string) error
	Unban(workspaceID, actorID, targetID string) error
	IsBanned(workspaceID, userID string) (bool, error)
	Owner(workspaceID string) (string, bool, error)
	Members(workspaceID string) ([]Member, error)
	Member(workspaceID, userID string) (Member, bool, error)
	Permissions(workspaceID, userID string) (Permission, error)
	PopAction() (Action, bool)
	PendingActions() int
	Notify() <-chan struct{}
}

type Options struct {
	MaxMembers int
	// Directory, when set, remembers every workspace touched here.
	Directory *Directory
	Clock     clock.Clock
	Logger    zerolog.Logger
}

type DefaultService struct {
	docs     DocumentSource
	presence Presence
	opts     Options
	logger   zerolog.Logger

	// mu serializes read-check-write sequences on the membership map.
	mu sync.Mutex

	queueMu sync.Mutex
	queue   []Action
	notify  chan struct{}
}

func NewService(docs DocumentSource, presence Presence, opts Options) *DefaultService {
	if opts.MaxMembers <= 0 {
		opts.MaxMembers = defaultMaxMembers
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &DefaultService{
		docs:     docs,
		presence: presence,
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "membership").Logger(),
		notify:   make(chan struct{}, 1),
	}
}

func (s *DefaultService) document(workspaceID string) (*crdt.Doc, error) {
	doc, ok := s.docs.Document(workspaceID)
	if !ok {
		return nil, ErrWorkspaceUnknown.WithCause(fmt.Errorf("workspace %q", workspaceID))
	}
	return doc, nil
}

func (s *DefaultService) now() int64 {
	return s.opts.Clock.Now().UnixMilli()
}

func (s *DefaultService) touch(workspaceID string) {
	if s.opts.Directory == nil {
		return
	}
	if err := s.opts.Directory.Touch(workspaceID, s.opts.Clock.Now()); err != nil {
		s.logger.Warn().Err(err).Str("workspace", workspaceID).Msg("Failed to update workspace directory")
	}
}

func (s *DefaultService) warn(workspaceID string, err error, msg string) error {
	s.logger.Warn().Err(err).Str("workspace", workspaceID).Msg(msg)
	return err
}

// InitializeWorkspace records owner as the immutable owner when the
// workspace has no owner yet. Later calls are no-ops.
func (s *DefaultService) InitializeWorkspace(workspaceID string, owner Identity) error {
	if owner.UserID == "" {
		return apperrors.Invalid("Owner user id is required", nil)
	}
	doc, err := s.document(workspaceID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := doc.Get(MapName, keyOwner); ok {
		s.logger.Debug().Str("workspace", workspaceID).Str("owner", string(current)).Msg("Workspace already initialized")
		return nil
	}
	member := Member{
		UserID:      owner.UserID,
		DisplayName: owner.DisplayName,
		Role:        RoleOwner,
		Permissions: DefaultPermissions(RoleOwner),
		JoinedAt:    s.now(),
	}
	if err := putMember(doc, member); err != nil {
		return err
	}
	if _, err := doc.Set(MapName, keyOwner, []byte(owner.UserID)); err != nil {
		return err
	}
	s.touch(workspaceID)
	s.logger.Info().Str("workspace", workspaceID).Str("owner", owner.UserID).Msg("Workspace initialized")
	return nil
}

// AddMember admits identity with role. Banned users and a full workspace are
// rejected; an existing member is left untouched.
func (s *DefaultService) AddMember(workspaceID string, identity Identity, role Role) error {
	if identity.UserID == "" {
		return apperrors.Invalid("User id is required", nil)
	}
	if !role.Valid() {
		return s.warn(workspaceID, ErrInvalidRole.WithCause(fmt.Errorf("role %d", role)), "Rejected member with invalid role")
	}
	if role == RoleOwner {
		return s.warn(workspaceID, ErrOwnerImmutable, "Rejected second owner")
	}
	doc, err := s.document(workspaceID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if isBanned(doc, identity.UserID) {
		return s.warn(workspaceID, ErrBanned, "Rejected banned user")
	}
	if _, ok := doc.Get(MapName, memberPrefix+identity.UserID); ok {
		return nil
	}
	if count := len(memberKeys(doc)); count >= s.opts.MaxMembers {
		return s.warn(workspaceID, ErrMemberLimit.WithCause(fmt.Errorf("%d members", count)), "Rejected member over limit")
	}

	member := Member{
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		Role:        role,
		Permissions: DefaultPermissions(role),
		JoinedAt:    s.now(),
	}
	if err := putMember(doc, member); err != nil {
		return err
	}
	if _, departed := doc.Get(MapName, departedPrefix+identity.UserID); departed {
		if _, err := doc.Remove(MapName, departedPrefix+identity.UserID); err != nil {
			return err
		}
	}
	s.touch(workspaceID)
	return nil
}

// authorize loads actor and target and checks that actor may manage target.
func (s *DefaultService) authorize(doc *crdt.Doc, actorID, targetID string, need Permission, policy func(actor, target Role) bool) (Member, Member, error) {
	if actorID == targetID {
		return Member{}, Member{}, ErrSelfManagement
	}
	actor, ok := activeMember(doc, actorID)
	if !ok {
		return Member{}, Member{}, ErrForbidden.WithCause(fmt.Errorf("%q is not an active member", actorID))
	}
	target, ok := activeMember(doc, targetID)
	if !ok {
		return actor, Member{}, ErrNotMember.WithCause(fmt.Errorf("user %q", targetID))
	}
	if !actor.Permissions.Has(need) || !policy(actor.Role, target.Role) {
		return actor, target, ErrForbidden.WithCause(fmt.Errorf("%s cannot manage %s", actor.Role, target.Role))
	}
	return actor, target, nil
}

func manages(actor, target Role) bool {
	return actor.CanManage(target)
}

// UpdateRole changes target's role. The actor must strictly outrank both the
// target's current role and the new role; the owner role is never assigned
// through this path.
func (s *DefaultService) UpdateRole(workspaceID, actorID, targetID string, role Role) error {
	if !role.Valid() {
		return s.warn(workspaceID, ErrInvalidRole.WithCause(fmt.Errorf("role %d", role)), "Rejected invalid role")
	}
	if role == RoleOwner {
		return s.warn(workspaceID, ErrOwnerImmutable, "Rejected owner assignment")
	}
	doc, err := s.document(workspaceID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	actor, target, err := s.authorize(doc, actorID, targetID, PermManageRoles, manages)
	if err != nil {
		return err
	}
	if !actor.Role.Outranks(role) {
		return ErrForbidden.WithCause(fmt.Errorf("%s cannot grant %s", actor.Role, role))
	}
	target.Role = role
	target.Permissions = DefaultPermissions(role)
	return putMember(doc, target)
}

// UpdatePermissions replaces target's permission set. An actor cannot grant
// capabilities it does not hold itself.
func (s *DefaultService) UpdatePermissions(workspaceID, actorID, targetID string, perms Permission) error {
	if !perms.Subset(PermAll) {
		return apperrors.Invalid("Invalid permission set", fmt.Errorf("bits %#x", uint16(perms)))
	}
	doc, err := s.document(workspaceID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	actor, target, err := s.authorize(doc, actorID, targetID, PermManageRoles, manages)
	if err != nil {
		return err
	}
	if !perms.Subset(actor.Permissions) {
		return ErrForbidden.WithCause(fmt.Errorf("cannot grant %s", perms&^actor.Permissions))
	}
	target.Permissions = perms
	return putMember(doc, target)
}

// Kick removes target from the member list. The user may join again.
func (s *DefaultService) Kick(workspaceID, actorID, targetID, reason string) error {
	doc, err := s.document(workspaceID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, target, err := s.authorize(doc, actorID, targetID, PermKick, CanKick)
	if err != nil {
		return err
	}
	departed, err := codec.Marshal(BanRecord{
		UserID:   targetID,
		Role:     target.Role,
		BannedBy: actorID,
		Reason:   reason,
		At:       s.now(),
	})
	if err != nil {
		return apperrors.Internal(err)
	}
	if _, err := doc.Set(MapName, departedPrefix+targetID, departed); err != nil {
		return err
	}
	if _, err := doc.Remove(MapName, memberPrefix+targetID); err != nil {
		return err
	}
	s.enqueue(workspaceID, ActionKick, actorID, targetID, reason)
	return nil
}

// Ban removes target and adds it to the durable banned list. Users who are
// not members, for instance after a kick, can be banned too so they cannot
// rejoin.
func (s *DefaultService) Ban(workspaceID, actorID, targetID, reason string) error {
	if targetID == "" {
		return apperrors.Invalid("User id is required", nil)
	}
	doc, err := s.document(workspaceID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	role, member, err := s.banTarget(doc, actorID, targetID)
	if err != nil || role == 0 {
		return err
	}
	record, err := codec.Marshal(BanRecord{
		UserID:   targetID,
		Role:     role,
		BannedBy: actorID,
		Reason:   reason,
		At:       s.now(),
	})
	if err != nil {
		return apperrors.Internal(err)
	}
	if _, err := doc.Set(MapName, bannedPrefix+targetID, record); err != nil {
		return err
	}
	if member {
		if _, err := doc.Remove(MapName, memberPrefix+targetID); err != nil {
			return err
		}
	}
	s.enqueue(workspaceID, ActionBan, actorID, targetID, reason)
	return nil
}

// banTarget returns the role a ban of targetID is judged against and whether
// the target is a current member. A user who already left is judged by the
// role recorded when they were kicked, or as a plain member. A zero role
// with no error means the user is banned already.
func (s *DefaultService) banTarget(doc *crdt.Doc, actorID, targetID string) (Role, bool, error) {
	actor, target, err := s.authorize(doc, actorID, targetID, PermBan, CanKick)
	if err == nil {
		return target.Role, true, nil
	}
	if !errors.Is(err, ErrNotMember) {
		return 0, false, err
	}
	if isBanned(doc, targetID) {
		return 0, false, nil
	}
	if owner, ok := doc.Get(MapName, keyOwner); ok && string(owner) == targetID {
		return 0, false, ErrForbidden.WithCause(fmt.Errorf("%q owns the workspace", targetID))
	}
	role := departedRole(doc, targetID)
	if !actor.Permissions.Has(PermBan) || !CanKick(actor.Role, role) {
		return 0, false, ErrForbidden.WithCause(fmt.Errorf("%s cannot ban %s", actor.Role, role))
	}
	return role, false, nil
}

// Unban lifts a ban. The actor must be allowed to ban a member of the role
// the user held when banned.
func (s *DefaultService) Unban(workspaceID, actorID, targetID string) error {
	if actorID == targetID {
		return ErrSelfManagement
	}
	doc, err := s.document(workspaceID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	actor, ok := activeMember(doc, actorID)
	if !ok {
		return ErrForbidden.WithCause(fmt.Errorf("%q is not an active member", actorID))
	}
	targetRole := RoleMember
	raw, listed := doc.Get(MapName, bannedPrefix+targetID)
	if listed {
		var record BanRecord
		if err := codec.Unmarshal(raw, &record); err == nil && record.Role.Valid() {
			targetRole = record.Role
		}
	}
	flagged, hasMember := getMember(doc, targetID)
	if hasMember && flagged.Role.Valid() {
		targetRole = flagged.Role
	}
	if !listed && !(hasMember && flagged.Banned) {
		return ErrNotMember.WithMessage("User is not banned")
	}
	if !actor.Permissions.Has(PermBan) || !CanKick(actor.Role, targetRole) {
		return ErrForbidden.WithCause(fmt.Errorf("%s cannot unban %s", actor.Role, targetRole))
	}

	if listed {
		if _, err := doc.Remove(MapName, bannedPrefix+targetID); err != nil {
			return err
		}
	}
	if hasMember && flagged.Banned {
		flagged.Banned = false
		if err := putMember(doc, flagged); err != nil {
			return err
		}
	}
	s.enqueue(workspaceID, ActionUnban, actorID, targetID, "")
	return nil
}

// IsBanned fails closed: an entry on the banned list, a member flag, or an
// unreadable ban record all count as banned.
func (s *DefaultService) IsBanned(workspaceID, userID string) (bool, error) {
	doc, err := s.document(workspaceID)
	if err != nil {
		return false, err
	}
	return isBanned(doc, userID), nil
}

func (s *DefaultService) Owner(workspaceID string) (string, bool, error) {
	doc, err := s.document(workspaceID)
	if err != nil {
		return "", false, err
	}
	owner, ok := doc.Get(MapName, keyOwner)
	return string(owner), ok, nil
}

// Members lists current members sorted by role, then user id.
func (s *DefaultService) Members(workspaceID string) ([]Member, error) {
	doc, err := s.document(workspaceID)
	if err != nil {
		return nil, err
	}
	online := make(map[string]bool)
	if s.presence != nil {
		for _, u := range s.presence.OnlineUsers(workspaceID) {
			online[u] = true
		}
	}

	var members []Member
	for _, key := range memberKeys(doc) {
		m, ok := activeMember(doc, strings.TrimPrefix(key, memberPrefix))
		if !ok {
			continue
		}
		m.Online = online[m.UserID]
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].Role != members[j].Role {
			return members[i].Role > members[j].Role
		}
		return members[i].UserID < members[j].UserID
	})
	return members, nil
}

func (s *DefaultService) Member(workspaceID, userID string) (Member, bool, error) {
	doc, err := s.document(workspaceID)
	if err != nil {
		return Member{}, false, err
	}
	m, ok := activeMember(doc, userID)
	if ok && s.presence != nil {
		for _, u := range s.presence.OnlineUsers(workspaceID) {
			if u == userID {
				m.Online = true
				break
			}
		}
	}
	return m, ok, nil
}

// Permissions returns the capabilities of userID; none when the user is not
// a member or is banned.
func (s *DefaultService) Permissions(workspaceID, userID string) (Permission, error) {
	doc, err := s.document(workspaceID)
	if err != nil {
		return 0, err
	}
	if isBanned(doc, userID) {
		return 0, nil
	}
	m, ok := getMember(doc, userID)
	if !ok {
		return 0, nil
	}
	return m.Permissions, nil
}

func (s *DefaultService) enqueue(workspaceID string, typ ActionType, actorID, targetID, reason string) {
	action := Action{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Type:        typ,
		TargetID:    targetID,
		InitiatorID: actorID,
		Reason:      reason,
		Timestamp:   s.now(),
	}
	s.queueMu.Lock()
	s.queue = append(s.queue, action)
	s.queueMu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	s.logger.Info().
		Str("workspace", workspaceID).
		Str("action", string(typ)).
		Str("target", targetID).
		Str("by", actorID).
		Msg("Moderation action queued")
}

// PopAction hands the oldest queued action to the caller, who owns its
// delivery from then on.
func (s *DefaultService) PopAction() (Action, bool) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.queue) == 0 {
		return Action{}, false
	}
	action := s.queue[0]
	s.queue[0] = Action{}
	s.queue = s.queue[1:]
	return action, true
}

func (s *DefaultService) PendingActions() int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return len(s.queue)
}

// Notify is signalled after actions are queued.
func (s *DefaultService) Notify() <-chan struct{} {
	return s.notify
}

func getMember(doc *crdt.Doc, userID string) (Member, bool) {
	raw, ok := doc.Get(MapName, memberPrefix+userID)
	if !ok {
		return Member{}, false
	}
	var m Member
	if err := codec.Unmarshal(raw, &m); err != nil || m.UserID != userID {
		return Member{}, false
	}
	return m, true
}

// activeMember hides the member record of a banned user. A concurrent edit
// merged after a ban can bring the record back; the ban still wins.
func activeMember(doc *crdt.Doc, userID string) (Member, bool) {
	m, ok := getMember(doc, userID)
	if !ok || m.Banned || isBanned(doc, userID) {
		return Member{}, false
	}
	return m, true
}

func departedRole(doc *crdt.Doc, userID string) Role {
	raw, ok := doc.Get(MapName, departedPrefix+userID)
	if !ok {
		return RoleMember
	}
	var record BanRecord
	if err := codec.Unmarshal(raw, &record); err != nil || !record.Role.Valid() {
		return RoleMember
	}
	return record.Role
}

func putMember(doc *crdt.Doc, m Member) error {
	data, err := codec.Marshal(m)
	if err != nil {
		return apperrors.Internal(err)
	}
	_, err = doc.Set(MapName, memberPrefix+m.UserID, data)
	return err
}

// memberKeys lists the member records of users that are not banned.
func memberKeys(doc *crdt.Doc) []string {
	var keys []string
	for _, key := range doc.Keys(MapName) {
		if strings.HasPrefix(key, memberPrefix) && !isBanned(doc, strings.TrimPrefix(key, memberPrefix)) {
			keys = append(keys, key)
		}
	}
	return keys
}

func isBanned(doc *crdt.Doc, userID string) bool {
	if _, listed := doc.Get(MapName, bannedPrefix+userID); listed {
		return true
	}
	raw, ok := doc.Get(MapName, memberPrefix+userID)
	if !ok {
		return false
	}
	var m Member
	if err := codec.Unmarshal(raw, &m); err != nil {
		return true
	}
	return m.Banned
}
