package session

// Role is the closed set of session roles.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleCustomer Role = "customer"
)

// ParseRole maps a stored role string onto the closed enumeration. Unknown
// values degrade to customer, the least privileged role.
func ParseRole(s string) Role {
	if s == string(RoleAdmin) {
		return RoleAdmin
	}
	return RoleCustomer
}

// Permission tags gate individual capabilities. Checks are by set
// membership, never by comparing role names.
type Permission string

const (
	PermKickSession      Permission = "kick_session"
	PermAnnounce         Permission = "announce"
	PermListSessions     Permission = "list_sessions"
	PermSeeAllSessions   Permission = "see_all_sessions"
	PermMessageAnyRole   Permission = "message_any_role"
	PermManageIdentities Permission = "manage_identities"
)

var rolePermissions = map[Role]map[Permission]struct{}{
	RoleAdmin: {
		PermKickSession:      {},
		PermAnnounce:         {},
		PermListSessions:     {},
		PermSeeAllSessions:   {},
		PermMessageAnyRole:   {},
		PermManageIdentities: {},
	},
	RoleCustomer: {},
}

// Has reports whether the role carries the given permission.
func (r Role) Has(p Permission) bool {
	perms, ok := rolePermissions[r]
	if !ok {
		return false
	}
	_, ok = perms[p]
	return ok
}

// CanSee applies the visibility rule: administrators see every session,
// customers see only administrator sessions.
func (r Role) CanSee(subject Role) bool {
	if r.Has(PermSeeAllSessions) {
		return true
	}
	return subject == RoleAdmin
}
