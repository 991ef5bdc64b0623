package domain

import "context"

// AuthRole is a caller's role. Roles are ordered: each one holds every
// permission of the roles below it.
type AuthRole string

const (
	AuthRoleViewer  AuthRole = "viewer"
	AuthRoleStaff   AuthRole = "staff"
	AuthRoleManager AuthRole = "manager"
	AuthRoleAdmin   AuthRole = "admin"
)

// roleRank orders the roles. Unknown roles rank zero and hold nothing.
var roleRank = map[AuthRole]int{
	AuthRoleViewer:  1,
	AuthRoleStaff:   2,
	AuthRoleManager: 3,
	AuthRoleAdmin:   4,
}

// Permission is one guarded capability.
type Permission string

const (
	PermAgentChat   Permission = "agent:chat"
	PermTeamDetail  Permission = "team:detail"
	PermRecordWrite Permission = "record:write"
	PermRawSQLRead  Permission = "sql:read"
	PermRawSQLWrite Permission = "sql:write"
	PermCMSWrite    Permission = "cms:write"
	PermERPWrite    Permission = "erp:write"
	PermMessageSend Permission = "message:send"
	PermDashboard   Permission = "dashboard:view"
)

// minimumRole is the lowest role granted each permission.
var minimumRole = map[Permission]AuthRole{
	PermAgentChat:   AuthRoleViewer,
	PermRecordWrite: AuthRoleStaff,
	PermMessageSend: AuthRoleStaff,
	PermTeamDetail:  AuthRoleManager,
	PermRawSQLRead:  AuthRoleManager,
	PermCMSWrite:    AuthRoleManager,
	PermERPWrite:    AuthRoleManager,
	PermDashboard:   AuthRoleManager,
	PermRawSQLWrite: AuthRoleAdmin,
}

// HasPermission reports whether any of roles grants perm.
func HasPermission(roles []AuthRole, perm Permission) bool {
	floor, ok := minimumRole[perm]
	if !ok {
		return false
	}
	for _, r := range roles {
		if roleRank[r] >= roleRank[floor] {
			return true
		}
	}
	return false
}

// IsElevated reports whether the roles may see other people's identity and
// financial detail.
func IsElevated(roles []AuthRole) bool {
	return HasPermission(roles, PermTeamDetail)
}

// Authorizer checks whether the caller has a specific permission.
type Authorizer interface {
	Authorize(ctx context.Context, roles []AuthRole, perm Permission) error
}

// RoleAuthorizer authorizes against the built-in role ladder.
type RoleAuthorizer struct{}

// Authorize returns ErrForbidden when no role grants perm.
func (RoleAuthorizer) Authorize(_ context.Context, roles []AuthRole, perm Permission) error {
	if HasPermission(roles, perm) {
		return nil
	}
	return ErrForbidden
}

const rolesCtxKey ctxKey = "roles"

// ContextWithRoles returns a new context carrying the given roles.
func ContextWithRoles(ctx context.Context, roles []AuthRole) context.Context {
	return context.WithValue(ctx, rolesCtxKey, roles)
}

// RolesFromContext returns the roles on ctx, or nil.
func RolesFromContext(ctx context.Context) []AuthRole {
	roles, _ := ctx.Value(rolesCtxKey).([]AuthRole)
	return roles
}

// IsValidAuthRole reports whether s names a known role.
func IsValidAuthRole(s string) bool {
	_, ok := roleRank[AuthRole(s)]
	return ok
}

// StringsToAuthRoles converts configured role names, dropping unknown ones.
func StringsToAuthRoles(ss []string) []AuthRole {
	roles := make([]AuthRole, 0, len(ss))
	for _, s := range ss {
		if IsValidAuthRole(s) {
			roles = append(roles, AuthRole(s))
		}
	}
	return roles
}
