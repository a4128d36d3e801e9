package shared

// Core platform permissions.
const (
	PermUserMgmt = "USER_MGMT"
	PermRoleMgmt = "ROLE_MGMT"
)

// RoleAdmin is the bootstrap role seeded with every core permission.
const RoleAdmin = "ADMIN"

// CoreScopes lists all permissions the admin surface depends on.
func CoreScopes() []string {
	return []string{
		PermUserMgmt,
		PermRoleMgmt,
	}
}
