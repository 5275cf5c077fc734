package api

import "github.com/hablas/sessiongate/token"

var rolePermissions = map[token.Role]Permissions{
	token.RoleAdmin: {
		CanEdit:          true,
		CanApprove:       true,
		CanDelete:        true,
		CanViewDashboard: true,
		CanManageUsers:   true,
	},
	token.RoleEditor: {
		CanEdit:          true,
		CanViewDashboard: true,
	},
	token.RoleViewer: {
		CanViewDashboard: true,
	},
}

// PermissionsFor returns the permission set of role; unknown roles get
// none.
func PermissionsFor(role token.Role) Permissions {
	return rolePermissions[role]
}
