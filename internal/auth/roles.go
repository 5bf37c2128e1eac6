package auth

// Role represents an admin role for role-based access control
type Role string

const (
	// RoleAdmin may move money: adjustments, reversals, deactivation, DLQ replays
	RoleAdmin Role = "admin"

	// RoleViewer may read accounts, transactions and reconciliation reports
	RoleViewer Role = "viewer"
)

// String returns the string representation of the role
func (r Role) String() string {
	return string(r)
}

// IsValid checks if the role is a valid role
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleViewer:
		return true
	default:
		return false
	}
}

// HasPermission checks if a role has permission for a required role.
// Admin has all permissions, viewer only has viewer permissions.
func (r Role) HasPermission(required Role) bool {
	if r == RoleAdmin {
		return true
	}
	return r == required
}
