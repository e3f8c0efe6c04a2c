package models

// Roles known to the user directory.
const (
	RoleStudent    = "student"
	RoleInstructor = "instructor"
	RoleAdmin      = "admin"
)

// User is a directory entry for a marketplace member.
type User struct {
	ID          string `db:"id" json:"id"`
	DisplayName string `db:"display_name" json:"displayName"`
	Role        string `db:"role" json:"role"`
}

// VisibleRoles returns the peer roles a viewer with the given role may address.
// A nil result means every role is visible.
func VisibleRoles(viewerRole string) []string {
	switch viewerRole {
	case RoleStudent:
		return []string{RoleInstructor}
	case RoleInstructor:
		return []string{RoleStudent}
	default:
		return nil
	}
}
