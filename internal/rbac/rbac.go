// Package rbac maps workspace roles to the collaboration actions they allow.
package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

const (
	// ActionRead covers joining a room and watching locks, presence and cursors.
	ActionRead Action = "read"
	// ActionWrite covers lock requests and node updates.
	ActionWrite Action = "write"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner, RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionWrite
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleAdmin, RoleOwner:
		return Role(role)
	default:
		return RoleViewer
	}
}
