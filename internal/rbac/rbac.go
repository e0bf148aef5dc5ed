// Package rbac decides which card operations a requester may perform.
package rbac

type Role string
type Action string

const (
	RoleParticipant Role = "participant"
	RoleBoardAdmin  Role = "board_admin"
	RoleOwner       Role = "owner"
)

const (
	ActionRead   Action = "read"
	ActionReact  Action = "react"
	ActionEdit   Action = "edit"
	ActionMove   Action = "move"
	ActionDelete Action = "delete"
	ActionLink   Action = "link"
)

// Can reports whether role may perform action on a card. Board admins may
// organize (link/unlink) other people's cards but never edit or delete them.
func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleBoardAdmin:
		return action == ActionRead || action == ActionReact || action == ActionLink
	case RoleParticipant:
		return action == ActionRead || action == ActionReact
	default:
		return false
	}
}

// CanAny reports whether any of roles permits action.
func CanAny(roles []Role, action Action) bool {
	for _, role := range roles {
		if Can(role, action) {
			return true
		}
	}
	return false
}
