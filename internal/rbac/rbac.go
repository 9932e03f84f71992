package rbac

type Role string
type Action string

const (
	RoleNone   Role = ""
	RoleMember Role = "member"
	RoleOwner  Role = "owner"
)

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionManage Action = "manage"
)

// Can reports whether a board role may perform action. Reads and all
// ordering mutations need membership; deleting the board and managing
// members is reserved for the owner.
func Can(role Role, action Action) bool {
	switch role {
	case RoleOwner:
		return true
	case RoleMember:
		return action == ActionRead || action == ActionWrite
	default:
		return false
	}
}

// BoardRole derives a user's role from the board's owner and member set.
func BoardRole(userID, ownerID string, memberIDs []string) Role {
	if userID == "" {
		return RoleNone
	}
	if userID == ownerID {
		return RoleOwner
	}
	for _, id := range memberIDs {
		if id == userID {
			return RoleMember
		}
	}
	return RoleNone
}
