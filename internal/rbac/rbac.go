package rbac

type Role string
type Action string

const (
	RoleMember     Role = "member"
	RolePartLeader Role = "partLeader"
	RoleAdmin      Role = "admin"
)

const (
	ActionRead           Action = "read"
	ActionWrite          Action = "write"
	ActionManageSetlist  Action = "manageSetlist"
	ActionManageSessions Action = "manageSessions"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RolePartLeader:
		return action == ActionRead || action == ActionWrite || action == ActionManageSetlist
	case RoleMember:
		return action == ActionRead || action == ActionWrite
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleMember, RolePartLeader, RoleAdmin:
		return Role(role)
	default:
		return RoleMember
	}
}
