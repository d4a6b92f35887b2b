package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionUpload  Action = "upload"
	ActionRebuild Action = "rebuild"
	ActionVerify  Action = "verify"
	ActionSweep   Action = "sweep"
)

// Can reports whether role may perform action. Editors create steps and
// upload; repair work (rebuild, verify, sweep) is admin only.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionUpload
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
