package rbac

type Role string
type Action string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	// ActionRead covers browsing trees, baselines, commits and receipts.
	ActionRead Action = "read"
	// ActionEdit covers every draft transition: toggle, confirmations, discard.
	ActionEdit Action = "edit"
	// ActionCommit applies a draft or reverts a commit.
	ActionCommit Action = "commit"
	// ActionAdmin covers direct sharing updates, mappings and schema publishing.
	ActionAdmin Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionRead || action == ActionEdit || action == ActionCommit
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

// CanAccessInstitution reports whether a user bound to home may work on
// target. Admins reach every institution; unbound users reach none.
func CanAccessInstitution(role Role, home, target string) bool {
	if role == RoleAdmin {
		return true
	}
	return home != "" && home == target
}
