package rbac

type Role string
type Action string

const (
	RoleContributor Role = "contributor"
	RoleEditor      Role = "editor"
	RoleMerger      Role = "merger"
	RoleAdmin       Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionSuggest Action = "suggest"
	ActionReview  Action = "review"
	ActionMerge   Action = "merge"
	ActionDelete  Action = "delete"
	ActionAdmin   Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleMerger:
		return action == ActionRead || action == ActionSuggest || action == ActionReview || action == ActionMerge || action == ActionDelete
	case RoleEditor:
		return action == ActionRead || action == ActionSuggest || action == ActionReview || action == ActionDelete
	case RoleContributor:
		return action == ActionRead || action == ActionSuggest
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleContributor, RoleEditor, RoleMerger, RoleAdmin:
		return Role(role)
	default:
		return RoleContributor
	}
}
