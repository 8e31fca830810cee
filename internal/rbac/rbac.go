package rbac

type Role string
type Action string

const (
	RoleRequester Role = "requester"
	RoleReviewer  Role = "reviewer"
	RoleAdmin     Role = "admin"
)

const (
	ActionRead    Action = "read"
	ActionRequest Action = "request"
	ActionReview  Action = "review"
	ActionPropose Action = "propose"
	ActionMerge   Action = "merge"
	ActionAdmin   Action = "admin"
)

// Can reports whether a role holds the capability for an action. Roles form a
// strict chain: admin covers everything a reviewer can do, reviewer covers
// everything a requester can do.
func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleReviewer:
		return action == ActionRead || action == ActionRequest || action == ActionReview || action == ActionPropose || action == ActionMerge
	case RoleRequester:
		return action == ActionRead || action == ActionRequest
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleRequester, RoleReviewer, RoleAdmin:
		return Role(role)
	default:
		return RoleRequester
	}
}
