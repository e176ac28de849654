package policy

import "context"

// ExpressionEvaluator evaluates custom condition expressions in a sandbox.
// Implementations must be side-effect free and restricted to check context fields.
type ExpressionEvaluator interface {
	// ValidateExpression reports whether expr is acceptable for evaluation.
	ValidateExpression(expr string) error
	// EvaluateExpression returns the boolean value of expr against cc.
	EvaluateExpression(ctx context.Context, expr string, cc CheckContext) (bool, error)
}

// MembershipResolver answers group and role membership questions for subject expansion.
type MembershipResolver interface {
	// GroupsOf returns the ids of groups userID belongs to.
	GroupsOf(userID string) []string
	// RolesOf returns every role id the subject holds, inherited ones included.
	RolesOf(subject Subject) []string
}
