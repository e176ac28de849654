package policy

import "time"

// CheckContext is the input to a permission check.
type CheckContext struct {
	Subject    Subject        `json:"subject"`
	ToolName   string         `json:"toolName"`
	ToolParams map[string]any `json:"toolParams,omitempty"`
	SessionID  string         `json:"sessionId,omitempty"`
	AgentID    string         `json:"agentId,omitempty"`
	// Timestamp is the request time. Zero means "now" at evaluation.
	Timestamp time.Time      `json:"timestamp,omitempty"`
	IPAddress string         `json:"ipAddress,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// MatchKind records how the subject matched the selected rule.
type MatchKind string

const (
	MatchDirect     MatchKind = "direct"
	MatchGroup      MatchKind = "group"
	MatchRole       MatchKind = "role"
	MatchDelegation MatchKind = "delegation"
	MatchDefault    MatchKind = "default"
)

// CheckResult is the outcome of a permission check.
type CheckResult struct {
	// Allowed is true only for allow decisions whose conditions held.
	Allowed bool `json:"allowed"`
	// Action is the action of the selected rule, or the default action.
	Action Action `json:"action"`
	// RuleID is empty when the default action applied.
	RuleID string `json:"ruleId,omitempty"`
	// Reason explains a denial or an approval requirement.
	Reason string `json:"reason,omitempty"`
	// RequiresApproval is set for require_approval decisions.
	RequiresApproval bool `json:"requiresApproval"`
	// ApprovalID correlates a later approval request with this decision.
	ApprovalID string `json:"approvalId,omitempty"`
	// MatchedBy tells how the subject matched RuleID.
	MatchedBy MatchKind `json:"matchedBy,omitempty"`
	// Cached is true when the result was served from the decision cache.
	Cached bool `json:"cached,omitempty"`
}
