// Package policy contains the domain types and the rule matcher for tool
// authorization.
package policy

import (
	"time"
)

// SubjectType identifies what kind of actor a Subject refers to.
type SubjectType string

const (
	// SubjectUser is a single human or agent principal.
	SubjectUser SubjectType = "user"
	// SubjectGroup is a named collection of users.
	SubjectGroup SubjectType = "group"
	// SubjectRole is a role that users, groups or other roles can hold.
	SubjectRole SubjectType = "role"
)

// Valid reports whether t is a known subject type.
func (t SubjectType) Valid() bool {
	switch t {
	case SubjectUser, SubjectGroup, SubjectRole:
		return true
	}
	return false
}

// Subject identifies an actor or a collection of actors.
// Two subjects are equal when their Type and ID are equal; Name is display only.
type Subject struct {
	Type SubjectType `json:"type" yaml:"type"`
	ID   string      `json:"id" yaml:"id"`
	Name string      `json:"name,omitempty" yaml:"name,omitempty"`
}

// User returns a user subject with the given id.
func User(id string) Subject { return Subject{Type: SubjectUser, ID: id} }

// GroupSubject returns a group subject with the given id.
func GroupSubject(id string) Subject { return Subject{Type: SubjectGroup, ID: id} }

// RoleSubject returns a role subject with the given id.
func RoleSubject(id string) Subject { return Subject{Type: SubjectRole, ID: id} }

// Key returns the canonical "type:id" form of the subject.
func (s Subject) Key() string { return string(s.Type) + ":" + s.ID }

// String implements fmt.Stringer.
func (s Subject) String() string { return s.Key() }

// Equal reports whether s and o identify the same actor.
func (s Subject) Equal(o Subject) bool { return s.Type == o.Type && s.ID == o.ID }

// Action is the outcome a rule assigns to a matching request.
type Action string

const (
	// ActionAllow permits the tool call.
	ActionAllow Action = "allow"
	// ActionDeny blocks the tool call.
	ActionDeny Action = "deny"
	// ActionRequireApproval blocks the tool call until an approval request resolves.
	ActionRequireApproval Action = "require_approval"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionAllow, ActionDeny, ActionRequireApproval:
		return true
	}
	return false
}

// TimeWindow bounds when a rule applies. A nil bound is open.
type TimeWindow struct {
	Start *time.Time `json:"start,omitempty" yaml:"start,omitempty"`
	End   *time.Time `json:"end,omitempty" yaml:"end,omitempty"`
}

// Contains reports whether ts falls inside the window (bounds inclusive).
func (w TimeWindow) Contains(ts time.Time) bool {
	if w.Start != nil && ts.Before(*w.Start) {
		return false
	}
	if w.End != nil && ts.After(*w.End) {
		return false
	}
	return true
}

// Conditions are optional clauses that must all hold for a selected rule to apply.
// A clause left at its zero value is always satisfied.
type Conditions struct {
	// TimeWindow restricts the rule to requests whose timestamp falls inside it.
	TimeWindow *TimeWindow `json:"timeWindow,omitempty" yaml:"timeWindow,omitempty"`
	// IPAllowList lists addresses or CIDR prefixes the caller must come from.
	IPAllowList []string `json:"ipAllowList,omitempty" yaml:"ipAllowList,omitempty"`
	// Params requires exact equality for each listed tool parameter.
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	// Expression is a sandboxed boolean expression over the check context.
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// Empty reports whether no clause is declared.
func (c *Conditions) Empty() bool {
	return c == nil || (c.TimeWindow == nil && len(c.IPAllowList) == 0 && len(c.Params) == 0 && c.Expression == "")
}

// Rule maps a tool pattern and a subject set to an action.
type Rule struct {
	// ID is unique within a rule set.
	ID string `json:"id" yaml:"id"`
	// Name is a human-readable label.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// ToolPattern is a glob over dotted tool names ("*" any run, "?" one character).
	ToolPattern string `json:"toolPattern" yaml:"toolPattern"`
	// Subjects the rule applies to.
	Subjects []Subject `json:"subjects" yaml:"subjects"`
	// Action taken when the rule is selected and its conditions hold.
	Action Action `json:"action" yaml:"action"`
	// Priority orders rules; the numerically highest wins, ties go to the first declared.
	Priority int `json:"priority" yaml:"priority"`
	// Conditions are evaluated only for the selected rule.
	Conditions *Conditions `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	// Enabled rules take part in matching.
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// Role grants permissions to its members.
// A member of type role inherits this role; Inherits lists roles this role inherits.
type Role struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name,omitempty" yaml:"name,omitempty"`
	Members     []Subject `json:"members,omitempty" yaml:"members,omitempty"`
	Permissions []string  `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Inherits    []string  `json:"inherits,omitempty" yaml:"inherits,omitempty"`
}

// Group is a named set of user ids.
type Group struct {
	ID      string   `json:"id" yaml:"id"`
	Name    string   `json:"name,omitempty" yaml:"name,omitempty"`
	Members []string `json:"members,omitempty" yaml:"members,omitempty"`
}

// Delegation grants tool patterns to a subject for a limited time,
// independent of rules and roles.
type Delegation struct {
	ID        string     `json:"id,omitempty" yaml:"id,omitempty"`
	Delegate  Subject    `json:"delegate" yaml:"delegate"`
	Tools     []string   `json:"tools" yaml:"tools"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty" yaml:"expiresAt,omitempty"`
	Enabled   bool       `json:"enabled" yaml:"enabled"`
}

// Active reports whether the delegation is enabled and not expired at now.
func (d Delegation) Active(now time.Time) bool {
	if !d.Enabled {
		return false
	}
	return d.ExpiresAt == nil || now.Before(*d.ExpiresAt)
}

// TimeoutAction is the outcome applied when an approval request times out.
type TimeoutAction string

const (
	// TimeoutApprove treats a timed-out request as approved.
	TimeoutApprove TimeoutAction = "approve"
	// TimeoutReject treats a timed-out request as rejected.
	TimeoutReject TimeoutAction = "reject"
)

// ApprovalConfig describes who signs off on require_approval decisions.
type ApprovalConfig struct {
	Approvers         []Subject     `json:"approvers" yaml:"approvers"`
	RequiredApprovals int           `json:"requiredApprovals" yaml:"requiredApprovals"`
	TimeoutSeconds    int           `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty"`
	TimeoutAction     TimeoutAction `json:"timeoutAction,omitempty" yaml:"timeoutAction,omitempty"`
}

// Timeout returns the configured timeout, or zero when requests never expire.
func (c ApprovalConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ApproveOnTimeout reports the boolean outcome of a timed-out request.
// Anything other than TimeoutApprove rejects.
func (c ApprovalConfig) ApproveOnTimeout() bool {
	return c.TimeoutAction == TimeoutApprove
}

// DefaultCacheTTL is used when PermissionConfig.CacheTTL is unset.
const DefaultCacheTTL = 300 * time.Second

// PermissionConfig is an immutable snapshot of one tenant's authorization setup.
type PermissionConfig struct {
	Rules          []Rule          `json:"rules" yaml:"rules"`
	Roles          []Role          `json:"roles,omitempty" yaml:"roles,omitempty"`
	Groups         []Group         `json:"groups,omitempty" yaml:"groups,omitempty"`
	Delegations    []Delegation    `json:"delegations,omitempty" yaml:"delegations,omitempty"`
	ApprovalConfig *ApprovalConfig `json:"approvalConfig,omitempty" yaml:"approvalConfig,omitempty"`
	DefaultAction  Action          `json:"defaultAction" yaml:"defaultAction"`
	EnableCache    bool            `json:"enableCache" yaml:"enableCache"`
	// CacheTTL is in seconds.
	CacheTTL       int    `json:"cacheTtl,omitempty" yaml:"cacheTtl,omitempty"`
	EnableAuditLog bool   `json:"enableAuditLog" yaml:"enableAuditLog"`
	AuditLogPath   string `json:"auditLogPath,omitempty" yaml:"auditLogPath,omitempty"`
}

// CacheTTLDuration returns the cache TTL, falling back to DefaultCacheTTL.
func (c *PermissionConfig) CacheTTLDuration() time.Duration {
	if c.CacheTTL <= 0 {
		return DefaultCacheTTL
	}
	return time.Duration(c.CacheTTL) * time.Second
}

// EffectiveDefaultAction returns DefaultAction, or deny when unset.
func (c *PermissionConfig) EffectiveDefaultAction() Action {
	if c.DefaultAction == "" {
		return ActionDeny
	}
	return c.DefaultAction
}
