// Package datascope restricts which rows and fields an authorized operation
// may see or change.
package datascope

import "github.com/Sentinel-Gate/agentguard/internal/domain/policy"

// ResourceType is the kind of resource a rule covers.
type ResourceType string

const (
	ResourceFile     ResourceType = "file"
	ResourceDatabase ResourceType = "database"
	ResourceAPI      ResourceType = "api"
	ResourceTool     ResourceType = "tool"
)

// Operation is what the caller wants to do with the resource.
type Operation string

const (
	OpRead    Operation = "read"
	OpWrite   Operation = "write"
	OpDelete  Operation = "delete"
	OpExecute Operation = "execute"
)

// Scope is the row-level restriction a rule applies.
type Scope string

const (
	ScopeAll          Scope = "all"
	ScopeOrganization Scope = "organization"
	ScopeDepartment   Scope = "department"
	ScopeTeam         Scope = "team"
	ScopeSelf         Scope = "self"
	ScopeCustom       Scope = "custom"
)

// Operator compares a resource field against a CustomCondition value.
type Operator string

const (
	OpEquals     Operator = "equals"
	OpIn         Operator = "in"
	OpContains   Operator = "contains"
	OpStartsWith Operator = "startsWith"
	OpRegex      Operator = "regex"
)

// CustomCondition is a field/operator/value predicate over resource data.
type CustomCondition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    any      `json:"value" yaml:"value"`
}

// FieldPermissions lists field-level restrictions. A nil list means no
// restriction of that kind.
type FieldPermissions struct {
	VisibleFields  []string `json:"visibleFields,omitempty" yaml:"visibleFields,omitempty"`
	EditableFields []string `json:"editableFields,omitempty" yaml:"editableFields,omitempty"`
	MaskedFields   []string `json:"maskedFields,omitempty" yaml:"maskedFields,omitempty"`
}

// Rule scopes access to resources matching ResourcePattern.
type Rule struct {
	ID                string            `json:"id" yaml:"id"`
	ResourceType      ResourceType      `json:"resourceType" yaml:"resourceType"`
	ResourcePattern   string            `json:"resourcePattern" yaml:"resourcePattern"`
	Scope             Scope             `json:"scope" yaml:"scope"`
	CustomCondition   *CustomCondition  `json:"customCondition,omitempty" yaml:"customCondition,omitempty"`
	AllowedOperations []Operation       `json:"allowedOperations" yaml:"allowedOperations"`
	FieldPermissions  *FieldPermissions `json:"fieldPermissions,omitempty" yaml:"fieldPermissions,omitempty"`
	Subjects          []policy.Subject  `json:"subjects" yaml:"subjects"`
	Enabled           bool              `json:"enabled" yaml:"enabled"`
}

// OrganizationContext places the caller in the organization.
type OrganizationContext struct {
	UserID         string `json:"userId,omitempty"`
	TeamID         string `json:"teamId,omitempty"`
	DepartmentID   string `json:"departmentId,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`
}

// CheckContext is the input to a data scope check.
type CheckContext struct {
	Subject             policy.Subject       `json:"subject"`
	ResourceType        ResourceType         `json:"resourceType"`
	ResourceID          string               `json:"resourceId"`
	Operation           Operation            `json:"operation"`
	ResourceData        map[string]any       `json:"resourceData,omitempty"`
	OrganizationContext *OrganizationContext `json:"organizationContext,omitempty"`
}

// Result is the outcome of a data scope check.
type Result struct {
	Allowed bool   `json:"allowed"`
	RuleID  string `json:"ruleId,omitempty"`
	Scope   Scope  `json:"scope,omitempty"`
	Reason  string `json:"reason,omitempty"`
	// AllowedFields restricts the projection; empty means every field.
	AllowedFields []string `json:"allowedFields,omitempty"`
	// MaskedFields are redacted in the projection.
	MaskedFields []string `json:"maskedFields,omitempty"`
	// FilterCondition pins queries to the caller's scope.
	FilterCondition map[string]any `json:"filterCondition,omitempty"`
}
