package policy

import (
	"errors"
	"strings"
	"testing"
)

func validConfig() *PermissionConfig {
	return &PermissionConfig{
		DefaultAction: ActionDeny,
		Rules: []Rule{
			{ID: "r1", ToolPattern: "payments.*", Subjects: []Subject{RoleSubject("finance")}, Action: ActionRequireApproval, Enabled: true},
		},
		Roles:  []Role{{ID: "finance", Members: []Subject{User("bob")}}},
		Groups: []Group{{ID: "ops", Members: []string{"alice"}}},
		ApprovalConfig: &ApprovalConfig{
			Approvers:         []Subject{User("A"), User("B")},
			RequiredApprovals: 2,
			TimeoutSeconds:    60,
			TimeoutAction:     TimeoutReject,
		},
	}
}

func TestValidate_Valid(t *testing.T) {
	if err := validConfig().Validate(&stubExprs{}); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
}

func TestValidate_Problems(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*PermissionConfig)
		want   string
	}{
		{"duplicate rule id", func(c *PermissionConfig) { c.Rules = append(c.Rules, c.Rules[0]) }, "duplicate rule id"},
		{"empty pattern", func(c *PermissionConfig) { c.Rules[0].ToolPattern = "" }, "toolPattern"},
		{"unknown action", func(c *PermissionConfig) { c.Rules[0].Action = "maybe" }, "unknown action"},
		{"no subjects", func(c *PermissionConfig) { c.Rules[0].Subjects = nil }, "at least one subject"},
		{"bad subject type", func(c *PermissionConfig) { c.Rules[0].Subjects[0].Type = "team" }, "unknown subject type"},
		{"missing approval config", func(c *PermissionConfig) { c.ApprovalConfig = nil }, "approvalConfig"},
		{"no approvers", func(c *PermissionConfig) { c.ApprovalConfig.Approvers = nil }, "at least one approver"},
		{"quorum too high", func(c *PermissionConfig) { c.ApprovalConfig.RequiredApprovals = 3 }, "exceeds the number of approvers"},
		{"quorum zero", func(c *PermissionConfig) { c.ApprovalConfig.RequiredApprovals = 0 }, "must be at least 1"},
		{"bad timeout action", func(c *PermissionConfig) { c.ApprovalConfig.TimeoutAction = "ignore" }, "timeoutAction"},
		{"duplicate role", func(c *PermissionConfig) { c.Roles = append(c.Roles, c.Roles[0]) }, "duplicate role id"},
		{"unknown parent role", func(c *PermissionConfig) { c.Roles[0].Inherits = []string{"ghost"} }, "unknown role"},
		{"bad ip", func(c *PermissionConfig) {
			c.Rules[0].Conditions = &Conditions{IPAllowList: []string{"not-an-ip"}}
		}, "invalid IP address"},
		{"bad expression", func(c *PermissionConfig) {
			c.Rules[0].Conditions = &Conditions{Expression: "invalid"}
		}, "bad expression"},
		{"delegation without tools", func(c *PermissionConfig) {
			c.Delegations = []Delegation{{Delegate: User("x"), Enabled: true}}
		}, "at least one tool pattern"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate(&stubExprs{})
			if err == nil {
				t.Fatal("Validate() expected error, got nil")
			}
			if !IsConfigurationError(err) {
				t.Errorf("Validate() error %v is not a ConfigurationError", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() error = %q, want substring %q", err, tt.want)
			}
		})
	}
}

func TestValidate_ExpressionWithoutEvaluator(t *testing.T) {
	cfg := validConfig()
	cfg.Rules[0].Conditions = &Conditions{Expression: "true"}
	err := cfg.Validate(nil)
	var ce *ConfigurationError
	if !errors.As(err, &ce) || ce.Field != "rules[0].conditions.expression" {
		t.Fatalf("Validate() error = %v, want expression field error", err)
	}
}
