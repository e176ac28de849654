package policy

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"
)

// Validate checks the configuration for problems that would make checks
// unsafe or approval requests unresolvable. Every problem is reported as a
// *ConfigurationError joined into the returned error.
// exprs may be nil when no rule declares an expression.
func (c *PermissionConfig) Validate(exprs ExpressionEvaluator) error {
	var errs []error
	add := func(e *ConfigurationError) { errs = append(errs, e) }

	if c.DefaultAction != "" && !c.DefaultAction.Valid() {
		add(configErr("defaultAction", "unknown action %q", c.DefaultAction))
	}
	if c.CacheTTL < 0 {
		add(configErr("cacheTtl", "must not be negative"))
	}

	needsApproval := c.DefaultAction == ActionRequireApproval
	ruleIDs := make(map[string]struct{}, len(c.Rules))
	for i, r := range c.Rules {
		field := fmt.Sprintf("rules[%d]", i)
		if r.ID == "" {
			add(configErr(field+".id", "is required"))
		} else if _, dup := ruleIDs[r.ID]; dup {
			add(configErr(field+".id", "duplicate rule id %q", r.ID))
		} else {
			ruleIDs[r.ID] = struct{}{}
		}
		if _, err := CompilePattern(r.ToolPattern); err != nil {
			add(configErr(field+".toolPattern", "%v", err))
		}
		if !r.Action.Valid() {
			add(configErr(field+".action", "unknown action %q", r.Action))
		}
		if r.Action == ActionRequireApproval && r.Enabled {
			needsApproval = true
		}
		if len(r.Subjects) == 0 {
			add(configErr(field+".subjects", "at least one subject is required"))
		}
		for j, s := range r.Subjects {
			if e := validateSubject(fmt.Sprintf("%s.subjects[%d]", field, j), s); e != nil {
				add(e)
			}
		}
		for _, e := range validateConditions(field+".conditions", r.Conditions, exprs) {
			add(e)
		}
	}

	roleIDs := make(map[string]struct{}, len(c.Roles))
	for i, r := range c.Roles {
		field := fmt.Sprintf("roles[%d]", i)
		if r.ID == "" {
			add(configErr(field+".id", "is required"))
			continue
		}
		if _, dup := roleIDs[r.ID]; dup {
			add(configErr(field+".id", "duplicate role id %q", r.ID))
		}
		roleIDs[r.ID] = struct{}{}
		for j, m := range r.Members {
			if e := validateSubject(fmt.Sprintf("%s.members[%d]", field, j), m); e != nil {
				add(e)
			}
		}
	}
	for i, r := range c.Roles {
		for j, parent := range r.Inherits {
			if _, ok := roleIDs[parent]; !ok {
				add(configErr(fmt.Sprintf("roles[%d].inherits[%d]", i, j), "unknown role %q", parent))
			}
		}
	}

	groupIDs := make(map[string]struct{}, len(c.Groups))
	for i, g := range c.Groups {
		field := fmt.Sprintf("groups[%d].id", i)
		if g.ID == "" {
			add(configErr(field, "is required"))
			continue
		}
		if _, dup := groupIDs[g.ID]; dup {
			add(configErr(field, "duplicate group id %q", g.ID))
		}
		groupIDs[g.ID] = struct{}{}
	}

	for i, d := range c.Delegations {
		field := fmt.Sprintf("delegations[%d]", i)
		if e := validateSubject(field+".delegate", d.Delegate); e != nil {
			add(e)
		}
		if len(d.Tools) == 0 {
			add(configErr(field+".tools", "at least one tool pattern is required"))
		}
		for j, p := range d.Tools {
			if _, err := CompilePattern(p); err != nil {
				add(configErr(fmt.Sprintf("%s.tools[%d]", field, j), "%v", err))
			}
		}
	}

	if c.ApprovalConfig == nil {
		if needsApproval {
			add(configErr("approvalConfig", "required when any rule or the default action is require_approval"))
		}
	} else {
		for _, e := range c.ApprovalConfig.validate() {
			add(e)
		}
	}

	return errors.Join(errs...)
}

func (c *ApprovalConfig) validate() []*ConfigurationError {
	var out []*ConfigurationError
	if len(c.Approvers) == 0 {
		out = append(out, configErr("approvalConfig.approvers", "at least one approver is required"))
	}
	seen := make(map[string]struct{}, len(c.Approvers))
	for i, a := range c.Approvers {
		field := fmt.Sprintf("approvalConfig.approvers[%d]", i)
		if e := validateSubject(field, a); e != nil {
			out = append(out, e)
			continue
		}
		if _, dup := seen[a.Key()]; dup {
			out = append(out, configErr(field, "duplicate approver %s", a))
		}
		seen[a.Key()] = struct{}{}
	}
	if c.RequiredApprovals < 1 {
		out = append(out, configErr("approvalConfig.requiredApprovals", "must be at least 1"))
	} else if len(c.Approvers) > 0 && c.RequiredApprovals > len(c.Approvers) {
		out = append(out, configErr("approvalConfig.requiredApprovals",
			"%d exceeds the number of approvers (%d)", c.RequiredApprovals, len(c.Approvers)))
	}
	if c.TimeoutSeconds < 0 {
		out = append(out, configErr("approvalConfig.timeoutSeconds", "must not be negative"))
	}
	switch c.TimeoutAction {
	case "", TimeoutApprove, TimeoutReject:
	default:
		out = append(out, configErr("approvalConfig.timeoutAction", "must be approve or reject, got %q", c.TimeoutAction))
	}
	return out
}

func validateSubject(field string, s Subject) *ConfigurationError {
	if !s.Type.Valid() {
		return configErr(field+".type", "unknown subject type %q", s.Type)
	}
	if strings.TrimSpace(s.ID) == "" {
		return configErr(field+".id", "is required")
	}
	return nil
}

func validateConditions(field string, c *Conditions, exprs ExpressionEvaluator) []*ConfigurationError {
	if c == nil {
		return nil
	}
	var out []*ConfigurationError
	if w := c.TimeWindow; w != nil && w.Start != nil && w.End != nil && w.End.Before(*w.Start) {
		out = append(out, configErr(field+".timeWindow", "end is before start"))
	}
	for i, entry := range c.IPAllowList {
		if _, err := parseIPEntry(entry); err != nil {
			out = append(out, configErr(fmt.Sprintf("%s.ipAllowList[%d]", field, i), "%v", err))
		}
	}
	if c.Expression != "" {
		switch {
		case exprs == nil:
			out = append(out, configErr(field+".expression", "no expression evaluator configured"))
		default:
			if err := exprs.ValidateExpression(c.Expression); err != nil {
				out = append(out, configErr(field+".expression", "%v", err))
			}
		}
	}
	return out
}

// parseIPEntry accepts a single address or a CIDR prefix.
func parseIPEntry(entry string) (netip.Prefix, error) {
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid CIDR %q", entry)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid IP address %q", entry)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
