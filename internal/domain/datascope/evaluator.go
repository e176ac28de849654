package datascope

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/Sentinel-Gate/agentguard/internal/domain/policy"
)

// ownerFields are checked in order for the self scope; the first one present decides.
var ownerFields = []string{"userId", "ownerId", "createdBy"}

type compiledRule struct {
	rule    Rule
	pattern *regexp.Regexp
	regex   *regexp.Regexp
}

// Evaluator checks data scope rules. Rules are matched in declaration order.
// It is immutable after construction and safe for concurrent use.
type Evaluator struct {
	rules   []compiledRule
	members policy.MembershipResolver
}

// NewEvaluator compiles rules. members may be nil when rules only list users.
func NewEvaluator(rules []Rule, members policy.MembershipResolver) (*Evaluator, error) {
	e := &Evaluator{members: members}
	var errs []error
	seen := make(map[string]struct{}, len(rules))
	for i, r := range rules {
		field := fmt.Sprintf("dataScopeRules[%d]", i)
		if r.ID == "" {
			errs = append(errs, &policy.ConfigurationError{Field: field + ".id", Reason: "is required"})
		} else if _, dup := seen[r.ID]; dup {
			errs = append(errs, &policy.ConfigurationError{Field: field + ".id", Reason: fmt.Sprintf("duplicate rule id %q", r.ID)})
		}
		seen[r.ID] = struct{}{}

		cr, err := compileRule(r)
		if err != nil {
			errs = append(errs, &policy.ConfigurationError{Field: field, Reason: err.Error()})
			continue
		}
		e.rules = append(e.rules, cr)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return e, nil
}

func compileRule(r Rule) (compiledRule, error) {
	cr := compiledRule{rule: r}
	re, err := policy.CompilePattern(r.ResourcePattern)
	if err != nil {
		return cr, fmt.Errorf("resourcePattern: %w", err)
	}
	cr.pattern = re

	switch r.Scope {
	case ScopeAll, ScopeOrganization, ScopeDepartment, ScopeTeam, ScopeSelf:
	case ScopeCustom:
		c := r.CustomCondition
		if c == nil || c.Field == "" {
			return cr, errors.New("custom scope requires a customCondition with a field")
		}
		switch c.Operator {
		case OpEquals, OpIn, OpContains, OpStartsWith:
		case OpRegex:
			s, ok := c.Value.(string)
			if !ok {
				return cr, errors.New("regex condition value must be a string")
			}
			if cr.regex, err = regexp.Compile(s); err != nil {
				return cr, fmt.Errorf("regex condition: %w", err)
			}
		default:
			return cr, fmt.Errorf("unknown operator %q", c.Operator)
		}
	default:
		return cr, fmt.Errorf("unknown scope %q", r.Scope)
	}
	return cr, nil
}

// Check selects the first enabled rule for the resource, subject and
// operation and applies its scope and field permissions.
func (e *Evaluator) Check(cc CheckContext) Result {
	var operationDenied *compiledRule
	for i := range e.rules {
		cr := &e.rules[i]
		r := cr.rule
		if !r.Enabled || r.ResourceType != cc.ResourceType || !cr.pattern.MatchString(cc.ResourceID) {
			continue
		}
		if !e.subjectMatches(r.Subjects, cc.Subject) {
			continue
		}
		if !slices.Contains(r.AllowedOperations, cc.Operation) {
			if operationDenied == nil {
				operationDenied = cr
			}
			continue
		}
		return e.apply(cr, cc)
	}
	if operationDenied != nil {
		return Result{
			Allowed: false,
			RuleID:  operationDenied.rule.ID,
			Scope:   operationDenied.rule.Scope,
			Reason:  fmt.Sprintf("operation %s is not permitted on %s", cc.Operation, cc.ResourceID),
		}
	}
	return Result{Allowed: false, Reason: fmt.Sprintf("no data scope grants %s on %s", cc.Operation, cc.ResourceID)}
}

func (e *Evaluator) subjectMatches(subjects []policy.Subject, subject policy.Subject) bool {
	for _, s := range subjects {
		if s.Equal(subject) {
			return true
		}
		if e.members == nil {
			continue
		}
		switch s.Type {
		case policy.SubjectGroup:
			if subject.Type == policy.SubjectUser && slices.Contains(e.members.GroupsOf(subject.ID), s.ID) {
				return true
			}
		case policy.SubjectRole:
			if slices.Contains(e.members.RolesOf(subject), s.ID) {
				return true
			}
		}
	}
	return false
}

func (e *Evaluator) apply(cr *compiledRule, cc CheckContext) Result {
	r := cr.rule
	res := Result{RuleID: r.ID, Scope: r.Scope}
	org := cc.OrganizationContext
	if org == nil {
		org = &OrganizationContext{}
	}

	switch r.Scope {
	case ScopeAll:
	case ScopeSelf:
		if org.UserID == "" {
			res.Reason = "self scope requires a user id in the organization context"
			return res
		}
		if owner, ok := firstPresent(cc.ResourceData, ownerFields); ok && owner != org.UserID {
			res.Reason = "resource is owned by another user"
			return res
		}
		res.FilterCondition = map[string]any{"userId": org.UserID}
	case ScopeTeam:
		if !scopeTo(&res, cc.ResourceData, "teamId", org.TeamID, "team") {
			return res
		}
	case ScopeDepartment:
		if !scopeTo(&res, cc.ResourceData, "departmentId", org.DepartmentID, "department") {
			return res
		}
	case ScopeOrganization:
		if !scopeTo(&res, cc.ResourceData, "organizationId", org.OrganizationID, "organization") {
			return res
		}
	case ScopeCustom:
		if !cr.customHolds(cc.ResourceData) {
			res.Reason = fmt.Sprintf("custom condition on %s not met", r.CustomCondition.Field)
			return res
		}
	}

	res.Allowed = true
	if fp := r.FieldPermissions; fp != nil {
		switch cc.Operation {
		case OpRead:
			res.AllowedFields = slices.Clone(fp.VisibleFields)
			res.MaskedFields = slices.Clone(fp.MaskedFields)
		case OpWrite:
			res.AllowedFields = slices.Clone(fp.EditableFields)
		}
	}
	return res
}

// scopeTo requires id to be set and, when the resource carries key, to match it.
func scopeTo(res *Result, data map[string]any, key, id, label string) bool {
	if id == "" {
		res.Reason = fmt.Sprintf("%s scope requires a %s id in the organization context", label, label)
		return false
	}
	if v, ok := data[key]; ok && fmt.Sprint(v) != id {
		res.Reason = fmt.Sprintf("resource belongs to another %s", label)
		return false
	}
	res.FilterCondition = map[string]any{key: id}
	return true
}

func firstPresent(data map[string]any, keys []string) (string, bool) {
	for _, k := range keys {
		if v, ok := data[k]; ok && v != nil {
			return fmt.Sprint(v), true
		}
	}
	return "", false
}

func (cr *compiledRule) customHolds(data map[string]any) bool {
	c := cr.rule.CustomCondition
	actual, ok := data[c.Field]
	if !ok {
		return false
	}
	switch c.Operator {
	case OpEquals:
		return valuesEqual(actual, c.Value)
	case OpIn:
		list, ok := c.Value.([]any)
		if !ok {
			return false
		}
		for _, v := range list {
			if valuesEqual(actual, v) {
				return true
			}
		}
		return false
	case OpContains:
		switch a := actual.(type) {
		case string:
			return strings.Contains(a, fmt.Sprint(c.Value))
		case []any:
			for _, v := range a {
				if valuesEqual(v, c.Value) {
					return true
				}
			}
		}
		return false
	case OpStartsWith:
		s, ok := actual.(string)
		return ok && strings.HasPrefix(s, fmt.Sprint(c.Value))
	case OpRegex:
		s, ok := actual.(string)
		return ok && cr.regex.MatchString(s)
	}
	return false
}

// valuesEqual compares loosely typed values from YAML and JSON by their
// printed form, so 3 and 3.0 compare equal.
func valuesEqual(a, b any) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}
