package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

type compiledRule struct {
	rule    Rule
	pattern *regexp.Regexp
}

type compiledDelegation struct {
	delegation Delegation
	patterns   []*regexp.Regexp
}

// Matcher selects the rule that applies to a check and dispatches its action.
// It holds an immutable, pre-compiled view of a PermissionConfig and is safe
// for concurrent use.
type Matcher struct {
	rules         []compiledRule
	conditional   map[string]struct{}
	delegations   []compiledDelegation
	defaultAction Action
	approval      *ApprovalConfig
	members       MembershipResolver
	exprs         ExpressionEvaluator
	now           func() time.Time
}

// MatcherOption configures a Matcher.
type MatcherOption func(*Matcher)

// WithClock overrides the wall clock used when a context carries no timestamp
// and for delegation expiry.
func WithClock(now func() time.Time) MatcherOption {
	return func(m *Matcher) { m.now = now }
}

// NewMatcher compiles cfg. members may be nil when rules only name users
// directly; exprs may be nil when no rule declares an expression.
// Disabled rules are dropped and the rest are ordered by priority, highest
// first, keeping declaration order among equal priorities.
func NewMatcher(cfg *PermissionConfig, members MembershipResolver, exprs ExpressionEvaluator, opts ...MatcherOption) (*Matcher, error) {
	m := &Matcher{
		defaultAction: cfg.EffectiveDefaultAction(),
		approval:      cfg.ApprovalConfig,
		members:       members,
		exprs:         exprs,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	for i, r := range cfg.Rules {
		if !r.Enabled {
			continue
		}
		re, err := CompilePattern(r.ToolPattern)
		if err != nil {
			return nil, configErr(fmt.Sprintf("rules[%d].toolPattern", i), "%v", err)
		}
		m.rules = append(m.rules, compiledRule{rule: r, pattern: re})
		if !r.Conditions.Empty() {
			if m.conditional == nil {
				m.conditional = make(map[string]struct{})
			}
			m.conditional[r.ID] = struct{}{}
		}
	}
	sort.SliceStable(m.rules, func(i, j int) bool {
		return m.rules[i].rule.Priority > m.rules[j].rule.Priority
	})

	for i, d := range cfg.Delegations {
		cd := compiledDelegation{delegation: d}
		for j, p := range d.Tools {
			re, err := CompilePattern(p)
			if err != nil {
				return nil, configErr(fmt.Sprintf("delegations[%d].tools[%d]", i, j), "%v", err)
			}
			cd.patterns = append(cd.patterns, re)
		}
		m.delegations = append(m.delegations, cd)
	}
	return m, nil
}

// Cacheable reports whether res may be reused for later checks of the same
// subject and tool. A rule with conditions depends on the rest of the check
// context, so its results are not.
func (m *Matcher) Cacheable(res CheckResult) bool {
	_, ok := m.conditional[res.RuleID]
	return !ok
}

// subjectView is the expanded membership of the checked subject.
type subjectView struct {
	subject   Subject
	groups    map[string]struct{}
	roles     map[string]struct{}
	delegated bool
}

func (m *Matcher) expand(cc CheckContext, now time.Time) subjectView {
	v := subjectView{subject: cc.Subject}
	if m.members != nil {
		if cc.Subject.Type == SubjectUser {
			v.groups = toSet(m.members.GroupsOf(cc.Subject.ID))
		}
		v.roles = toSet(m.members.RolesOf(cc.Subject))
	}
	for _, d := range m.delegations {
		if !d.delegation.Active(now) || !v.matchesSubject(d.delegation.Delegate) {
			continue
		}
		for _, re := range d.patterns {
			if re.MatchString(cc.ToolName) {
				v.delegated = true
				break
			}
		}
		if v.delegated {
			break
		}
	}
	return v
}

func (v subjectView) matchesSubject(s Subject) bool {
	_, ok := v.match(s)
	return ok
}

func (v subjectView) match(s Subject) (MatchKind, bool) {
	if s.Equal(v.subject) {
		return MatchDirect, true
	}
	switch s.Type {
	case SubjectGroup:
		if _, ok := v.groups[s.ID]; ok {
			return MatchGroup, true
		}
	case SubjectRole:
		if _, ok := v.roles[s.ID]; ok {
			return MatchRole, true
		}
	}
	return "", false
}

func (v subjectView) matchRule(r Rule) (MatchKind, bool) {
	for _, s := range r.Subjects {
		if kind, ok := v.match(s); ok {
			return kind, true
		}
	}
	if v.delegated {
		return MatchDelegation, true
	}
	return "", false
}

// Check evaluates cc against the compiled rules. It never returns an error:
// expression failures count as unmet conditions.
func (m *Matcher) Check(ctx context.Context, cc CheckContext) CheckResult {
	now := m.now()
	evalCtx := cc
	if evalCtx.Timestamp.IsZero() {
		evalCtx.Timestamp = now
	}
	view := m.expand(cc, now)

	for _, cr := range m.rules {
		if !cr.pattern.MatchString(cc.ToolName) {
			continue
		}
		kind, ok := view.matchRule(cr.rule)
		if !ok {
			continue
		}
		if !m.conditionsHold(ctx, cr.rule.Conditions, evalCtx) {
			return CheckResult{
				Allowed:   false,
				Action:    ActionDeny,
				RuleID:    cr.rule.ID,
				Reason:    "conditions not met",
				MatchedBy: kind,
			}
		}
		res := m.dispatch(cr.rule.Action, cc, cr.rule.ID)
		res.RuleID = cr.rule.ID
		res.MatchedBy = kind
		return res
	}

	res := m.dispatch(m.defaultAction, cc, "")
	res.MatchedBy = MatchDefault
	if res.Action == ActionDeny {
		res.Reason = fmt.Sprintf("no rule permits %s", cc.ToolName)
	}
	return res
}

func (m *Matcher) dispatch(action Action, cc CheckContext, ruleID string) CheckResult {
	switch action {
	case ActionAllow:
		return CheckResult{Allowed: true, Action: ActionAllow}
	case ActionRequireApproval:
		return CheckResult{
			Allowed:          false,
			Action:           ActionRequireApproval,
			RequiresApproval: true,
			ApprovalID:       ApprovalID(cc, ruleID),
			Reason:           m.approvalReason(),
		}
	default:
		return CheckResult{
			Allowed: false,
			Action:  ActionDeny,
			Reason:  fmt.Sprintf("access to %s is denied", cc.ToolName),
		}
	}
}

func (m *Matcher) approvalReason() string {
	if m.approval == nil || len(m.approval.Approvers) == 0 {
		return "requires approval"
	}
	names := make([]string, 0, len(m.approval.Approvers))
	for _, a := range m.approval.Approvers {
		if a.Name != "" {
			names = append(names, a.Name)
			continue
		}
		names = append(names, a.Key())
	}
	return fmt.Sprintf("requires approval from %s (%d of %d)",
		strings.Join(names, ", "), m.approval.RequiredApprovals, len(m.approval.Approvers))
}

// conditionsHold evaluates every declared clause; cc.Timestamp is already set.
func (m *Matcher) conditionsHold(ctx context.Context, c *Conditions, cc CheckContext) bool {
	if c.Empty() {
		return true
	}
	if c.TimeWindow != nil && !c.TimeWindow.Contains(cc.Timestamp) {
		return false
	}
	if len(c.IPAllowList) > 0 && !ipAllowed(c.IPAllowList, cc.IPAddress) {
		return false
	}
	for key, want := range c.Params {
		got, ok := cc.ToolParams[key]
		if !ok || !paramEqual(want, got) {
			return false
		}
	}
	if c.Expression != "" {
		if m.exprs == nil {
			return false
		}
		ok, err := m.exprs.EvaluateExpression(ctx, c.Expression, cc)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

func ipAllowed(list []string, ip string) bool {
	if ip == "" {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, entry := range list {
		p, err := parseIPEntry(entry)
		if err != nil {
			continue
		}
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// paramEqual compares a configured value with a request value. Numbers are
// compared by value so that YAML ints match JSON floats.
func paramEqual(want, got any) bool {
	if wf, ok := toFloat(want); ok {
		gf, ok := toFloat(got)
		return ok && wf == gf
	}
	switch w := want.(type) {
	case string:
		g, ok := got.(string)
		return ok && w == g
	case bool:
		g, ok := got.(bool)
		return ok && w == g
	case nil:
		return got == nil
	}
	return fmt.Sprint(want) == fmt.Sprint(got)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// ApprovalID derives a deterministic approval id from the check context and
// the rule that required approval. Calls that differ only in tool
// parameters get different ids. The timestamp only contributes when the
// caller supplied one.
func ApprovalID(cc CheckContext, ruleID string) string {
	d := xxhash.New()
	for _, part := range []string{
		cc.Subject.Key(), cc.ToolName, cc.SessionID, cc.AgentID, ruleID, CanonicalParams(cc.ToolParams),
	} {
		_, _ = d.WriteString(part)
		_, _ = d.Write([]byte{0})
	}
	if !cc.Timestamp.IsZero() {
		_, _ = d.WriteString(strconv.FormatInt(cc.Timestamp.UnixNano(), 10))
	}
	return fmt.Sprintf("apr_%016x", d.Sum64())
}

// CanonicalParams encodes params as JSON with sorted keys, so equal
// parameter sets encode identically whatever their map order. Numbers
// encode by value. Values JSON cannot represent fall back to fmt.
func CanonicalParams(params map[string]any) string {
	if len(params) == 0 {
		return "{}"
	}
	b, err := json.Marshal(params)
	if err != nil {
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var sb strings.Builder
		for _, k := range keys {
			fmt.Fprintf(&sb, "%q=%v;", k, params[k])
		}
		return sb.String()
	}
	return string(b)
}

// SameParams reports whether a and b hold the same tool parameters.
func SameParams(a, b map[string]any) bool {
	return CanonicalParams(a) == CanonicalParams(b)
}

func toSet(ids []string) map[string]struct{} {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
