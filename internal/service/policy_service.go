// Package service contains the application services: the policy facade,
// the approval workflow, async audit writing and the per-tenant registry.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	celeval "github.com/Sentinel-Gate/agentguard/internal/adapter/outbound/cel"
	"github.com/Sentinel-Gate/agentguard/internal/domain/audit"
	"github.com/Sentinel-Gate/agentguard/internal/domain/datascope"
	"github.com/Sentinel-Gate/agentguard/internal/domain/hierarchy"
	"github.com/Sentinel-Gate/agentguard/internal/domain/policy"
)

// policySnapshot is the immutable compiled state behind one configuration.
type policySnapshot struct {
	cfg        policy.PermissionConfig
	scopeRules []datascope.Rule
	matcher    *policy.Matcher
	resolver   *hierarchy.Resolver
	scopes     *datascope.Evaluator
}

// PolicyService is the policy facade: it composes the hierarchy resolver,
// the rule matcher, the decision cache and the audit log behind Check.
// Configuration swaps are atomic; readers never see a half-loaded rule set.
type PolicyService struct {
	tenant    string
	snapshot  atomic.Pointer[policySnapshot]
	mu        sync.Mutex // serializes Reload
	exprs     policy.ExpressionEvaluator
	cache     *DecisionCache
	cacheSize int
	ownCache  bool
	audit     AuditRecorder
	metrics   *Metrics
	tp        trace.TracerProvider
	mp        metric.MeterProvider
	tel       telemetry
	now       func() time.Time
	logger    *slog.Logger
}

// PolicyOption configures PolicyService.
type PolicyOption func(*PolicyService)

// WithTenant labels audit records and logs.
func WithTenant(tenant string) PolicyOption {
	return func(s *PolicyService) { s.tenant = tenant }
}

// WithExpressionEvaluator replaces the default CEL evaluator.
func WithExpressionEvaluator(e policy.ExpressionEvaluator) PolicyOption {
	return func(s *PolicyService) { s.exprs = e }
}

// WithDecisionCache shares a cache instead of creating one. The caller
// closes a shared cache.
func WithDecisionCache(c *DecisionCache) PolicyOption {
	return func(s *PolicyService) { s.cache = c }
}

// WithCacheSize bounds the service's own decision cache. Ignored when a
// shared cache is supplied.
func WithCacheSize(entries int) PolicyOption {
	return func(s *PolicyService) { s.cacheSize = entries }
}

// WithAuditRecorder sends one record per check to r when the configuration
// enables the audit log.
func WithAuditRecorder(r AuditRecorder) PolicyOption {
	return func(s *PolicyService) { s.audit = r }
}

// WithPolicyMetrics records Prometheus metrics.
func WithPolicyMetrics(m *Metrics) PolicyOption {
	return func(s *PolicyService) { s.metrics = m }
}

// WithPolicyTelemetry sets the OpenTelemetry providers. Nil uses the globals.
func WithPolicyTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) PolicyOption {
	return func(s *PolicyService) { s.tp, s.mp = tp, mp }
}

// WithPolicyClock sets the clock used for conditions, delegations and cache TTLs.
func WithPolicyClock(now func() time.Time) PolicyOption {
	return func(s *PolicyService) { s.now = now }
}

// NewPolicyService validates and compiles cfg and scopeRules. Any
// configuration problem, including circular role inheritance, is returned
// as an error wrapping *policy.ConfigurationError.
func NewPolicyService(cfg policy.PermissionConfig, scopeRules []datascope.Rule, logger *slog.Logger, opts ...PolicyOption) (*PolicyService, error) {
	s := &PolicyService{
		cacheSize: DefaultCacheEntries,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.exprs == nil {
		evaluator, err := celeval.NewEvaluator()
		if err != nil {
			return nil, fmt.Errorf("failed to create CEL evaluator: %w", err)
		}
		s.exprs = evaluator
	}
	if s.cache == nil {
		cache, err := NewDecisionCache(s.cacheSize)
		if err != nil {
			return nil, err
		}
		s.cache, s.ownCache = cache, true
	}
	tel, err := newTelemetry(s.tp, s.mp)
	if err != nil {
		logger.Warn("otel instruments unavailable", "error", err)
	}
	s.tel = tel

	snap, err := s.compile(cfg, scopeRules)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.snapshot.Store(snap)

	logger.Info("policy service initialized",
		"tenant", s.tenant,
		"rules", len(cfg.Rules),
		"roles", len(cfg.Roles),
		"groups", len(cfg.Groups),
		"delegations", len(cfg.Delegations),
		"data_scope_rules", len(scopeRules),
		"cache_enabled", cfg.EnableCache,
	)
	return s, nil
}

func (s *PolicyService) compile(cfg policy.PermissionConfig, scopeRules []datascope.Rule) (*policySnapshot, error) {
	if err := cfg.Validate(s.exprs); err != nil {
		return nil, fmt.Errorf("invalid permission config: %w", err)
	}
	snap := &policySnapshot{cfg: cfg, scopeRules: scopeRules}
	snap.resolver = hierarchy.New(&snap.cfg)
	if cycle := snap.resolver.DetectCircularInheritance(); len(cycle) > 0 {
		return nil, fmt.Errorf("invalid permission config: %w", &policy.ConfigurationError{
			Field:  "roles",
			Reason: "circular inheritance among " + strings.Join(cycle, ", "),
		})
	}

	matcher, err := policy.NewMatcher(&snap.cfg, snap.resolver, s.exprs, policy.WithClock(s.now))
	if err != nil {
		return nil, fmt.Errorf("compile rules: %w", err)
	}
	scopes, err := datascope.NewEvaluator(scopeRules, snap.resolver)
	if err != nil {
		return nil, fmt.Errorf("compile data scope rules: %w", err)
	}
	snap.matcher, snap.scopes = matcher, scopes
	return snap, nil
}

func (s *PolicyService) load() *policySnapshot {
	return s.snapshot.Load()
}

// Reload swaps in a new configuration and clears the decision cache. On
// error the previous configuration stays in force.
func (s *PolicyService) Reload(cfg policy.PermissionConfig, scopeRules []datascope.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.compile(cfg, scopeRules)
	if err != nil {
		return err
	}
	s.snapshot.Store(snap)
	s.cache.Clear()
	s.logger.Info("policy configuration reloaded",
		"tenant", s.tenant,
		"rules", len(cfg.Rules),
		"data_scope_rules", len(scopeRules),
	)
	return nil
}

// Check decides whether cc.Subject may invoke cc.ToolName. The decision is
// returned synchronously; the audit record is written in the background.
func (s *PolicyService) Check(ctx context.Context, cc policy.CheckContext) policy.CheckResult {
	start := time.Now()
	ctx, span := s.tel.tracer.Start(ctx, "policy.check", trace.WithAttributes(
		attribute.String("agentguard.tenant", s.tenant),
		attribute.String("agentguard.subject", cc.Subject.Key()),
		attribute.String("agentguard.tool", cc.ToolName),
	))
	defer span.End()

	gen := s.cache.Generation()
	snap := s.load()
	now := s.now()

	res, hit := policy.CheckResult{}, false
	if snap.cfg.EnableCache {
		res, hit = s.cache.Get(cc.Subject, cc.ToolName, now)
		if hit {
			res.Cached = true
		}
		if s.metrics != nil {
			if hit {
				s.metrics.CacheHits.Inc()
			} else {
				s.metrics.CacheMisses.Inc()
			}
		}
	}
	if !hit {
		res = snap.matcher.Check(ctx, cc)
		if snap.cfg.EnableCache && snap.matcher.Cacheable(res) {
			s.cache.Put(cc.Subject, cc.ToolName, res, snap.cfg.CacheTTLDuration(), now, gen)
		}
	}

	elapsed := time.Since(start)
	result := audit.ResultOf(res)
	span.SetAttributes(
		attribute.String("agentguard.result", result),
		attribute.String("agentguard.rule_id", res.RuleID),
		attribute.Bool("agentguard.cached", res.Cached),
	)
	s.tel.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
		attribute.String("tenant", s.tenant),
	))
	if s.metrics != nil {
		s.metrics.Decisions.WithLabelValues(result, string(res.MatchedBy)).Inc()
		s.metrics.CheckDuration.Observe(elapsed.Seconds())
	}

	if snap.cfg.EnableAuditLog && s.audit != nil {
		s.audit.Record(s.auditRecord(cc, res, now, elapsed))
	}

	s.logger.Debug("permission check",
		"tenant", s.tenant,
		"subject", cc.Subject.Key(),
		"tool", cc.ToolName,
		"result", result,
		"rule_id", res.RuleID,
		"cached", res.Cached,
	)
	return res
}

func (s *PolicyService) auditRecord(cc policy.CheckContext, res policy.CheckResult, now time.Time, elapsed time.Duration) audit.Record {
	rec := audit.Record{
		ID:            uuid.NewString(),
		Timestamp:     now,
		Tenant:        s.tenant,
		Subject:       cc.Subject,
		ToolName:      cc.ToolName,
		ToolParams:    audit.RedactSensitiveParams(cc.ToolParams),
		Result:        audit.ResultOf(res),
		AppliedRuleID: res.RuleID,
		ApprovalID:    res.ApprovalID,
		SessionID:     cc.SessionID,
		AgentID:       cc.AgentID,
		Cached:        res.Cached,
		LatencyMicros: elapsed.Microseconds(),
	}
	if !res.Allowed {
		rec.DenialReason = res.Reason
	}
	return rec
}

// CheckDataScope evaluates the data scope rules of the current configuration.
func (s *PolicyService) CheckDataScope(ctx context.Context, cc datascope.CheckContext) datascope.Result {
	_, span := s.tel.tracer.Start(ctx, "policy.check_data_scope", trace.WithAttributes(
		attribute.String("agentguard.tenant", s.tenant),
		attribute.String("agentguard.subject", cc.Subject.Key()),
		attribute.String("agentguard.resource", cc.ResourceID),
		attribute.String("agentguard.operation", string(cc.Operation)),
	))
	defer span.End()

	res := s.load().scopes.Check(cc)
	span.SetAttributes(attribute.Bool("agentguard.allowed", res.Allowed), attribute.String("agentguard.rule_id", res.RuleID))
	if s.metrics != nil {
		label := "denied"
		if res.Allowed {
			label = "allowed"
		}
		s.metrics.ScopeChecks.WithLabelValues(label).Inc()
	}
	return res
}

// EffectivePermissions returns the subject's permission union under the
// current configuration.
func (s *PolicyService) EffectivePermissions(subject policy.Subject) []string {
	return s.load().resolver.EffectivePermissions(subject)
}

// DetectConflicts reports grant/deny conflicts for subject.
func (s *PolicyService) DetectConflicts(subject policy.Subject) []hierarchy.Conflict {
	return s.load().resolver.DetectConflicts(subject)
}

// RolesOf returns every role the subject holds.
func (s *PolicyService) RolesOf(subject policy.Subject) []string {
	return s.load().resolver.RolesOf(subject)
}

// Config returns the configuration in force.
func (s *PolicyService) Config() policy.PermissionConfig {
	return s.load().cfg
}

// DataScopeRules returns the data scope rules in force.
func (s *PolicyService) DataScopeRules() []datascope.Rule {
	return s.load().scopeRules
}

// ApprovalConfig returns the approval configuration in force, or nil.
func (s *PolicyService) ApprovalConfig() *policy.ApprovalConfig {
	return s.load().cfg.ApprovalConfig
}

// Close releases the decision cache when the service created it.
func (s *PolicyService) Close() {
	if s.ownCache {
		s.cache.Close()
	}
}
