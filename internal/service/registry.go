package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"

	"github.com/Sentinel-Gate/agentguard/internal/domain/approval"
	"github.com/Sentinel-Gate/agentguard/internal/domain/audit"
	"github.com/Sentinel-Gate/agentguard/internal/domain/datascope"
	"github.com/Sentinel-Gate/agentguard/internal/domain/policy"
)

// ErrTenantNotFound is returned by ConfigSource for unknown tenants.
var ErrTenantNotFound = errors.New("tenant not found")

// ErrRegistryClosed is returned when a tenant is loaded after Close.
var ErrRegistryClosed = errors.New("tenant registry closed")

// TenantConfig is everything a tenant's policy facade is built from.
type TenantConfig struct {
	Permissions    policy.PermissionConfig `json:"permissions"`
	DataScopeRules []datascope.Rule        `json:"dataScopeRules,omitempty"`
}

// Fingerprint returns a stable digest of the configuration.
func (c TenantConfig) Fingerprint() string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// ConfigSource loads tenant configurations on first use.
type ConfigSource interface {
	Load(ctx context.Context, tenant string) (TenantConfig, error)
}

// RepositoryFactory returns the approval repository for a tenant.
type RepositoryFactory func(tenant string) (approval.Repository, error)

// Tenant holds the services of one tenant.
type Tenant struct {
	ID        string
	Policy    *PolicyService
	Approvals *ApprovalService
}

// NormalizeTenant trims and lower-cases a tenant id.
func NormalizeTenant(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Registry owns one policy facade and one approval workflow per tenant.
// Facades are created on first use and rebuilt on configuration change;
// approval workflows outlive reloads so in-flight requests are kept.
//
// Loading and updating a tenant hold that tenant's lock only, so a slow
// configuration source or repository delays no other tenant. mu guards the
// maps and is never held across I/O.
type Registry struct {
	source       ConfigSource
	repos        RepositoryFactory
	history      audit.HistoryStore
	policyOpts   []PolicyOption
	approvalOpts []ApprovalOption
	metrics      *Metrics
	now          func() time.Time
	logger       *slog.Logger

	mu           sync.Mutex
	tenantLocks  map[string]*sync.Mutex
	policies     map[string]*PolicyService
	workflows    map[string]*ApprovalService
	fingerprints map[string]string
	closed       bool
}

// RegistryOption configures Registry.
type RegistryOption func(*Registry)

// WithHistoryStore records configuration changes.
func WithHistoryStore(h audit.HistoryStore) RegistryOption {
	return func(r *Registry) { r.history = h }
}

// WithRepositoryFactory sets where approval requests are kept. The default
// keeps them in memory.
func WithRepositoryFactory(f RepositoryFactory) RegistryOption {
	return func(r *Registry) { r.repos = f }
}

// WithPolicyOptions are applied to every tenant's PolicyService.
func WithPolicyOptions(opts ...PolicyOption) RegistryOption {
	return func(r *Registry) { r.policyOpts = append(r.policyOpts, opts...) }
}

// WithApprovalOptions are applied to every tenant's ApprovalService.
func WithApprovalOptions(opts ...ApprovalOption) RegistryOption {
	return func(r *Registry) { r.approvalOpts = append(r.approvalOpts, opts...) }
}

// WithRegistryMetrics counts configuration loads.
func WithRegistryMetrics(m *Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithRegistryClock sets the clock for history timestamps.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry backed by source.
func NewRegistry(source ConfigSource, logger *slog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		source:       source,
		now:          time.Now,
		logger:       logger,
		tenantLocks:  make(map[string]*sync.Mutex),
		policies:     make(map[string]*PolicyService),
		workflows:    make(map[string]*ApprovalService),
		fingerprints: make(map[string]string),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.repos == nil {
		r.repos = memoryRepositories
	}
	return r
}

// Get returns the tenant's services, loading its configuration on first use.
func (r *Registry) Get(ctx context.Context, tenant string) (*Tenant, error) {
	id := NormalizeTenant(tenant)
	if id == "" {
		return nil, fmt.Errorf("tenant id is required")
	}
	if t, ok := r.loaded(id); ok {
		return t, nil
	}

	unlock := r.lockTenant(id)
	defer unlock()
	if t, ok := r.loaded(id); ok {
		return t, nil
	}

	cfg, err := r.source.Load(ctx, id)
	if err != nil {
		r.countReload("error")
		return nil, fmt.Errorf("load tenant %s: %w", id, err)
	}
	return r.install(ctx, id, cfg, audit.HistoryConfigLoaded, "")
}

// Update replaces a tenant's configuration. The decision cache is cleared
// and pending approvals keep their snapshots; only future requests see the
// new approval configuration.
func (r *Registry) Update(ctx context.Context, tenant string, cfg TenantConfig, actor string) (*Tenant, error) {
	id := NormalizeTenant(tenant)
	if id == "" {
		return nil, fmt.Errorf("tenant id is required")
	}

	unlock := r.lockTenant(id)
	defer unlock()

	if t, ok := r.loaded(id); ok {
		if err := t.Policy.Reload(cfg.Permissions, cfg.DataScopeRules); err != nil {
			r.countReload("error")
			return nil, err
		}
		t.Approvals.SetConfig(cfg.Permissions.ApprovalConfig)
		r.countReload("ok")
		r.recordHistory(ctx, id, audit.HistoryConfigUpdated, actor, cfg)
		return t, nil
	}
	return r.install(ctx, id, cfg, audit.HistoryConfigUpdated, actor)
}

func (r *Registry) lockTenant(id string) func() {
	r.mu.Lock()
	l, ok := r.tenantLocks[id]
	if !ok {
		l = &sync.Mutex{}
		r.tenantLocks[id] = l
	}
	r.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (r *Registry) loaded(id string) (*Tenant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps, ok := r.policies[id]
	if !ok {
		return nil, false
	}
	return &Tenant{ID: id, Policy: ps, Approvals: r.workflows[id]}, true
}

// install builds the tenant's facade and, unless it survives from an
// earlier load, its approval workflow. The caller holds the tenant lock.
func (r *Registry) install(ctx context.Context, id string, cfg TenantConfig, action, actor string) (*Tenant, error) {
	opts := append([]PolicyOption{WithTenant(id)}, r.policyOpts...)
	ps, err := NewPolicyService(cfg.Permissions, cfg.DataScopeRules, r.logger.With("tenant", id), opts...)
	if err != nil {
		r.countReload("error")
		return nil, fmt.Errorf("tenant %s: %w", id, err)
	}

	r.mu.Lock()
	wf, kept := r.workflows[id]
	r.mu.Unlock()
	if kept {
		wf.SetConfig(cfg.Permissions.ApprovalConfig)
	} else {
		repo, err := r.repos(id)
		if err != nil {
			ps.Close()
			return nil, fmt.Errorf("tenant %s approval repository: %w", id, err)
		}
		aopts := append([]ApprovalOption{WithApprovalTenant(id)}, r.approvalOpts...)
		wf = NewApprovalService(repo, cfg.Permissions.ApprovalConfig, r.logger.With("tenant", id), aopts...)
		if _, err := wf.Restore(ctx); err != nil {
			r.logger.Warn("failed to restore pending approvals", "tenant", id, "error", err)
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		ps.Close()
		if !kept {
			wf.Close()
		}
		return nil, ErrRegistryClosed
	}
	r.policies[id] = ps
	r.workflows[id] = wf
	r.mu.Unlock()

	r.countReload("ok")
	r.recordHistory(ctx, id, action, actor, cfg)
	return &Tenant{ID: id, Policy: ps, Approvals: wf}, nil
}

// Invalidate drops the tenant's facade so the next Get reloads from the
// source. The approval workflow is kept.
func (r *Registry) Invalidate(tenant string) {
	id := NormalizeTenant(tenant)
	unlock := r.lockTenant(id)
	defer unlock()

	r.mu.Lock()
	ps, ok := r.policies[id]
	delete(r.policies, id)
	r.mu.Unlock()
	if ok {
		ps.Close()
		r.logger.Info("tenant invalidated", "tenant", id)
	}
}

// Remove closes every service of the tenant and records the removal.
// Pending requests stay in the repository.
func (r *Registry) Remove(ctx context.Context, tenant, actor string) {
	id := NormalizeTenant(tenant)
	unlock := r.lockTenant(id)
	defer unlock()

	r.mu.Lock()
	ps, hadPolicy := r.policies[id]
	wf, hadWorkflow := r.workflows[id]
	delete(r.policies, id)
	delete(r.workflows, id)
	r.mu.Unlock()

	if hadPolicy {
		ps.Close()
	}
	if hadWorkflow {
		wf.Close()
	}
	if !hadPolicy {
		return
	}
	r.recordHistory(ctx, id, audit.HistoryConfigRemoved, actor, TenantConfig{})
	r.mu.Lock()
	delete(r.fingerprints, id)
	r.mu.Unlock()
}

// Tenants lists loaded tenant ids in order.
func (r *Registry) Tenants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.policies))
	for id := range r.policies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close closes every tenant. Later loads fail with ErrRegistryClosed.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	policies, workflows := r.policies, r.workflows
	r.policies = make(map[string]*PolicyService)
	r.workflows = make(map[string]*ApprovalService)
	r.mu.Unlock()

	for _, ps := range policies {
		ps.Close()
	}
	for _, wf := range workflows {
		wf.Close()
	}
}

func (r *Registry) countReload(outcome string) {
	if r.metrics != nil {
		r.metrics.ConfigReloads.WithLabelValues(outcome).Inc()
	}
}

// recordHistory appends a history record. Failures are logged only. The
// caller holds the tenant lock but not mu.
func (r *Registry) recordHistory(ctx context.Context, id, action, actor string, cfg TenantConfig) {
	rec := audit.HistoryRecord{
		ID:        uuid.NewString(),
		Timestamp: r.now(),
		Tenant:    id,
		Action:    action,
		Actor:     actor,
	}
	if action != audit.HistoryConfigRemoved {
		rec.Fingerprint = cfg.Fingerprint()
		rec.RuleCount = len(cfg.Permissions.Rules)
		rec.RoleCount = len(cfg.Permissions.Roles)
		rec.DataScopeRuleCount = len(cfg.DataScopeRules)
	}
	r.mu.Lock()
	rec.PreviousFingerprint = r.fingerprints[id]
	if action != audit.HistoryConfigRemoved {
		r.fingerprints[id] = rec.Fingerprint
	}
	r.mu.Unlock()
	if r.history == nil {
		return
	}
	if err := r.history.AppendHistory(ctx, rec); err != nil {
		r.logger.Warn("failed to append config history", "tenant", id, "action", action, "error", err)
	}
}
