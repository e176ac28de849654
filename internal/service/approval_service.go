package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sentinel-Gate/agentguard/internal/domain/approval"
	"github.com/Sentinel-Gate/agentguard/internal/domain/policy"
	"github.com/Sentinel-Gate/agentguard/internal/domain/ratelimit"
)

// ErrServiceClosed is returned by ApprovalService after Close.
var ErrServiceClosed = errors.New("approval service closed")

// Timer is a scheduled timeout that can be cancelled.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it through a wrapper.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// requestLock serializes every mutation of one request. Entries are
// reference counted and dropped when the last holder releases.
type requestLock struct {
	mu   sync.Mutex
	refs int
}

// ApprovalService drives approval requests from creation to a terminal
// state. Votes on one request are serialized; different requests proceed
// concurrently. Collaborators run in the background and their failures are
// only logged.
type ApprovalService struct {
	tenant     string
	repo       approval.Repository
	notifier   approval.Notifier
	completion approval.CompletionHandler
	cfg        atomic.Pointer[policy.ApprovalConfig]
	now        func() time.Time
	afterFunc  AfterFunc
	limiter    ratelimit.Limiter
	limit      ratelimit.Config
	metrics    *Metrics
	tp         trace.TracerProvider
	mp         metric.MeterProvider
	tel        telemetry
	logger     *slog.Logger

	mu     sync.Mutex
	locks  map[string]*requestLock
	timers map[string]Timer
	closed bool
	bg     sync.WaitGroup
}

// ApprovalOption configures ApprovalService.
type ApprovalOption func(*ApprovalService)

// WithApprovalTenant labels logs.
func WithApprovalTenant(tenant string) ApprovalOption {
	return func(s *ApprovalService) { s.tenant = tenant }
}

// WithNotifier sets the collaborator told about new requests.
func WithNotifier(n approval.Notifier) ApprovalOption {
	return func(s *ApprovalService) { s.notifier = n }
}

// WithCompletionHandler sets the collaborator told about decided requests.
func WithCompletionHandler(h approval.CompletionHandler) ApprovalOption {
	return func(s *ApprovalService) { s.completion = h }
}

// WithApprovalClock sets the clock used for timestamps and expiry.
func WithApprovalClock(now func() time.Time) ApprovalOption {
	return func(s *ApprovalService) { s.now = now }
}

// WithAfterFunc replaces time.AfterFunc for timeout scheduling.
func WithAfterFunc(f AfterFunc) ApprovalOption {
	return func(s *ApprovalService) { s.afterFunc = f }
}

// WithRequestLimit caps how many requests one requester may open. Votes
// and repeated creates of a pending request are not counted.
func WithRequestLimit(l ratelimit.Limiter, cfg ratelimit.Config) ApprovalOption {
	return func(s *ApprovalService) { s.limiter, s.limit = l, cfg }
}

// WithApprovalMetrics records Prometheus metrics.
func WithApprovalMetrics(m *Metrics) ApprovalOption {
	return func(s *ApprovalService) { s.metrics = m }
}

// WithApprovalTelemetry sets the OpenTelemetry providers. Nil uses the globals.
func WithApprovalTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) ApprovalOption {
	return func(s *ApprovalService) { s.tp, s.mp = tp, mp }
}

// NewApprovalService creates a workflow over repo. cfg may be nil, in which
// case CreateRequest fails until SetConfig supplies one.
func NewApprovalService(repo approval.Repository, cfg *policy.ApprovalConfig, logger *slog.Logger, opts ...ApprovalOption) *ApprovalService {
	s := &ApprovalService{
		repo:      repo,
		now:       time.Now,
		afterFunc: realAfterFunc,
		logger:    logger,
		locks:     make(map[string]*requestLock),
		timers:    make(map[string]Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	tel, err := newTelemetry(s.tp, s.mp)
	if err != nil {
		logger.Warn("otel instruments unavailable", "error", err)
	}
	s.tel = tel
	s.SetConfig(cfg)
	return s
}

// SetConfig replaces the approval configuration used for future requests.
// In-flight requests keep the approvers they were created with.
func (s *ApprovalService) SetConfig(cfg *policy.ApprovalConfig) {
	if cfg == nil {
		s.cfg.Store(nil)
		return
	}
	c := *cfg
	c.Approvers = append([]policy.Subject(nil), cfg.Approvers...)
	s.cfg.Store(&c)
}

func (s *ApprovalService) lock(id string) func() {
	s.mu.Lock()
	l, ok := s.locks[id]
	if !ok {
		l = &requestLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

// CreateInput describes a new approval request.
type CreateInput struct {
	Context policy.CheckContext
	// ApprovalID is normally the id returned by PolicyService.Check. A new
	// id is generated when empty.
	ApprovalID string
	Reason     string
}

// CreateRequest snapshots the approval configuration into a new pending
// request, arms its timeout and notifies approvers in the background.
// Creating an id that is already pending for the same requester, tool and
// parameters returns the existing request.
func (s *ApprovalService) CreateRequest(ctx context.Context, in CreateInput) (*approval.Request, error) {
	ctx, span := s.tel.tracer.Start(ctx, "approval.create", trace.WithAttributes(
		attribute.String("agentguard.tenant", s.tenant),
		attribute.String("agentguard.tool", in.Context.ToolName),
	))
	defer span.End()

	cfg := s.cfg.Load()
	if cfg == nil {
		return nil, fmt.Errorf("%w: %w", &policy.ConfigurationError{
			Field: "approvalConfig", Reason: "approval required but not configured",
		}, approval.ErrNoApprovalConfig)
	}
	if len(cfg.Approvers) == 0 {
		return nil, fmt.Errorf("%w: %w", &policy.ConfigurationError{
			Field: "approvalConfig.approvers", Reason: "no approvers configured",
		}, approval.ErrNoApprovers)
	}

	id := in.ApprovalID
	if id == "" {
		id = "apr_" + uuid.NewString()
	}
	span.SetAttributes(attribute.String("agentguard.approval_id", id))

	unlock := s.lock(id)
	defer unlock()

	if s.isClosed() {
		return nil, ErrServiceClosed
	}

	existing, err := s.repo.Get(ctx, id)
	switch {
	case err == nil:
		return reuse(existing, in.Context)
	case !errors.Is(err, approval.ErrRequestNotFound):
		return nil, fmt.Errorf("load request %s: %w", id, err)
	}

	if err := s.throttle(ctx, in.Context.Subject); err != nil {
		return nil, err
	}

	req := approval.NewRequest(id, in.Context, in.Reason, *cfg, s.now())
	if err := s.repo.Create(ctx, req); err != nil {
		if errors.Is(err, approval.ErrDuplicateRequest) {
			// Another process created id between our Get and Create.
			if existing, getErr := s.repo.Get(ctx, id); getErr == nil {
				return reuse(existing, in.Context)
			}
		}
		return nil, fmt.Errorf("save request %s: %w", id, err)
	}
	if req.ExpiresAt != nil {
		s.schedule(id, req.ExpiresAt.Sub(req.CreatedAt))
	}
	if s.metrics != nil {
		s.metrics.ApprovalsCreated.Inc()
		s.metrics.ApprovalsPending.Inc()
	}

	s.logger.Info("approval request created",
		"tenant", s.tenant,
		"request_id", id,
		"requester", req.Requester.Key(),
		"tool", req.ToolName,
		"required", req.RequiredApprovals,
		"approvers", len(req.Approvers),
	)

	if s.notifier != nil {
		snapshot := req.Clone()
		s.detach(ctx, func(ctx context.Context) {
			if err := s.notifier.NotifyApprovalRequest(ctx, snapshot); err != nil {
				s.logger.Warn("approval notification failed", "request_id", snapshot.ID, "error", err)
			}
		})
	}
	return req.Clone(), nil
}

// reuse returns existing when it is the same pending call as cc.
func reuse(existing *approval.Request, cc policy.CheckContext) (*approval.Request, error) {
	if existing.Status == approval.StatusPending &&
		existing.Requester.Equal(cc.Subject) &&
		existing.ToolName == cc.ToolName &&
		policy.SameParams(existing.ToolParams, cc.ToolParams) {
		return existing, nil
	}
	return nil, fmt.Errorf("create request %s: %w", existing.ID, approval.ErrDuplicateRequest)
}

func (s *ApprovalService) throttle(ctx context.Context, requester policy.Subject) error {
	if s.limiter == nil || !s.limit.Enabled() {
		return nil
	}
	res, err := s.limiter.Allow(ctx, ratelimit.ApprovalKey(s.tenant, requester.Key()), s.limit)
	if err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	if res.Allowed {
		return nil
	}
	if s.metrics != nil {
		s.metrics.ApprovalsThrottled.Inc()
	}
	s.logger.Warn("approval request throttled",
		"tenant", s.tenant,
		"requester", requester.Key(),
		"retry_after", res.RetryAfter,
	)
	return &approval.ThrottledError{Requester: requester.Key(), RetryAfter: res.RetryAfter}
}

// ProcessAction records one vote. Unknown ids, requests that are no longer
// pending, approvers outside the snapshot and repeated votes are reported in
// the result with Success false. The error is reserved for repository
// failures.
func (s *ApprovalService) ProcessAction(ctx context.Context, a approval.Action) (approval.ActionResult, error) {
	ctx, span := s.tel.tracer.Start(ctx, "approval.process_action", trace.WithAttributes(
		attribute.String("agentguard.tenant", s.tenant),
		attribute.String("agentguard.approval_id", a.RequestID),
		attribute.String("agentguard.approver", a.Approver.Key()),
		attribute.Bool("agentguard.approved", a.Approved),
	))
	defer span.End()

	unlock := s.lock(a.RequestID)
	defer unlock()

	var (
		res     approval.ActionResult
		decided *approval.Request
	)
	now := s.now()
	err := s.repo.Update(ctx, a.RequestID, func(r *approval.Request) (approval.Change, error) {
		decided = nil
		res = r.ApplyVote(a, now)
		if !res.Success {
			return approval.Keep, nil
		}
		res.Request = r.Clone()
		if r.Status.Terminal() {
			decided = r.Clone()
			return approval.Remove, nil
		}
		return approval.Put, nil
	})
	if errors.Is(err, approval.ErrRequestNotFound) {
		return notFound(a.RequestID), nil
	}
	if err != nil {
		return approval.ActionResult{}, fmt.Errorf("record vote on %s: %w", a.RequestID, err)
	}

	span.SetAttributes(attribute.String("agentguard.code", string(res.Code)))
	if !res.Success {
		s.logger.Info("approval action refused",
			"request_id", a.RequestID, "approver", a.Approver.Key(), "code", res.Code)
		return res, nil
	}
	if decided != nil {
		s.finish(ctx, decided)
	}

	s.logger.Info("approval vote recorded",
		"request_id", a.RequestID,
		"approver", a.Approver.Key(),
		"approved", a.Approved,
		"status", res.Status,
		"remaining", res.Remaining,
	)
	return res, nil
}

// Cancel withdraws a pending request. The completion handler is not called.
func (s *ApprovalService) Cancel(ctx context.Context, id, reason string) (approval.ActionResult, error) {
	unlock := s.lock(id)
	defer unlock()

	var (
		cancelled *approval.Request
		status    approval.Status
	)
	now := s.now()
	err := s.repo.Update(ctx, id, func(r *approval.Request) (approval.Change, error) {
		cancelled, status = nil, r.Status
		if !r.Cancel(reason, now) {
			return approval.Keep, nil
		}
		cancelled = r.Clone()
		return approval.Remove, nil
	})
	if errors.Is(err, approval.ErrRequestNotFound) {
		return notFound(id), nil
	}
	if err != nil {
		return approval.ActionResult{}, fmt.Errorf("cancel request %s: %w", id, err)
	}
	if cancelled == nil {
		return approval.ActionResult{
			Code:    approval.CodeNotPending,
			Message: fmt.Sprintf("request %s is already %s", id, status),
			Status:  status,
		}, nil
	}
	s.stopTimer(id)
	s.recordResolved(ctx, cancelled)

	s.logger.Info("approval request cancelled", "request_id", id, "reason", reason)
	return approval.ActionResult{
		Success: true,
		Code:    approval.CodeOK,
		Message: fmt.Sprintf("request %s cancelled", id),
		Status:  cancelled.Status,
		Request: cancelled,
	}, nil
}

func notFound(id string) approval.ActionResult {
	return approval.ActionResult{
		Code:    approval.CodeNotFound,
		Message: fmt.Sprintf("request %s not found or no longer pending", id),
	}
}

// finish disarms the timer of a request that was just decided and removed,
// and runs the completion handler in the background.
func (s *ApprovalService) finish(ctx context.Context, r *approval.Request) {
	s.stopTimer(r.ID)
	s.recordResolved(ctx, r)

	if s.completion != nil {
		snapshot := r.Clone()
		approved := snapshot.Outcome()
		s.detach(ctx, func(ctx context.Context) {
			if err := s.completion.OnApprovalCompleted(ctx, snapshot, approved); err != nil {
				s.logger.Warn("approval completion handler failed", "request_id", snapshot.ID, "error", err)
			}
		})
	}
}

func (s *ApprovalService) recordResolved(ctx context.Context, r *approval.Request) {
	if s.metrics != nil {
		s.metrics.ApprovalsResolved.WithLabelValues(string(r.Status)).Inc()
		s.metrics.ApprovalsPending.Dec()
	}
	s.tel.approvals.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", string(r.Status)),
		attribute.String("tenant", s.tenant),
	))
}

// onTimeout runs when a request's timer fires. A request that was resolved
// first is left alone.
func (s *ApprovalService) onTimeout(id string) {
	ctx := context.Background()
	unlock := s.lock(id)
	defer unlock()

	var expired *approval.Request
	now := s.now()
	err := s.repo.Update(ctx, id, func(r *approval.Request) (approval.Change, error) {
		expired = nil
		if !r.Expire(now) {
			return approval.Keep, nil
		}
		expired = r.Clone()
		return approval.Remove, nil
	})
	if err != nil {
		if !errors.Is(err, approval.ErrRequestNotFound) {
			s.logger.Error("approval timeout: update failed", "request_id", id, "error", err)
		}
		return
	}
	if expired == nil {
		return
	}
	s.finish(ctx, expired)
	s.logger.Info("approval request timed out",
		"request_id", id,
		"timeout_action", expired.TimeoutAction,
		"approved", expired.Outcome(),
	)
}

func (s *ApprovalService) schedule(id string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if old, ok := s.timers[id]; ok {
		old.Stop()
	}
	s.timers[id] = s.afterFunc(d, func() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.bg.Add(1)
		s.mu.Unlock()
		defer s.bg.Done()
		s.onTimeout(id)
	})
}

func (s *ApprovalService) stopTimer(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

// detach runs fn in the background with a context that outlives the
// caller's cancellation. Close waits for it.
func (s *ApprovalService) detach(ctx context.Context, fn func(context.Context)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.bg.Add(1)
	s.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	go func() {
		defer s.bg.Done()
		fn(detached)
	}()
}

func (s *ApprovalService) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// GetRequest returns a pending request.
func (s *ApprovalService) GetRequest(ctx context.Context, id string) (*approval.Request, error) {
	return s.repo.Get(ctx, id)
}

// GetPendingRequests returns pending requests matching filter, oldest first.
func (s *ApprovalService) GetPendingRequests(ctx context.Context, filter approval.Filter) ([]*approval.Request, error) {
	all, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	out := make([]*approval.Request, 0, len(all))
	for _, r := range all {
		if r.Status == approval.StatusPending && filter.Matches(r) {
			out = append(out, r)
		}
	}
	approval.SortByCreated(out)
	return out, nil
}

// Stats summarizes pending requests.
func (s *ApprovalService) Stats(ctx context.Context) (approval.Stats, error) {
	all, err := s.repo.List(ctx)
	if err != nil {
		return approval.Stats{}, fmt.Errorf("list requests: %w", err)
	}
	return approval.ComputeStats(all, s.now()), nil
}

// Restore re-arms timers for pending requests found in the repository, for
// use after a restart with a durable repository. Requests whose expiry has
// passed time out immediately. It returns the number of requests still
// pending.
func (s *ApprovalService) Restore(ctx context.Context) (int, error) {
	all, err := s.repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list requests: %w", err)
	}
	now := s.now()
	pending := 0
	for _, r := range all {
		if r.Status != approval.StatusPending {
			if err := s.repo.Delete(ctx, r.ID); err != nil {
				s.logger.Warn("restore: failed to drop resolved request", "request_id", r.ID, "error", err)
			}
			continue
		}
		if s.metrics != nil {
			s.metrics.ApprovalsPending.Inc()
		}
		if r.ExpiresAt == nil {
			pending++
			continue
		}
		if remaining := r.ExpiresAt.Sub(now); remaining > 0 {
			s.schedule(r.ID, remaining)
			pending++
			continue
		}
		s.onTimeout(r.ID)
	}
	s.logger.Info("approval requests restored", "tenant", s.tenant, "pending", pending)
	return pending, nil
}

// Close disarms every timer and waits for background collaborator calls.
// Pending requests stay in the repository.
func (s *ApprovalService) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.bg.Wait()
}
