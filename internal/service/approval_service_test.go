package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/Sentinel-Gate/agentguard/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/agentguard/internal/adapter/outbound/state"
	"github.com/Sentinel-Gate/agentguard/internal/domain/approval"
	"github.com/Sentinel-Gate/agentguard/internal/domain/policy"
	"github.com/Sentinel-Gate/agentguard/internal/domain/ratelimit"
)

type approvalFixture struct {
	svc    *ApprovalService
	repo   *memory.ApprovalStore
	clock  *fakeClock
	timers *fakeTimers
	collab *collaborators
}

func twoOfTwo() *policy.ApprovalConfig {
	return &policy.ApprovalConfig{
		Approvers:         []policy.Subject{policy.User("A"), policy.User("B")},
		RequiredApprovals: 2,
		TimeoutSeconds:    60,
		TimeoutAction:     policy.TimeoutReject,
	}
}

func newApprovalFixture(t *testing.T, cfg *policy.ApprovalConfig, opts ...ApprovalOption) *approvalFixture {
	t.Helper()
	f := &approvalFixture{
		repo:   memory.NewApprovalStore(),
		clock:  newFakeClock(),
		timers: &fakeTimers{},
		collab: newCollaborators(),
	}
	base := []ApprovalOption{
		WithApprovalClock(f.clock.Now),
		WithAfterFunc(f.timers.AfterFunc),
		WithNotifier(f.collab),
		WithCompletionHandler(f.collab),
	}
	f.svc = NewApprovalService(f.repo, cfg, discardLogger(), append(base, opts...)...)
	return f
}

func refundContext() policy.CheckContext {
	return policy.CheckContext{
		Subject:  policy.User("fiona"),
		ToolName: "payments.refund",
		AgentID:  "agent-1",
	}
}

func (f *approvalFixture) create(t *testing.T, id string) *approval.Request {
	t.Helper()
	r, err := f.svc.CreateRequest(context.Background(), CreateInput{Context: refundContext(), ApprovalID: id, Reason: "refund"})
	if err != nil {
		t.Fatalf("CreateRequest() error: %v", err)
	}
	return r
}

func (f *approvalFixture) vote(t *testing.T, id, approver string, approved bool) approval.ActionResult {
	t.Helper()
	res, err := f.svc.ProcessAction(context.Background(), approval.Action{
		RequestID: id, Approver: policy.User(approver), Approved: approved,
	})
	if err != nil {
		t.Fatalf("ProcessAction() error: %v", err)
	}
	return res
}

func waitCompletion(t *testing.T, ch <-chan completion) completion {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("completion handler was not called")
		return completion{}
	}
}

func TestApprovalService_CreateRequiresConfig(t *testing.T) {
	defer goleak.VerifyNone(t)

	tests := []struct {
		name string
		cfg  *policy.ApprovalConfig
		want error
	}{
		{"no config", nil, approval.ErrNoApprovalConfig},
		{"no approvers", &policy.ApprovalConfig{RequiredApprovals: 1}, approval.ErrNoApprovers},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newApprovalFixture(t, tt.cfg)
			defer f.svc.Close()
			_, err := f.svc.CreateRequest(context.Background(), CreateInput{Context: refundContext()})
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
			if !policy.IsConfigurationError(err) {
				t.Errorf("error = %v, want ConfigurationError", err)
			}
		})
	}
}

func TestApprovalService_CreateSnapshotsConfigAndNotifies(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newApprovalFixture(t, twoOfTwo())
	defer f.svc.Close()

	r := f.create(t, "apr_1")
	if r.Status != approval.StatusPending || r.RequiredApprovals != 2 || len(r.Approvers) != 2 {
		t.Fatalf("request = %+v", r)
	}
	if r.ExpiresAt == nil || !r.ExpiresAt.Equal(f.clock.Now().Add(60*time.Second)) {
		t.Errorf("ExpiresAt = %v", r.ExpiresAt)
	}
	timers := f.timers.all()
	if len(timers) != 1 || timers[0].d != 60*time.Second {
		t.Errorf("timers = %+v, want one 60s timer", timers)
	}
	select {
	case id := <-f.collab.notified:
		if id != "apr_1" {
			t.Errorf("notified %s, want apr_1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notifier not called")
	}

	// Later config changes do not reach the in-flight request.
	f.svc.SetConfig(&policy.ApprovalConfig{Approvers: []policy.Subject{policy.User("C")}, RequiredApprovals: 1})
	if res := f.vote(t, "apr_1", "C", true); res.Code != approval.CodeUnauthorizedApprover {
		t.Errorf("vote by C = %+v, want unauthorized", res)
	}
	got, _ := f.svc.GetRequest(context.Background(), "apr_1")
	if len(got.Approvers) != 2 {
		t.Errorf("approver snapshot changed: %v", got.Approvers)
	}
}

func TestApprovalService_CreateIsIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newApprovalFixture(t, twoOfTwo())
	defer f.svc.Close()

	first := f.create(t, "apr_same")
	second := f.create(t, "apr_same")
	if first.ID != second.ID || !first.CreatedAt.Equal(second.CreatedAt) {
		t.Errorf("second create returned a different request: %+v", second)
	}
	if n := len(f.timers.all()); n != 1 {
		t.Errorf("timers = %d, want 1", n)
	}

	other := refundContext()
	other.ToolName = "payments.payout"
	_, err := f.svc.CreateRequest(context.Background(), CreateInput{Context: other, ApprovalID: "apr_same"})
	if !errors.Is(err, approval.ErrDuplicateRequest) {
		t.Errorf("error = %v, want ErrDuplicateRequest", err)
	}
}

func TestApprovalService_CreateComparesParams(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newApprovalFixture(t, twoOfTwo())
	defer f.svc.Close()
	ctx := context.Background()

	small := refundContext()
	small.ToolParams = map[string]any{"amount": 10}
	big := refundContext()
	big.ToolParams = map[string]any{"amount": 100000}

	smallID, bigID := policy.ApprovalID(small, "refunds"), policy.ApprovalID(big, "refunds")
	if smallID == bigID {
		t.Fatalf("different amounts share approval id %s", smallID)
	}
	if _, err := f.svc.CreateRequest(ctx, CreateInput{Context: small, ApprovalID: smallID}); err != nil {
		t.Fatalf("CreateRequest(small) error: %v", err)
	}
	r, err := f.svc.CreateRequest(ctx, CreateInput{Context: big, ApprovalID: bigID})
	if err != nil {
		t.Fatalf("CreateRequest(big) error: %v", err)
	}
	if r.ID != bigID || r.ToolParams["amount"] != 100000 {
		t.Errorf("big request = %s %v, want its own request", r.ID, r.ToolParams)
	}

	_, err = f.svc.CreateRequest(ctx, CreateInput{Context: big, ApprovalID: smallID})
	if !errors.Is(err, approval.ErrDuplicateRequest) {
		t.Errorf("reusing the small id for the big refund: error = %v, want ErrDuplicateRequest", err)
	}
	same := refundContext()
	same.ToolParams = map[string]any{"amount": float64(10)}
	if r, err := f.svc.CreateRequest(ctx, CreateInput{Context: same, ApprovalID: smallID}); err != nil || r.ID != smallID {
		t.Errorf("CreateRequest(equal params) = %v, %v; want the existing request", r, err)
	}
}

func TestApprovalService_SharedStateFile(t *testing.T) {
	defer goleak.VerifyNone(t)
	path := filepath.Join(t.TempDir(), "acme-approvals.json")
	open := func() (*ApprovalService, *collaborators) {
		repo, err := state.NewApprovalStore(path, discardLogger())
		if err != nil {
			t.Fatalf("NewApprovalStore() error: %v", err)
		}
		collab := newCollaborators()
		timers := &fakeTimers{}
		svc := NewApprovalService(repo, twoOfTwo(), discardLogger(),
			WithAfterFunc(timers.AfterFunc), WithCompletionHandler(collab))
		return svc, collab
	}
	first, firstCollab := open()
	second, _ := open()
	defer first.Close()
	defer second.Close()
	ctx := context.Background()

	other := refundContext()
	other.ToolName = "payments.payout"
	if _, err := first.CreateRequest(ctx, CreateInput{Context: refundContext(), ApprovalID: "apr_1"}); err != nil {
		t.Fatalf("CreateRequest(apr_1) error: %v", err)
	}
	if _, err := second.CreateRequest(ctx, CreateInput{Context: other, ApprovalID: "apr_2"}); err != nil {
		t.Fatalf("CreateRequest(apr_2) error: %v", err)
	}
	if pending, _ := first.GetPendingRequests(ctx, approval.Filter{}); len(pending) != 2 {
		t.Fatalf("pending = %d, want both requests", len(pending))
	}

	vote := func(svc *ApprovalService, approver string) approval.ActionResult {
		t.Helper()
		res, err := svc.ProcessAction(ctx, approval.Action{RequestID: "apr_1", Approver: policy.User(approver), Approved: true})
		if err != nil {
			t.Fatalf("ProcessAction() error: %v", err)
		}
		return res
	}
	if res := vote(second, "A"); !res.Success || res.Remaining != 1 {
		t.Fatalf("vote A = %+v, want one remaining", res)
	}
	if res := vote(first, "B"); res.Status != approval.StatusApproved {
		t.Fatalf("vote B = %+v, want approved", res)
	}
	if c := waitCompletion(t, firstCollab.completed); !c.approved {
		t.Errorf("completion = %+v, want approved", c)
	}
	if res := vote(second, "B"); res.Success || res.Code != approval.CodeNotFound {
		t.Errorf("vote after approval = %+v, want not_found", res)
	}
	if pending, _ := second.GetPendingRequests(ctx, approval.Filter{}); len(pending) != 1 || pending[0].ID != "apr_2" {
		t.Errorf("pending = %v, want only apr_2", pending)
	}
}

func TestApprovalService_QuorumApproves(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newApprovalFixture(t, twoOfTwo())
	defer f.svc.Close()
	f.create(t, "apr_q")

	res := f.vote(t, "apr_q", "A", true)
	if !res.Success || res.Status != approval.StatusPending || res.Remaining != 1 {
		t.Fatalf("first vote = %+v", res)
	}
	if res.Message != "approval recorded, 1 more needed" {
		t.Errorf("message = %q", res.Message)
	}

	res = f.vote(t, "apr_q", "B", true)
	if !res.Success || res.Status != approval.StatusApproved {
		t.Fatalf("second vote = %+v", res)
	}
	c := waitCompletion(t, f.collab.completed)
	if c.id != "apr_q" || !c.approved || c.status != approval.StatusApproved {
		t.Errorf("completion = %+v", c)
	}
	if !f.timers.all()[0].isStopped() {
		t.Error("timer should be stopped on resolution")
	}
	if _, err := f.svc.GetRequest(context.Background(), "apr_q"); !errors.Is(err, approval.ErrRequestNotFound) {
		t.Errorf("resolved request still indexed: %v", err)
	}
}

func TestApprovalService_RejectWins(t *testing.T) {
	defer goleak.VerifyNone(t)
	cfg := twoOfTwo()
	cfg.Approvers = append(cfg.Approvers, policy.User("C"))
	f := newApprovalFixture(t, cfg)
	defer f.svc.Close()
	f.create(t, "apr_r")

	f.vote(t, "apr_r", "A", true)
	res := f.vote(t, "apr_r", "C", false)
	if res.Status != approval.StatusRejected {
		t.Fatalf("reject vote = %+v", res)
	}
	if c := waitCompletion(t, f.collab.completed); c.approved {
		t.Errorf("completion = %+v, want approved=false", c)
	}
	if res := f.vote(t, "apr_r", "B", true); res.Success || res.Code != approval.CodeNotFound {
		t.Errorf("vote after rejection = %+v, want not_found", res)
	}
}

func TestApprovalService_RefusedVotes(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newApprovalFixture(t, twoOfTwo())
	defer f.svc.Close()
	f.create(t, "apr_v")

	f.vote(t, "apr_v", "A", true)
	tests := []struct {
		name     string
		id       string
		approver string
		want     approval.ResultCode
	}{
		{"duplicate vote", "apr_v", "A", approval.CodeDuplicateVote},
		{"not an approver", "apr_v", "mallory", approval.CodeUnauthorizedApprover},
		{"unknown request", "apr_missing", "A", approval.CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.vote(t, tt.id, tt.approver, true)
			if res.Success || res.Code != tt.want {
				t.Errorf("result = %+v, want %s", res, tt.want)
			}
		})
	}

	r, _ := f.svc.GetRequest(context.Background(), "apr_v")
	if r.ApprovedCount() != 1 {
		t.Errorf("ApprovedCount() = %d, want 1", r.ApprovedCount())
	}
}

func TestApprovalService_Timeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	tests := []struct {
		action       policy.TimeoutAction
		wantApproved bool
	}{
		{policy.TimeoutReject, false},
		{policy.TimeoutApprove, true},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("action=%q", tt.action), func(t *testing.T) {
			cfg := twoOfTwo()
			cfg.TimeoutAction = tt.action
			f := newApprovalFixture(t, cfg)
			defer f.svc.Close()
			f.create(t, "apr_t")

			f.clock.Advance(61 * time.Second)
			f.timers.FireActive()

			c := waitCompletion(t, f.collab.completed)
			if c.status != approval.StatusTimeout || c.approved != tt.wantApproved {
				t.Errorf("completion = %+v, want timeout approved=%v", c, tt.wantApproved)
			}
		})
	}
}

func TestApprovalService_TimerAfterVoteIsNoop(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newApprovalFixture(t, &policy.ApprovalConfig{
		Approvers: []policy.Subject{policy.User("A")}, RequiredApprovals: 1, TimeoutSeconds: 5,
	})
	defer f.svc.Close()
	f.create(t, "apr_race")

	f.vote(t, "apr_race", "A", true)
	// The timer callback was already in flight when the vote resolved.
	f.timers.all()[0].f()

	c := waitCompletion(t, f.collab.completed)
	if !c.approved || c.status != approval.StatusApproved {
		t.Errorf("completion = %+v, want approved", c)
	}
	select {
	case extra := <-f.collab.completed:
		t.Errorf("unexpected second completion %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestApprovalService_Cancel(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newApprovalFixture(t, twoOfTwo())
	f.create(t, "apr_c")

	res, err := f.svc.Cancel(context.Background(), "apr_c", "no longer needed")
	if err != nil || !res.Success || res.Status != approval.StatusCancelled {
		t.Fatalf("Cancel() = %+v, %v", res, err)
	}
	if res.Request.CancelReason != "no longer needed" {
		t.Errorf("CancelReason = %q", res.Request.CancelReason)
	}
	if !f.timers.all()[0].isStopped() {
		t.Error("timer should be stopped on cancel")
	}
	if res, _ := f.svc.Cancel(context.Background(), "apr_c", ""); res.Success || res.Code != approval.CodeNotFound {
		t.Errorf("second Cancel() = %+v, want not_found", res)
	}

	f.svc.Close()
	select {
	case c := <-f.collab.completed:
		t.Errorf("cancel must not call the completion handler, got %+v", c)
	default:
	}
}

func TestApprovalService_ConcurrentVotesResolveOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	const n = 20
	approvers := make([]policy.Subject, n)
	for i := range approvers {
		approvers[i] = policy.User(fmt.Sprintf("u%d", i))
	}
	f := newApprovalFixture(t, &policy.ApprovalConfig{Approvers: approvers, RequiredApprovals: 5})
	f.create(t, "apr_cc")

	var wg sync.WaitGroup
	var mu sync.Mutex
	approvedResults := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.ProcessAction(context.Background(), approval.Action{
				RequestID: "apr_cc", Approver: approvers[i], Approved: true,
			})
			if err != nil {
				t.Errorf("ProcessAction() error: %v", err)
				return
			}
			if res.Success && res.Status == approval.StatusApproved {
				mu.Lock()
				approvedResults++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	f.svc.Close()

	if approvedResults != 1 {
		t.Errorf("votes that resolved the request = %d, want exactly 1", approvedResults)
	}
	if got := len(f.collab.completed); got != 1 {
		t.Errorf("completions = %d, want 1", got)
	}
}

func TestApprovalService_QueryAndStats(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newApprovalFixture(t, twoOfTwo())
	defer f.svc.Close()
	ctx := context.Background()

	f.create(t, "apr_1")
	f.clock.Advance(time.Minute)
	other := refundContext()
	other.Subject = policy.User("gary")
	other.AgentID = "agent-2"
	if _, err := f.svc.CreateRequest(ctx, CreateInput{Context: other, ApprovalID: "apr_2"}); err != nil {
		t.Fatal(err)
	}

	approverA := policy.User("A")
	gary := policy.User("gary")
	tests := []struct {
		name   string
		filter approval.Filter
		want   []string
	}{
		{"all", approval.Filter{}, []string{"apr_1", "apr_2"}},
		{"by agent", approval.Filter{AgentID: "agent-2"}, []string{"apr_2"}},
		{"by approver", approval.Filter{Approver: &approverA}, []string{"apr_1", "apr_2"}},
		{"by requester and agent", approval.Filter{Requester: &gary, AgentID: "agent-1"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.svc.GetPendingRequests(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d requests, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("request %d = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}

	f.clock.Advance(time.Minute)
	stats, err := f.svc.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Pending != 2 || stats.ByAgent["agent-1"] != 1 || stats.ByRequester["user:gary"] != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.OldestID != "apr_1" || stats.OldestAge != 2*time.Minute {
		t.Errorf("oldest = %s age %v, want apr_1 2m", stats.OldestID, stats.OldestAge)
	}
}

func TestApprovalService_Restore(t *testing.T) {
	defer goleak.VerifyNone(t)
	ctx := context.Background()
	f := newApprovalFixture(t, twoOfTwo())

	now := f.clock.Now()
	expired := approval.NewRequest("apr_old", refundContext(), "", *twoOfTwo(), now.Add(-2*time.Minute))
	live := approval.NewRequest("apr_live", refundContext(), "", *twoOfTwo(), now.Add(-30*time.Second))
	forever := approval.NewRequest("apr_forever", refundContext(), "", policy.ApprovalConfig{
		Approvers: []policy.Subject{policy.User("A")}, RequiredApprovals: 1,
	}, now)
	for _, r := range []*approval.Request{expired, live, forever} {
		if err := f.repo.Save(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := f.svc.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	if pending != 2 {
		t.Errorf("Restore() = %d pending, want 2", pending)
	}
	c := waitCompletion(t, f.collab.completed)
	if c.id != "apr_old" || c.status != approval.StatusTimeout {
		t.Errorf("completion = %+v, want apr_old timeout", c)
	}
	timers := f.timers.all()
	if len(timers) != 1 || timers[0].d != 30*time.Second {
		t.Errorf("timers = %+v, want one 30s timer for apr_live", timers)
	}
	f.svc.Close()
}

func TestApprovalService_Metrics(t *testing.T) {
	defer goleak.VerifyNone(t)
	metrics := NewMetrics(prometheus.NewRegistry())
	f := newApprovalFixture(t, twoOfTwo(), WithApprovalMetrics(metrics))
	defer f.svc.Close()

	f.create(t, "apr_m1")
	f.create(t, "apr_m2")
	f.vote(t, "apr_m1", "A", false)

	if got := testutil.ToFloat64(metrics.ApprovalsCreated); got != 2 {
		t.Errorf("created = %v, want 2", got)
	}
	if got := testutil.ToFloat64(metrics.ApprovalsPending); got != 1 {
		t.Errorf("pending = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.ApprovalsResolved.WithLabelValues(string(approval.StatusRejected))); got != 1 {
		t.Errorf("rejected = %v, want 1", got)
	}
}

func TestApprovalService_RequestLimit(t *testing.T) {
	defer goleak.VerifyNone(t)
	metrics := NewMetrics(prometheus.NewRegistry())
	limiter := memory.NewRateLimiter(time.Hour, discardLogger())
	f := newApprovalFixture(t, twoOfTwo(),
		WithApprovalTenant("acme"),
		WithApprovalMetrics(metrics),
		WithRequestLimit(limiter, ratelimit.Config{Rate: 2, Period: 10 * time.Minute}),
	)
	defer f.svc.Close()
	limiter.SetClock(f.clock.Now)

	f.create(t, "apr_1")
	f.create(t, "apr_2")
	f.create(t, "apr_1") // pending duplicate is not counted

	_, err := f.svc.CreateRequest(context.Background(), CreateInput{Context: refundContext(), ApprovalID: "apr_3"})
	if !errors.Is(err, approval.ErrThrottled) {
		t.Fatalf("third request error = %v, want ErrThrottled", err)
	}
	var throttled *approval.ThrottledError
	if !errors.As(err, &throttled) || throttled.RetryAfter != 5*time.Minute || throttled.Requester != "user:fiona" {
		t.Errorf("throttled = %+v", throttled)
	}
	if _, err := f.repo.Get(context.Background(), "apr_3"); !errors.Is(err, approval.ErrRequestNotFound) {
		t.Errorf("throttled request was stored: %v", err)
	}
	if got := testutil.ToFloat64(metrics.ApprovalsThrottled); got != 1 {
		t.Errorf("throttled = %v, want 1", got)
	}

	other := refundContext()
	other.Subject = policy.User("gary")
	if _, err := f.svc.CreateRequest(context.Background(), CreateInput{Context: other, ApprovalID: "apr_g"}); err != nil {
		t.Errorf("another requester should have its own budget: %v", err)
	}

	f.clock.Advance(5 * time.Minute)
	f.create(t, "apr_3")
}

func TestApprovalService_ClosedRejectsCreate(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newApprovalFixture(t, twoOfTwo())
	f.svc.Close()
	if _, err := f.svc.CreateRequest(context.Background(), CreateInput{Context: refundContext()}); !errors.Is(err, ErrServiceClosed) {
		t.Errorf("error = %v, want ErrServiceClosed", err)
	}
}
