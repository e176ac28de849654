package sqlite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/Sentinel-Gate/agentguard/internal/domain/approval"
	"github.com/Sentinel-Gate/agentguard/internal/domain/audit"
	"github.com/Sentinel-Gate/agentguard/internal/domain/policy"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(context.Background(), path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRequest(id string, created time.Time) *approval.Request {
	cc := policy.CheckContext{Subject: policy.User("alice"), ToolName: "deploy", AgentID: "agent-7"}
	cfg := policy.ApprovalConfig{
		Approvers:         []policy.Subject{policy.User("bob"), policy.User("carol")},
		RequiredApprovals: 2,
	}
	return approval.NewRequest(id, cc, "prod deploy", cfg, created)
}

func TestStore_ApprovalLifecycle(t *testing.T) {
	s := openTestStore(t, ":memory:")
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := s.Save(ctx, testRequest("apr_2", base.Add(time.Minute))); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if err := s.Save(ctx, testRequest("apr_1", base)); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	r, err := s.Get(ctx, "apr_1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	r.ApplyVote(approval.Action{RequestID: "apr_1", Approver: policy.User("bob"), Approved: true}, base)
	if err := s.Save(ctx, r); err != nil {
		t.Fatalf("Save() update error: %v", err)
	}

	got, _ := s.Get(ctx, "apr_1")
	if len(got.Approvals) != 1 || got.Remaining() != 1 {
		t.Errorf("update not persisted: %+v", got)
	}

	list, err := s.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != "apr_1" {
		t.Fatalf("List() = %v, want apr_1 first", list)
	}

	if err := s.Delete(ctx, "apr_1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, "apr_1"); !errors.Is(err, approval.ErrRequestNotFound) {
		t.Errorf("Get() after Delete = %v, want ErrRequestNotFound", err)
	}
}

func TestStore_ApprovalsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentguard.db")
	ctx := context.Background()

	first, err := Open(ctx, path, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	if err := first.Save(ctx, testRequest("apr_x", time.Now().UTC())); err != nil {
		t.Fatal(err)
	}
	_ = first.Close()

	second := openTestStore(t, path)
	r, err := second.Get(ctx, "apr_x")
	if err != nil {
		t.Fatalf("Get() after reopen error: %v", err)
	}
	if r.RequiredApprovals != 2 || len(r.Approvers) != 2 {
		t.Errorf("restored request = %+v", r)
	}
}

func TestStore_TenantsAreIsolated(t *testing.T) {
	s := openTestStore(t, ":memory:")
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	acme, globex := s.ForTenant("acme"), s.ForTenant("globex")

	if err := acme.Save(ctx, testRequest("apr_1", base)); err != nil {
		t.Fatal(err)
	}
	if err := globex.Save(ctx, testRequest("apr_1", base.Add(time.Second))); err != nil {
		t.Fatalf("same id in another tenant: %v", err)
	}
	if err := acme.Save(ctx, testRequest("apr_2", base.Add(2*time.Second))); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		repo approval.Repository
		want int
	}{
		{"acme", acme, 2},
		{"globex", globex, 1},
		{"default", s, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.repo.List(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != tt.want {
				t.Errorf("List() = %d requests, want %d", len(got), tt.want)
			}
		})
	}

	if err := globex.Delete(ctx, "apr_1"); err != nil {
		t.Fatal(err)
	}
	if _, err := acme.Get(ctx, "apr_1"); err != nil {
		t.Errorf("deleting in globex removed acme's request: %v", err)
	}
	if _, err := globex.Get(ctx, "apr_1"); !errors.Is(err, approval.ErrRequestNotFound) {
		t.Errorf("globex Get() error = %v, want ErrRequestNotFound", err)
	}
}

func approveAs(approver string) approval.UpdateFunc {
	return func(r *approval.Request) (approval.Change, error) {
		res := r.ApplyVote(approval.Action{RequestID: r.ID, Approver: policy.User(approver), Approved: true}, time.Now())
		switch {
		case !res.Success:
			return approval.Keep, nil
		case r.Status.Terminal():
			return approval.Remove, nil
		}
		return approval.Put, nil
	}
}

func TestStore_UpdateRetriesOnConcurrentWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentguard.db")
	first := openTestStore(t, path).ForTenant("acme")
	second := openTestStore(t, path).ForTenant("acme")
	ctx := context.Background()
	r := testRequest("apr_1", time.Now())
	r.RequiredApprovals = 3
	r.Approvers = append(r.Approvers, policy.User("dave"))
	if err := first.Create(ctx, r); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	calls := 0
	vote := approveAs("bob")
	err := first.Update(ctx, "apr_1", func(r *approval.Request) (approval.Change, error) {
		calls++
		if calls == 1 {
			// Another process records its vote between our read and write.
			if err := second.Update(ctx, "apr_1", approveAs("carol")); err != nil {
				t.Fatalf("concurrent Update() error: %v", err)
			}
		}
		return vote(r)
	})
	if err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if calls != 2 {
		t.Errorf("update func ran %d times, want 2", calls)
	}

	got, err := second.Get(ctx, "apr_1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if len(got.Approvals) != 2 || got.Remaining() != 1 {
		t.Fatalf("votes = %+v, want bob and carol", got.Approvals)
	}

	if err := second.Update(ctx, "apr_1", approveAs("dave")); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	if _, err := first.Get(ctx, "apr_1"); !errors.Is(err, approval.ErrRequestNotFound) {
		t.Errorf("approved request still stored: %v", err)
	}
}

func TestStore_CreateAndUpdateErrors(t *testing.T) {
	s := openTestStore(t, ":memory:").ForTenant("acme")
	ctx := context.Background()
	if err := s.Create(ctx, testRequest("apr_1", time.Now())); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := s.Create(ctx, testRequest("apr_1", time.Now())); !errors.Is(err, approval.ErrDuplicateRequest) {
		t.Errorf("second Create() error = %v, want ErrDuplicateRequest", err)
	}
	if err := s.Update(ctx, "missing", approveAs("bob")); !errors.Is(err, approval.ErrRequestNotFound) {
		t.Errorf("Update(missing) error = %v, want ErrRequestNotFound", err)
	}

	boom := errors.New("boom")
	err := s.Update(ctx, "apr_1", func(r *approval.Request) (approval.Change, error) {
		r.Status = approval.StatusApproved
		return approval.Put, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("Update() error = %v, want boom", err)
	}
	got, _ := s.Get(ctx, "apr_1")
	if got.Status != approval.StatusPending {
		t.Errorf("failed update was persisted: status %s", got.Status)
	}
}

func TestStore_History(t *testing.T) {
	s := openTestStore(t, ":memory:")
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, tenant := range []string{"acme", "globex", "acme"} {
		rec := audit.HistoryRecord{
			ID:        fmt.Sprintf("h%d", i),
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Tenant:    tenant,
			Action:    audit.HistoryConfigUpdated,
			RuleCount: i,
		}
		if err := s.AppendHistory(ctx, rec); err != nil {
			t.Fatalf("AppendHistory() error: %v", err)
		}
	}

	tests := []struct {
		tenant string
		limit  int
		want   []string
	}{
		{"acme", 0, []string{"h2", "h0"}},
		{"", 2, []string{"h2", "h1"}},
		{"initech", 0, nil},
	}
	for _, tt := range tests {
		got, err := s.ListHistory(ctx, tt.tenant, tt.limit)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != len(tt.want) {
			t.Fatalf("ListHistory(%q) = %d records, want %d", tt.tenant, len(got), len(tt.want))
		}
		for i, id := range tt.want {
			if got[i].ID != id {
				t.Errorf("ListHistory(%q)[%d] = %s, want %s", tt.tenant, i, got[i].ID, id)
			}
		}
	}
}

func TestStore_Decisions(t *testing.T) {
	s := openTestStore(t, ":memory:")
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	recs := []audit.Record{
		{ID: "d0", Timestamp: base, Subject: policy.User("alice"), ToolName: "read", Result: audit.ResultAllowed},
		{ID: "d1", Timestamp: base.Add(time.Minute), Subject: policy.User("bob"), ToolName: "write", Result: audit.ResultDenied},
		{ID: "d2", Timestamp: base.Add(2 * time.Minute), Subject: policy.User("alice"), ToolName: "write", Result: audit.ResultApprovalRequired, ApprovalID: "apr_1"},
	}
	if err := s.Append(ctx, recs...); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	tests := []struct {
		name   string
		filter audit.Filter
		want   []string
	}{
		{"all newest first", audit.Filter{}, []string{"d2", "d1", "d0"}},
		{"subject", audit.Filter{SubjectID: "alice"}, []string{"d2", "d0"}},
		{"tool and result", audit.Filter{ToolName: "write", Result: audit.ResultDenied}, []string{"d1"}},
		{"time window", audit.Filter{StartTime: base.Add(30 * time.Second), EndTime: base.Add(90 * time.Second)}, []string{"d1"}},
		{"limit", audit.Filter{Limit: 1}, []string{"d2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Query(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Query() = %d records, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("record %d = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}

	n, err := s.PurgeDecisions(ctx, base.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("PurgeDecisions() = %d, want 1", n)
	}
}
