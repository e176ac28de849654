package approval

import (
	"context"
	"sort"
	"time"
)

// Change tells Repository.Update what to persist after its UpdateFunc ran.
type Change int

const (
	// Keep leaves the stored request untouched.
	Keep Change = iota
	// Put stores the modified request.
	Put
	// Remove deletes the request.
	Remove
)

// UpdateFunc modifies r in place and reports what to persist. It may run
// more than once if another writer changed the request in between, so it
// must only set its own result variables.
type UpdateFunc func(r *Request) (Change, error)

// Repository holds live (pending) requests. Implementations must make a
// saved request survive until Delete; durable implementations keep it across
// process restarts.
//
// Create, Update and Delete touch one request each and never overwrite
// other requests, even when several processes share the storage.
type Repository interface {
	// Create inserts r, or returns ErrDuplicateRequest when its id exists.
	Create(ctx context.Context, r *Request) error
	// Update loads id, runs fn on it and applies the returned Change
	// atomically with respect to every other writer. It returns
	// ErrRequestNotFound when id is absent and fn's error unchanged.
	Update(ctx context.Context, id string, fn UpdateFunc) error
	// Save inserts or replaces a request.
	Save(ctx context.Context, r *Request) error
	// Get returns a copy of the request or ErrRequestNotFound.
	Get(ctx context.Context, id string) (*Request, error)
	// Delete removes a request. Deleting an unknown id is not an error.
	Delete(ctx context.Context, id string) error
	// List returns every stored request.
	List(ctx context.Context) ([]*Request, error)
}

// Notifier is told about new requests. Called at most once per request.
type Notifier interface {
	NotifyApprovalRequest(ctx context.Context, r *Request) error
}

// CompletionHandler is told about approved, rejected and timed-out requests.
type CompletionHandler interface {
	OnApprovalCompleted(ctx context.Context, r *Request, approved bool) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, r *Request) error

func (f NotifierFunc) NotifyApprovalRequest(ctx context.Context, r *Request) error { return f(ctx, r) }

// CompletionFunc adapts a function to CompletionHandler.
type CompletionFunc func(ctx context.Context, r *Request, approved bool) error

func (f CompletionFunc) OnApprovalCompleted(ctx context.Context, r *Request, approved bool) error {
	return f(ctx, r, approved)
}

// Stats summarizes pending requests for dashboards.
type Stats struct {
	Pending     int            `json:"pending"`
	ByAgent     map[string]int `json:"byAgent"`
	ByRequester map[string]int `json:"byRequester"`
	// OldestID is empty when nothing is pending.
	OldestID        string        `json:"oldestId,omitempty"`
	OldestCreatedAt time.Time     `json:"oldestCreatedAt,omitempty"`
	OldestAge       time.Duration `json:"oldestAge"`
}

// ComputeStats summarizes the pending requests among reqs.
func ComputeStats(reqs []*Request, now time.Time) Stats {
	s := Stats{ByAgent: map[string]int{}, ByRequester: map[string]int{}}
	var oldest *Request
	for _, r := range reqs {
		if r.Status != StatusPending {
			continue
		}
		s.Pending++
		s.ByAgent[r.AgentID]++
		s.ByRequester[r.Requester.Key()]++
		if oldest == nil || r.CreatedAt.Before(oldest.CreatedAt) {
			oldest = r
		}
	}
	if oldest != nil {
		s.OldestID = oldest.ID
		s.OldestCreatedAt = oldest.CreatedAt
		s.OldestAge = now.Sub(oldest.CreatedAt)
	}
	return s
}

// SortByCreated orders requests oldest first, breaking ties by id.
func SortByCreated(reqs []*Request) {
	sort.Slice(reqs, func(i, j int) bool {
		if !reqs[i].CreatedAt.Equal(reqs[j].CreatedAt) {
			return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
		}
		return reqs[i].ID < reqs[j].ID
	})
}
