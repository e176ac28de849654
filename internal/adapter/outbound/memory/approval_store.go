package memory

import (
	"context"
	"sync"

	"github.com/Sentinel-Gate/agentguard/internal/domain/approval"
)

// ApprovalStore is an in-memory approval.Repository. Requests are lost on
// restart; use it for tests and single-process deployments.
type ApprovalStore struct {
	mu       sync.RWMutex
	requests map[string]*approval.Request
}

// NewApprovalStore creates an empty store.
func NewApprovalStore() *ApprovalStore {
	return &ApprovalStore{requests: make(map[string]*approval.Request)}
}

// Create stores a copy of r unless its id is taken.
func (s *ApprovalStore) Create(_ context.Context, r *approval.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[r.ID]; ok {
		return approval.ErrDuplicateRequest
	}
	s.requests[r.ID] = r.Clone()
	return nil
}

// Update runs fn on a copy of id under the store lock.
func (s *ApprovalStore) Update(_ context.Context, id string, fn approval.UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.requests[id]
	if !ok {
		return approval.ErrRequestNotFound
	}
	r := cur.Clone()
	change, err := fn(r)
	if err != nil {
		return err
	}
	switch change {
	case approval.Put:
		s.requests[id] = r
	case approval.Remove:
		delete(s.requests, id)
	}
	return nil
}

// Save stores a copy of r.
func (s *ApprovalStore) Save(_ context.Context, r *approval.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[r.ID] = r.Clone()
	return nil
}

// Get returns a copy of the request.
func (s *ApprovalStore) Get(_ context.Context, id string) (*approval.Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, approval.ErrRequestNotFound
	}
	return r.Clone(), nil
}

// Delete removes the request.
func (s *ApprovalStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, id)
	return nil
}

// List returns copies of every stored request, oldest first.
func (s *ApprovalStore) List(context.Context) ([]*approval.Request, error) {
	s.mu.RLock()
	out := make([]*approval.Request, 0, len(s.requests))
	for _, r := range s.requests {
		out = append(out, r.Clone())
	}
	s.mu.RUnlock()
	approval.SortByCreated(out)
	return out, nil
}

var _ approval.Repository = (*ApprovalStore)(nil)
