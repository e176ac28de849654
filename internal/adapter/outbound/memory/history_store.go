package memory

import (
	"context"
	"sync"

	"github.com/Sentinel-Gate/agentguard/internal/domain/audit"
)

// HistoryStore keeps configuration history records in memory.
type HistoryStore struct {
	mu      sync.Mutex
	records []audit.HistoryRecord
}

// NewHistoryStore creates an empty history store.
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{}
}

// AppendHistory appends a record.
func (s *HistoryStore) AppendHistory(_ context.Context, record audit.HistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

// ListHistory returns up to limit records for tenant, newest first.
func (s *HistoryStore) ListHistory(_ context.Context, tenant string, limit int) ([]audit.HistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = audit.DefaultQueryLimit
	}
	var out []audit.HistoryRecord
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		if tenant == "" || s.records[i].Tenant == tenant {
			out = append(out, s.records[i])
		}
	}
	return out, nil
}

var _ audit.HistoryStore = (*HistoryStore)(nil)
