// Package memory provides in-memory implementations of outbound ports.
package memory

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"github.com/Sentinel-Gate/agentguard/internal/domain/audit"
)

const defaultRecentCap = 1000

// AuditStore implements audit.Store writing JSON lines to a writer.
// It also keeps a bounded ring buffer of recent records for queries.
type AuditStore struct {
	encoder *json.Encoder
	writer  io.Writer
	mu      sync.Mutex
	recent  []audit.Record
	cap     int
}

func resolveCapacity(capacity ...int) int {
	if len(capacity) > 0 && capacity[0] > 0 {
		return capacity[0]
	}
	return defaultRecentCap
}

// NewAuditStoreWithWriter creates an audit store writing JSON lines to w.
// A nil writer keeps records in memory only. An optional capacity sets the
// ring buffer size (default 1000).
func NewAuditStoreWithWriter(w io.Writer, capacity ...int) *AuditStore {
	c := resolveCapacity(capacity...)
	s := &AuditStore{
		writer: w,
		recent: make([]audit.Record, 0, c),
		cap:    c,
	}
	if w != nil {
		s.encoder = json.NewEncoder(w)
	}
	return s
}

// Append writes records and adds them to the ring buffer.
func (s *AuditStore) Append(_ context.Context, records ...audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		if s.encoder != nil {
			if err := s.encoder.Encode(r); err != nil {
				return err
			}
		}
		if len(s.recent) >= s.cap {
			copy(s.recent, s.recent[1:])
			s.recent[len(s.recent)-1] = r
		} else {
			s.recent = append(s.recent, r)
		}
	}
	return nil
}

// Flush is a no-op; writes are not buffered.
func (s *AuditStore) Flush(context.Context) error {
	return nil
}

// Close closes the writer when it is a file other than stdout/stderr.
func (s *AuditStore) Close() error {
	if f, ok := s.writer.(*os.File); ok && f != os.Stdout && f != os.Stderr {
		return f.Close()
	}
	return nil
}

// Query returns records matching filter, newest first.
func (s *AuditStore) Query(_ context.Context, filter audit.Filter) ([]audit.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = audit.DefaultQueryLimit
	}
	var result []audit.Record
	for i := len(s.recent) - 1; i >= 0 && len(result) < limit; i-- {
		if filter.Matches(s.recent[i]) {
			result = append(result, s.recent[i])
		}
	}
	return result, nil
}

var (
	_ audit.Store      = (*AuditStore)(nil)
	_ audit.QueryStore = (*AuditStore)(nil)
)
