package audit

import (
	"context"
	"time"
)

// Store persists audit records.
type Store interface {
	// Append stores audit records.
	Append(ctx context.Context, records ...Record) error

	// Flush forces pending records to storage. Called during shutdown.
	Flush(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Filter specifies query parameters for recent audit records.
// Zero-valued fields are ignored.
type Filter struct {
	StartTime time.Time
	EndTime   time.Time
	SubjectID string
	ToolName  string
	Result    string
	SessionID string
	// Limit caps the number of records returned (default 100).
	Limit int
}

// DefaultQueryLimit is used when Filter.Limit is not positive.
const DefaultQueryLimit = 100

// Matches reports whether r satisfies every set field of f.
func (f Filter) Matches(r Record) bool {
	if !f.StartTime.IsZero() && r.Timestamp.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && r.Timestamp.After(f.EndTime) {
		return false
	}
	if f.SubjectID != "" && r.Subject.ID != f.SubjectID {
		return false
	}
	if f.ToolName != "" && r.ToolName != f.ToolName {
		return false
	}
	if f.Result != "" && r.Result != f.Result {
		return false
	}
	if f.SessionID != "" && r.SessionID != f.SessionID {
		return false
	}
	return true
}

// QueryStore provides read access to recent audit records, newest first.
type QueryStore interface {
	Query(ctx context.Context, filter Filter) ([]Record, error)
}

// HistoryStore receives permission configuration change records.
type HistoryStore interface {
	AppendHistory(ctx context.Context, record HistoryRecord) error
	// ListHistory returns records for tenant, newest first. An empty tenant lists all.
	ListHistory(ctx context.Context, tenant string, limit int) ([]HistoryRecord, error)
}
