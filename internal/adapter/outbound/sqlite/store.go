// Package sqlite stores pending approvals, configuration history and
// decision audit records in a single SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/Sentinel-Gate/agentguard/internal/domain/approval"
	"github.com/Sentinel-Gate/agentguard/internal/domain/audit"
)

const schema = `
CREATE TABLE IF NOT EXISTS approvals (
	tenant     TEXT NOT NULL DEFAULT '',
	id         TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	version    INTEGER NOT NULL DEFAULT 0,
	body       TEXT NOT NULL,
	PRIMARY KEY (tenant, id)
);
CREATE TABLE IF NOT EXISTS config_history (
	id        TEXT PRIMARY KEY,
	ts        INTEGER NOT NULL,
	tenant    TEXT NOT NULL,
	body      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS config_history_tenant_ts ON config_history(tenant, ts);
CREATE TABLE IF NOT EXISTS decisions (
	id         TEXT PRIMARY KEY,
	ts         INTEGER NOT NULL,
	subject_id TEXT NOT NULL,
	tool_name  TEXT NOT NULL,
	result     TEXT NOT NULL,
	session_id TEXT NOT NULL,
	body       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS decisions_ts ON decisions(ts);
`

// Store is an approval.Repository, audit.HistoryStore, audit.Store and
// audit.QueryStore over one database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var (
	_ approval.Repository = (*Store)(nil)
	_ audit.HistoryStore  = (*Store)(nil)
	_ audit.Store         = (*Store)(nil)
	_ audit.QueryStore    = (*Store)(nil)
)

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single connection keeps :memory: databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := addVersionColumn(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Debug("sqlite store opened", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// addVersionColumn upgrades approvals tables created before rows carried a
// version.
func addVersionColumn(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `SELECT name FROM pragma_table_info('approvals')`)
	if err != nil {
		return fmt.Errorf("inspect approvals table: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("inspect approvals table: %w", err)
		}
		if name == "version" {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect approvals table: %w", err)
	}
	_ = rows.Close()
	if _, err := db.ExecContext(ctx, `ALTER TABLE approvals ADD COLUMN version INTEGER NOT NULL DEFAULT 0`); err != nil {
		return fmt.Errorf("add approvals.version: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Approvals is the approval.Repository of one tenant inside a shared
// database.
type Approvals struct {
	store  *Store
	tenant string
}

var _ approval.Repository = (*Approvals)(nil)

// ForTenant returns the approval repository scoped to tenant. It shares the
// store's connection; closing the Store closes it.
func (s *Store) ForTenant(tenant string) *Approvals {
	return &Approvals{store: s, tenant: tenant}
}

// Create inserts r in the default tenant.
func (s *Store) Create(ctx context.Context, r *approval.Request) error {
	return s.ForTenant("").Create(ctx, r)
}

// Update changes one request of the default tenant.
func (s *Store) Update(ctx context.Context, id string, fn approval.UpdateFunc) error {
	return s.ForTenant("").Update(ctx, id, fn)
}

// Save upserts r in the default tenant.
func (s *Store) Save(ctx context.Context, r *approval.Request) error {
	return s.ForTenant("").Save(ctx, r)
}

// Get loads one request of the default tenant.
func (s *Store) Get(ctx context.Context, id string) (*approval.Request, error) {
	return s.ForTenant("").Get(ctx, id)
}

// Delete removes id from the default tenant.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.ForTenant("").Delete(ctx, id)
}

// List returns every request of the default tenant, oldest first.
func (s *Store) List(ctx context.Context) ([]*approval.Request, error) {
	return s.ForTenant("").List(ctx)
}

// maxUpdateAttempts bounds the compare-and-swap retries of Update.
const maxUpdateAttempts = 8

// Create inserts r unless its id exists.
func (a *Approvals) Create(ctx context.Context, r *approval.Request) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal approval %s: %w", r.ID, err)
	}
	res, err := a.store.db.ExecContext(ctx,
		`INSERT INTO approvals(tenant, id, created_at, body) VALUES(?, ?, ?, ?)
		 ON CONFLICT(tenant, id) DO NOTHING`,
		a.tenant, r.ID, r.CreatedAt.UnixNano(), string(body))
	if err != nil {
		return fmt.Errorf("create approval %s: %w", r.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("create approval %s: %w", r.ID, err)
	} else if n == 0 {
		return approval.ErrDuplicateRequest
	}
	return nil
}

// Update applies fn with optimistic concurrency: the row is written back
// only if its version is unchanged since it was read, otherwise fn runs
// again on the fresh row.
func (a *Approvals) Update(ctx context.Context, id string, fn approval.UpdateFunc) error {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		r, version, err := a.load(ctx, id)
		if err != nil {
			return err
		}
		change, err := fn(r)
		if err != nil {
			return err
		}

		var res sql.Result
		switch change {
		case approval.Put:
			body, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("marshal approval %s: %w", id, err)
			}
			res, err = a.store.db.ExecContext(ctx,
				`UPDATE approvals SET body = ?, version = version + 1
				 WHERE tenant = ? AND id = ? AND version = ?`,
				string(body), a.tenant, id, version)
			if err != nil {
				return fmt.Errorf("update approval %s: %w", id, err)
			}
		case approval.Remove:
			res, err = a.store.db.ExecContext(ctx,
				`DELETE FROM approvals WHERE tenant = ? AND id = ? AND version = ?`,
				a.tenant, id, version)
			if err != nil {
				return fmt.Errorf("delete approval %s: %w", id, err)
			}
		default:
			return nil
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update approval %s: %w", id, err)
		}
		if n == 1 {
			return nil
		}
		a.store.logger.Debug("approval changed concurrently, retrying", "tenant", a.tenant, "id", id, "attempt", attempt+1)
	}
	return fmt.Errorf("update approval %s: %w", id, approval.ErrUpdateConflict)
}

// Save upserts r.
func (a *Approvals) Save(ctx context.Context, r *approval.Request) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal approval %s: %w", r.ID, err)
	}
	_, err = a.store.db.ExecContext(ctx,
		`INSERT INTO approvals(tenant, id, created_at, body) VALUES(?, ?, ?, ?)
		 ON CONFLICT(tenant, id) DO UPDATE SET body = excluded.body, version = approvals.version + 1`,
		a.tenant, r.ID, r.CreatedAt.UnixNano(), string(body))
	if err != nil {
		return fmt.Errorf("save approval %s: %w", r.ID, err)
	}
	return nil
}

// Get loads one request.
func (a *Approvals) Get(ctx context.Context, id string) (*approval.Request, error) {
	r, _, err := a.load(ctx, id)
	return r, err
}

func (a *Approvals) load(ctx context.Context, id string) (*approval.Request, int64, error) {
	var (
		body    string
		version int64
	)
	err := a.store.db.QueryRowContext(ctx,
		`SELECT body, version FROM approvals WHERE tenant = ? AND id = ?`, a.tenant, id).Scan(&body, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, approval.ErrRequestNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get approval %s: %w", id, err)
	}
	var r approval.Request
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, 0, fmt.Errorf("decode approval %s: %w", id, err)
	}
	return &r, version, nil
}

// Delete removes id.
func (a *Approvals) Delete(ctx context.Context, id string) error {
	if _, err := a.store.db.ExecContext(ctx,
		`DELETE FROM approvals WHERE tenant = ? AND id = ?`, a.tenant, id); err != nil {
		return fmt.Errorf("delete approval %s: %w", id, err)
	}
	return nil
}

// List returns every request, oldest first.
func (a *Approvals) List(ctx context.Context) ([]*approval.Request, error) {
	rows, err := a.store.db.QueryContext(ctx,
		`SELECT id, body FROM approvals WHERE tenant = ? ORDER BY created_at, id`, a.tenant)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*approval.Request
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		var r approval.Request
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			a.store.logger.Warn("skipping undecodable approval", "tenant", a.tenant, "id", id, "error", err)
			continue
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// AppendHistory stores a configuration change record.
func (s *Store) AppendHistory(ctx context.Context, rec audit.HistoryRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal history %s: %w", rec.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO config_history(id, ts, tenant, body) VALUES(?, ?, ?, ?)`,
		rec.ID, rec.Timestamp.UnixNano(), rec.Tenant, string(body))
	if err != nil {
		return fmt.Errorf("append history %s: %w", rec.ID, err)
	}
	return nil
}

// ListHistory returns records for tenant (all tenants when empty), newest first.
func (s *Store) ListHistory(ctx context.Context, tenant string, limit int) ([]audit.HistoryRecord, error) {
	if limit <= 0 {
		limit = audit.DefaultQueryLimit
	}
	q := `SELECT body FROM config_history`
	var args []any
	if tenant != "" {
		q += ` WHERE tenant = ?`
		args = append(args, tenant)
	}
	q += ` ORDER BY ts DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []audit.HistoryRecord
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		var rec audit.HistoryRecord
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Append inserts decision records in one transaction.
func (s *Store) Append(ctx context.Context, records ...audit.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO decisions(id, ts, subject_id, tool_name, result, session_id, body)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, rec := range records {
		body, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal audit record: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, rec.ID, rec.Timestamp.UnixNano(), rec.Subject.ID,
			rec.ToolName, rec.Result, rec.SessionID, string(body)); err != nil {
			return fmt.Errorf("insert audit record %s: %w", rec.ID, err)
		}
	}
	return tx.Commit()
}

// Flush is a no-op; Append commits synchronously.
func (s *Store) Flush(context.Context) error { return nil }

// Query returns decision records matching filter, newest first.
func (s *Store) Query(ctx context.Context, filter audit.Filter) ([]audit.Record, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		where = append(where, clause)
		args = append(args, v)
	}
	if !filter.StartTime.IsZero() {
		add("ts >= ?", filter.StartTime.UnixNano())
	}
	if !filter.EndTime.IsZero() {
		add("ts <= ?", filter.EndTime.UnixNano())
	}
	if filter.SubjectID != "" {
		add("subject_id = ?", filter.SubjectID)
	}
	if filter.ToolName != "" {
		add("tool_name = ?", filter.ToolName)
	}
	if filter.Result != "" {
		add("result = ?", filter.Result)
	}
	if filter.SessionID != "" {
		add("session_id = ?", filter.SessionID)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = audit.DefaultQueryLimit
	}

	q := `SELECT body FROM decisions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += ` ORDER BY ts DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []audit.Record
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		var rec audit.Record
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, fmt.Errorf("decode decision: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PurgeDecisions deletes decision records older than cutoff and returns how
// many were removed.
func (s *Store) PurgeDecisions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM decisions WHERE ts < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge decisions: %w", err)
	}
	return res.RowsAffected()
}
