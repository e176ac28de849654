package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/Sentinel-Gate/agentguard/internal/domain/approval"
)

// ApprovalStore is an approval.Repository backed by a JSON file. Reads
// always go to the file. Each mutation re-reads the file under an flock,
// changes the one request it is about and rewrites the document, so
// processes sharing the file do not overwrite each other.
type ApprovalStore struct {
	path   string
	logger *slog.Logger

	mu sync.Mutex
}

var _ approval.Repository = (*ApprovalStore)(nil)

// NewApprovalStore checks that path holds a readable document, or is
// missing, and returns a store over it.
func NewApprovalStore(path string, logger *slog.Logger) (*ApprovalStore, error) {
	s := &ApprovalStore{path: path, logger: logger}
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	if doc == nil {
		logger.Info("approval state not found, starting empty", "path", path)
		return s, nil
	}
	if runtime.GOOS != "windows" {
		if info, statErr := os.Stat(path); statErr == nil {
			if mode := info.Mode().Perm(); mode&0077 != 0 {
				logger.Warn("approval state has too-open permissions, should be 0600",
					"path", path, "current_mode", fmt.Sprintf("%04o", mode))
			}
		}
	}
	return s, nil
}

// load reads the document. A missing file yields nil.
func (s *ApprovalStore) load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read approval state: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse approval state: %w", err)
	}
	if doc.Version != "" && doc.Version != SchemaVersion {
		return nil, fmt.Errorf("unsupported approval state version %q", doc.Version)
	}
	return &doc, nil
}

func (s *ApprovalStore) requests() (map[string]*approval.Request, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	reqs := make(map[string]*approval.Request)
	if doc == nil {
		return reqs, nil
	}
	for _, r := range doc.Requests {
		if r == nil || r.ID == "" {
			continue
		}
		reqs[r.ID] = r
	}
	return reqs, nil
}

// Create inserts r unless its id is already stored.
func (s *ApprovalStore) Create(_ context.Context, r *approval.Request) error {
	return s.mutate(func(reqs map[string]*approval.Request) (bool, error) {
		if _, ok := reqs[r.ID]; ok {
			return false, approval.ErrDuplicateRequest
		}
		reqs[r.ID] = r.Clone()
		return true, nil
	})
}

// Update runs fn on the current stored version of id while holding the
// file lock.
func (s *ApprovalStore) Update(_ context.Context, id string, fn approval.UpdateFunc) error {
	return s.mutate(func(reqs map[string]*approval.Request) (bool, error) {
		r, ok := reqs[id]
		if !ok {
			return false, approval.ErrRequestNotFound
		}
		change, err := fn(r)
		if err != nil {
			return false, err
		}
		switch change {
		case approval.Put:
			return true, nil
		case approval.Remove:
			delete(reqs, id)
			return true, nil
		}
		return false, nil
	})
}

// Save inserts or replaces r.
func (s *ApprovalStore) Save(_ context.Context, r *approval.Request) error {
	return s.mutate(func(reqs map[string]*approval.Request) (bool, error) {
		reqs[r.ID] = r.Clone()
		return true, nil
	})
}

// Get returns the stored request.
func (s *ApprovalStore) Get(_ context.Context, id string) (*approval.Request, error) {
	reqs, err := s.requests()
	if err != nil {
		return nil, err
	}
	r, ok := reqs[id]
	if !ok {
		return nil, approval.ErrRequestNotFound
	}
	return r, nil
}

// Delete removes id. The file is only rewritten when id was present.
func (s *ApprovalStore) Delete(_ context.Context, id string) error {
	return s.mutate(func(reqs map[string]*approval.Request) (bool, error) {
		if _, ok := reqs[id]; !ok {
			return false, nil
		}
		delete(reqs, id)
		return true, nil
	})
}

// List returns all stored requests, oldest first.
func (s *ApprovalStore) List(_ context.Context) ([]*approval.Request, error) {
	reqs, err := s.requests()
	if err != nil {
		return nil, err
	}
	out := make([]*approval.Request, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r)
	}
	approval.SortByCreated(out)
	return out, nil
}

// Path returns the document path.
func (s *ApprovalStore) Path() string {
	return s.path
}

// mutate holds the flock on path.lock while it re-reads the document, lets
// fn change it and, when fn reports a change, persists the result.
func (s *ApprovalStore) mutate(fn func(reqs map[string]*approval.Request) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	lockFile, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()
	if err := flockLock(lockFile.Fd()); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	reqs, err := s.requests()
	if err != nil {
		return err
	}
	changed, err := fn(reqs)
	if err != nil || !changed {
		return err
	}
	return s.persistLocked(reqs)
}

// persistLocked writes reqs. The caller holds the file lock. The current
// file is copied to path.bak, then path.tmp is written, synced and renamed
// over path.
func (s *ApprovalStore) persistLocked(byID map[string]*approval.Request) error {
	if current, readErr := os.ReadFile(s.path); readErr == nil {
		if writeErr := os.WriteFile(s.path+".bak", current, 0600); writeErr != nil {
			s.logger.Warn("failed to write approval state backup", "error", writeErr)
		}
	}

	reqs := make([]*approval.Request, 0, len(byID))
	for _, r := range byID {
		reqs = append(reqs, r)
	}
	approval.SortByCreated(reqs)
	doc := Document{Version: SchemaVersion, Requests: reqs, UpdatedAt: time.Now().UTC()}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal approval state: %w", err)
	}
	data = append(data, '\n')
	if err := writeAtomic(s.path, data); err != nil {
		return err
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		s.logger.Warn("failed to set permissions on approval state", "error", err)
	}
	s.logger.Debug("approval state saved", "path", s.path, "pending", len(reqs))
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}
	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp to state: %w", err)
	}
	return nil
}
