// Package audit provides the JSON Lines audit store with daily and size
// based rotation, retention cleanup and a ring buffer for recent queries.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Sentinel-Gate/agentguard/internal/domain/audit"
)

const dateLayout = "2006-01-02"

// logFilePattern matches decisions-YYYY-MM-DD.jsonl and decisions-YYYY-MM-DD-N.jsonl.
var logFilePattern = regexp.MustCompile(`^decisions-(\d{4}-\d{2}-\d{2})(?:-(\d+))?\.jsonl$`)

type logFile struct {
	name   string
	date   string
	suffix int
}

func parseLogFilename(name string) (logFile, bool) {
	m := logFilePattern.FindStringSubmatch(name)
	if m == nil {
		return logFile{}, false
	}
	lf := logFile{name: name, date: m[1]}
	if m[2] != "" {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return logFile{}, false
		}
		lf.suffix = n
	}
	return lf, true
}

func logFilename(date string, suffix int) string {
	if suffix == 0 {
		return fmt.Sprintf("decisions-%s.jsonl", date)
	}
	return fmt.Sprintf("decisions-%s-%d.jsonl", date, suffix)
}

// FileConfig configures a FileStore.
type FileConfig struct {
	// Dir holds the log files. Created with 0700 if missing.
	Dir string
	// RetentionDays is how long files are kept (default 7).
	RetentionDays int
	// MaxFileSizeMB triggers size rotation (default 100).
	MaxFileSizeMB int
	// CacheSize is the number of recent records kept for queries (default 1000).
	CacheSize int
	// CleanupInterval is how often retention runs (default 1h).
	CleanupInterval time.Duration
}

// FileStore implements audit.Store and audit.QueryStore on rotated JSON Lines files.
type FileStore struct {
	dir           string
	maxFileSize   int64
	retentionDays int
	logger        *slog.Logger

	mu     sync.Mutex
	file   *os.File
	date   string
	size   int64
	suffix int
	closed bool

	recent *ring

	cancel context.CancelFunc
	done   chan struct{}
}

// NewFileStore opens today's file, applies retention, warms the recent
// ring from the newest file and starts the cleanup loop.
func NewFileStore(cfg FileConfig, logger *slog.Logger) (*FileStore, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 100
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Hour
	}
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}

	s := &FileStore{
		dir:           cfg.Dir,
		maxFileSize:   int64(cfg.MaxFileSizeMB) * 1024 * 1024,
		retentionDays: cfg.RetentionDays,
		logger:        logger,
		recent:        newRing(cfg.CacheSize),
		done:          make(chan struct{}),
	}

	today := time.Now().UTC().Format(dateLayout)
	if err := s.open(today, s.highestSuffix(today)); err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	s.cleanup()
	s.warm()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.cleanupLoop(ctx, cfg.CleanupInterval)
	return s, nil
}

// Append writes each record as one JSON line, rotating by record date and
// by file size.
func (s *FileStore) Append(_ context.Context, records ...audit.Record) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("audit store closed")
	}

	for _, rec := range records {
		date := rec.Timestamp.UTC().Format(dateLayout)
		switch {
		case date != s.date:
			if err := s.reopen(date, 0); err != nil {
				return fmt.Errorf("date rotation: %w", err)
			}
		case s.size >= s.maxFileSize:
			if err := s.reopen(s.date, s.suffix+1); err != nil {
				return fmt.Errorf("size rotation: %w", err)
			}
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal audit record: %w", err)
		}
		n, err := s.file.Write(append(data, '\n'))
		if err != nil {
			return fmt.Errorf("write audit record: %w", err)
		}
		s.size += int64(n)
		s.recent.add(rec)
	}
	return nil
}

// Flush syncs the current file.
func (s *FileStore) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return s.file.Sync()
	}
	return nil
}

// Close stops the cleanup loop and closes the current file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	var err error
	if s.file != nil {
		_ = s.file.Sync()
		err = s.file.Close()
		s.file = nil
	}
	s.mu.Unlock()

	<-s.done
	return err
}

// Query returns recent records matching filter, newest first. Only records
// held in the ring are searched.
func (s *FileStore) Query(_ context.Context, filter audit.Filter) ([]audit.Record, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = audit.DefaultQueryLimit
	}
	var out []audit.Record
	for _, rec := range s.recent.newestFirst() {
		if len(out) >= limit {
			break
		}
		if filter.Matches(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *FileStore) open(date string, suffix int) error {
	name := logFilename(date, suffix)
	f, err := os.OpenFile(filepath.Join(s.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open file %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat file %s: %w", name, err)
	}
	s.file, s.date, s.suffix, s.size = f, date, suffix, info.Size()
	return nil
}

// reopen switches to another file. Must be called with s.mu held.
func (s *FileStore) reopen(date string, suffix int) error {
	if s.file != nil {
		_ = s.file.Sync()
		_ = s.file.Close()
		s.file = nil
	}
	return s.open(date, suffix)
}

func (s *FileStore) listFiles() []logFile {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var files []logFile
	for _, e := range entries {
		if lf, ok := parseLogFilename(e.Name()); ok {
			files = append(files, lf)
		}
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].date != files[j].date {
			return files[i].date < files[j].date
		}
		return files[i].suffix < files[j].suffix
	})
	return files
}

func (s *FileStore) highestSuffix(date string) int {
	highest := 0
	for _, lf := range s.listFiles() {
		if lf.date == date && lf.suffix > highest {
			highest = lf.suffix
		}
	}
	return highest
}

// cleanup deletes files older than the retention period.
func (s *FileStore) cleanup() {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	deleted := 0
	for _, lf := range s.listFiles() {
		day, err := time.Parse(dateLayout, lf.date)
		if err != nil || !day.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, lf.name)); err != nil {
			s.logger.Error("audit cleanup: failed to delete file", "file", lf.name, "error", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		s.logger.Info("audit cleanup completed", "deleted", deleted)
	}
}

func (s *FileStore) cleanupLoop(ctx context.Context, every time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// warm loads the tail of the newest non-empty file into the ring.
func (s *FileStore) warm() {
	files := s.listFiles()
	for i := len(files) - 1; i >= 0; i-- {
		path := filepath.Join(s.dir, files[i].name)
		if info, err := os.Stat(path); err != nil || info.Size() == 0 {
			continue
		}
		s.load(path)
		return
	}
}

func (s *FileStore) load(path string) {
	f, err := os.Open(path)
	if err != nil {
		s.logger.Error("audit warm-up: failed to open file", "path", path, "error", err)
		return
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 256*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec audit.Record
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn("audit warm-up: skipping malformed line", "path", path, "error", err)
			continue
		}
		s.recent.add(rec)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Error("audit warm-up: error reading file", "path", path, "error", err)
	}
}

var (
	_ audit.Store      = (*FileStore)(nil)
	_ audit.QueryStore = (*FileStore)(nil)
)

// ring is a fixed-size buffer of recent records.
type ring struct {
	mu      sync.RWMutex
	entries []audit.Record
	head    int
	count   int
}

func newRing(size int) *ring {
	return &ring{entries: make([]audit.Record, size)}
}

func (r *ring) add(rec audit.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.head] = rec
	r.head = (r.head + 1) % len(r.entries)
	if r.count < len(r.entries) {
		r.count++
	}
}

func (r *ring) newestFirst() []audit.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]audit.Record, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.entries[(r.head-1-i+len(r.entries))%len(r.entries)]
	}
	return out
}
