package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Sentinel-Gate/agentguard/internal/domain/audit"
	"github.com/Sentinel-Gate/agentguard/internal/domain/policy"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func makeRecord(ts time.Time, id, result string) audit.Record {
	return audit.Record{
		ID:        id,
		Timestamp: ts,
		Subject:   policy.User("alice"),
		ToolName:  "file_read",
		Result:    result,
		SessionID: "sess-1",
	}
}

func newStore(t *testing.T, cfg FileConfig) *FileStore {
	t.Helper()
	store, err := NewFileStore(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore() error: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func readLines(t *testing.T, path string) []audit.Record {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer func() { _ = f.Close() }()

	var out []audit.Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec audit.Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("invalid JSON line %q: %v", scanner.Text(), err)
		}
		out = append(out, rec)
	}
	return out
}

func TestNewFileStore_CreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "audit")
	newStore(t, FileConfig{Dir: dir})

	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("directory not created: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Errorf("permissions = %o, want 0700", perm)
	}
}

func TestFileStore_AppendWritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	store := newStore(t, FileConfig{Dir: dir})

	now := time.Now().UTC()
	recs := []audit.Record{
		makeRecord(now, "a1", audit.ResultAllowed),
		makeRecord(now, "a2", audit.ResultDenied),
	}
	if err := store.Append(context.Background(), recs...); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if err := store.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error: %v", err)
	}

	got := readLines(t, filepath.Join(dir, logFilename(now.Format(dateLayout), 0)))
	if len(got) != 2 {
		t.Fatalf("lines = %d, want 2", len(got))
	}
	if got[0].ID != "a1" || got[1].Result != audit.ResultDenied {
		t.Errorf("unexpected records: %+v", got)
	}
}

func TestFileStore_DateRotation(t *testing.T) {
	dir := t.TempDir()
	store := newStore(t, FileConfig{Dir: dir})

	now := time.Now().UTC()
	yesterday := now.AddDate(0, 0, -1)
	if err := store.Append(context.Background(),
		makeRecord(yesterday, "old", audit.ResultAllowed),
		makeRecord(now, "new", audit.ResultAllowed),
	); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	for _, name := range []string{
		logFilename(yesterday.Format(dateLayout), 0),
		logFilename(now.Format(dateLayout), 0),
	} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected file %s: %v", name, err)
		}
	}
}

func TestFileStore_SizeRotation(t *testing.T) {
	dir := t.TempDir()
	store := newStore(t, FileConfig{Dir: dir, MaxFileSizeMB: 1})
	// Force rotation without writing a megabyte.
	store.maxFileSize = 200

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		if err := store.Append(context.Background(), makeRecord(now, fmt.Sprintf("r%d", i), audit.ResultAllowed)); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	files := store.listFiles()
	if len(files) < 2 {
		t.Fatalf("files = %d, want at least 2 after size rotation", len(files))
	}
	if files[len(files)-1].suffix == 0 {
		t.Errorf("newest file should carry a suffix, got %s", files[len(files)-1].name)
	}
}

func TestFileStore_RetentionCleanup(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().UTC().AddDate(0, 0, -30).Format(dateLayout)
	stale := filepath.Join(dir, logFilename(old, 0))
	if err := os.WriteFile(stale, []byte("{}\n"), 0600); err != nil {
		t.Fatal(err)
	}
	unrelated := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(unrelated, []byte("keep"), 0600); err != nil {
		t.Fatal(err)
	}

	newStore(t, FileConfig{Dir: dir, RetentionDays: 7})

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Errorf("stale file should be removed, stat err = %v", err)
	}
	if _, err := os.Stat(unrelated); err != nil {
		t.Errorf("unrelated file should be kept: %v", err)
	}
}

func TestFileStore_WarmsFromNewestFile(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().UTC()

	first, err := NewFileStore(FileConfig{Dir: dir}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	_ = first.Append(context.Background(),
		makeRecord(now, "w1", audit.ResultAllowed),
		makeRecord(now.Add(time.Second), "w2", audit.ResultDenied),
	)
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	second := newStore(t, FileConfig{Dir: dir})
	got, err := second.Query(context.Background(), audit.Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "w2" {
		t.Fatalf("warm cache = %+v, want w2 then w1", got)
	}
}

func TestFileStore_Query(t *testing.T) {
	store := newStore(t, FileConfig{Dir: t.TempDir(), CacheSize: 3})
	now := time.Now().UTC()
	for i, result := range []string{audit.ResultAllowed, audit.ResultDenied, audit.ResultAllowed, audit.ResultDenied} {
		_ = store.Append(context.Background(), makeRecord(now.Add(time.Duration(i)*time.Second), fmt.Sprintf("q%d", i), result))
	}

	tests := []struct {
		name   string
		filter audit.Filter
		want   []string
	}{
		{"ring keeps newest three", audit.Filter{}, []string{"q3", "q2", "q1"}},
		{"by result", audit.Filter{Result: audit.ResultDenied}, []string{"q3", "q1"}},
		{"limit", audit.Filter{Limit: 1}, []string{"q3"}},
		{"by subject miss", audit.Filter{SubjectID: "bob"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.Query(context.Background(), tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d records, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].ID != id {
					t.Errorf("record %d = %s, want %s", i, got[i].ID, id)
				}
			}
		})
	}
}

func TestFileStore_AppendAfterClose(t *testing.T) {
	store, err := NewFileStore(FileConfig{Dir: t.TempDir()}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
	if err := store.Append(context.Background(), makeRecord(time.Now(), "x", audit.ResultAllowed)); err == nil {
		t.Error("Append() after Close should fail")
	}
}

func TestFileStore_NoGoroutineLeak(t *testing.T) {
	defer goleak.VerifyNone(t)
	store, err := NewFileStore(FileConfig{Dir: t.TempDir(), CleanupInterval: 10 * time.Millisecond}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	_ = store.Close()
}

func TestParseLogFilename(t *testing.T) {
	tests := []struct {
		name   string
		ok     bool
		suffix int
	}{
		{"decisions-2026-01-02.jsonl", true, 0},
		{"decisions-2026-01-02-4.jsonl", true, 4},
		{"audit-2026-01-02.log", false, 0},
		{"decisions-2026-01-02.jsonl.bak", false, 0},
	}
	for _, tt := range tests {
		lf, ok := parseLogFilename(tt.name)
		if ok != tt.ok || lf.suffix != tt.suffix {
			t.Errorf("parseLogFilename(%q) = %+v, %v", tt.name, lf, ok)
		}
	}
}
