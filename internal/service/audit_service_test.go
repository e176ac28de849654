package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/Sentinel-Gate/agentguard/internal/domain/audit"
	"github.com/Sentinel-Gate/agentguard/internal/domain/policy"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingStore keeps appended records and can be slowed down.
type recordingStore struct {
	mu      sync.Mutex
	records []audit.Record
	appends int
	flushes int
	delay   time.Duration
	err     error
}

func (s *recordingStore) Append(_ context.Context, records ...audit.Record) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appends++
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, records...)
	return nil
}

func (s *recordingStore) Flush(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

func (s *recordingStore) Close() error { return nil }

func (s *recordingStore) snapshot() []audit.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Record(nil), s.records...)
}

func testRecord(i int) audit.Record {
	return audit.Record{
		ID:        fmt.Sprintf("rec-%d", i),
		Timestamp: time.Now(),
		Subject:   policy.User("alice"),
		ToolName:  fmt.Sprintf("tool_%d", i),
		Result:    audit.ResultAllowed,
	}
}

func TestAuditService_StopFlushesQueuedRecords(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &recordingStore{}
	svc := NewAuditService(store, discardLogger(),
		WithBatchSize(1000),
		WithFlushInterval(time.Hour),
	)
	svc.Start(context.Background())
	for i := 0; i < 25; i++ {
		svc.Record(testRecord(i))
	}
	svc.Stop()

	got := store.snapshot()
	if len(got) != 25 {
		t.Fatalf("stored %d records, want 25", len(got))
	}
	if got[0].ID != "rec-0" || got[24].ID != "rec-24" {
		t.Errorf("records out of order: first=%s last=%s", got[0].ID, got[24].ID)
	}
	if store.flushes == 0 {
		t.Error("Stop() should flush the store")
	}
}

func TestAuditService_BatchesBySize(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &recordingStore{}
	svc := NewAuditService(store, discardLogger(),
		WithBatchSize(5),
		WithFlushInterval(time.Hour),
	)
	svc.Start(context.Background())
	for i := 0; i < 10; i++ {
		svc.Record(testRecord(i))
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(store.snapshot()) < 10 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	svc.Stop()

	if n := len(store.snapshot()); n != 10 {
		t.Fatalf("stored %d records, want 10", n)
	}
	if store.appends != 2 {
		t.Errorf("appends = %d, want 2 full batches", store.appends)
	}
}

func TestAuditService_FlushInterval(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &recordingStore{}
	svc := NewAuditService(store, discardLogger(),
		WithBatchSize(100),
		WithFlushInterval(10*time.Millisecond),
	)
	svc.Start(context.Background())
	defer svc.Stop()

	svc.Record(testRecord(1))
	deadline := time.Now().Add(2 * time.Second)
	for len(store.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(store.snapshot()) != 1 {
		t.Fatal("partial batch was not flushed by the ticker")
	}
}

func TestAuditService_OverflowDropsAndCounts(t *testing.T) {
	defer goleak.VerifyNone(t)

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, &slog.HandlerOptions{Level: slog.LevelWarn}))

	// Not started: nothing drains the channel.
	svc := NewAuditService(&recordingStore{}, logger,
		WithChannelSize(2),
		WithSendTimeout(0),
		WithAuditMetrics(metrics),
	)
	for i := 0; i < 5; i++ {
		svc.Record(testRecord(i))
	}

	if drops := svc.DroppedRecords(); drops != 3 {
		t.Errorf("DroppedRecords() = %d, want 3", drops)
	}
	if got := testutil.ToFloat64(metrics.AuditDropsTotal); got != 3 {
		t.Errorf("audit_drops_total = %v, want 3", got)
	}
	if !strings.Contains(logBuf.String(), "audit record dropped") {
		t.Error("expected drop warning in log")
	}
	if svc.ChannelDepth() != 2 {
		t.Errorf("ChannelDepth() = %d, want 2", svc.ChannelDepth())
	}
	svc.Stop()
}

func TestAuditService_SendTimeoutWaitsForSpace(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &recordingStore{delay: 20 * time.Millisecond}
	svc := NewAuditService(store, discardLogger(),
		WithChannelSize(1),
		WithBatchSize(1),
		WithSendTimeout(time.Second),
	)
	svc.Start(context.Background())
	for i := 0; i < 5; i++ {
		svc.Record(testRecord(i))
	}
	svc.Stop()

	if drops := svc.DroppedRecords(); drops != 0 {
		t.Errorf("DroppedRecords() = %d, want 0 with a generous send timeout", drops)
	}
	if n := len(store.snapshot()); n != 5 {
		t.Errorf("stored %d records, want 5", n)
	}
}

func TestAuditService_RecordAfterStopIsDropped(t *testing.T) {
	defer goleak.VerifyNone(t)

	svc := NewAuditService(&recordingStore{}, discardLogger())
	svc.Start(context.Background())
	svc.Stop()
	svc.Stop()

	svc.Record(testRecord(1))
	if svc.DroppedRecords() != 1 {
		t.Errorf("DroppedRecords() = %d, want 1", svc.DroppedRecords())
	}
}

func TestAuditService_StoreErrorIsLogged(t *testing.T) {
	defer goleak.VerifyNone(t)

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))
	store := &recordingStore{err: fmt.Errorf("disk full")}
	svc := NewAuditService(store, logger, WithBatchSize(1))
	svc.Start(context.Background())
	svc.Record(testRecord(1))
	svc.Stop()

	if !strings.Contains(logBuf.String(), "failed to write audit batch") {
		t.Errorf("expected write failure in log, got %q", logBuf.String())
	}
}

func TestAuditService_ConcurrentRecord(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &recordingStore{}
	svc := NewAuditService(store, discardLogger(), WithChannelSize(10_000))
	svc.Start(context.Background())

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				svc.Record(testRecord(g*100 + i))
			}
		}(g)
	}
	wg.Wait()
	svc.Stop()

	if n := len(store.snapshot()); n != 800 {
		t.Errorf("stored %d records, want 800", n)
	}
}
