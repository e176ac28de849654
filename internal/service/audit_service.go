package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sentinel-Gate/agentguard/internal/domain/audit"
)

// AuditRecorder accepts decision audit records without blocking the caller.
type AuditRecorder interface {
	Record(rec audit.Record)
}

// AuditService batches audit records on a buffered channel and writes them
// to a Store from a background worker, so permission checks never wait on
// audit I/O.
type AuditService struct {
	store         audit.Store
	records       chan audit.Record
	wg            sync.WaitGroup
	logger        *slog.Logger
	metrics       *Metrics
	batchSize     int
	flushInterval time.Duration
	channelSize   int
	// sendTimeout 0 drops immediately when the channel is full.
	sendTimeout time.Duration
	dropCount   atomic.Int64

	warningThreshold int
	lastWarning      atomic.Int64

	// mu guards closed against concurrent Record and Stop.
	mu      sync.RWMutex
	closed  bool
	started bool
}

var _ AuditRecorder = (*AuditService)(nil)

// AuditOption configures AuditService.
type AuditOption func(*AuditService)

// WithBatchSize sets the number of records written per Append.
func WithBatchSize(size int) AuditOption {
	return func(s *AuditService) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithFlushInterval sets how often a partial batch is written.
func WithFlushInterval(interval time.Duration) AuditOption {
	return func(s *AuditService) {
		if interval > 0 {
			s.flushInterval = interval
		}
	}
}

// WithChannelSize sets the audit channel buffer.
func WithChannelSize(size int) AuditOption {
	return func(s *AuditService) {
		if size > 0 {
			s.records = make(chan audit.Record, size)
			s.channelSize = size
		}
	}
}

// WithSendTimeout sets how long Record waits for buffer space before dropping.
func WithSendTimeout(timeout time.Duration) AuditOption {
	return func(s *AuditService) {
		s.sendTimeout = timeout
	}
}

// WithWarningThreshold sets the channel fill percentage (0-100) that logs a
// rate-limited warning. 0 disables the warning.
func WithWarningThreshold(percent int) AuditOption {
	return func(s *AuditService) {
		s.warningThreshold = min(max(percent, 0), 100)
	}
}

// WithAuditMetrics counts dropped records.
func WithAuditMetrics(m *Metrics) AuditOption {
	return func(s *AuditService) {
		s.metrics = m
	}
}

// NewAuditService creates an AuditService writing to store.
func NewAuditService(store audit.Store, logger *slog.Logger, opts ...AuditOption) *AuditService {
	const defaultChannelSize = 1000
	s := &AuditService{
		store:            store,
		records:          make(chan audit.Record, defaultChannelSize),
		logger:           logger,
		batchSize:        100,
		flushInterval:    time.Second,
		channelSize:      defaultChannelSize,
		sendTimeout:      100 * time.Millisecond,
		warningThreshold: 80,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs the background writer until Stop is called or ctx is cancelled.
func (s *AuditService) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	s.wg.Add(1)
	go s.worker(ctx)
}

// Record queues rec. When the buffer is full it waits up to sendTimeout and
// then drops the record. Records after Stop are dropped.
func (s *AuditService) Record(rec audit.Record) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.recordDrop(rec)
		return
	}

	if s.warningThreshold > 0 {
		if depth := len(s.records); depth >= s.channelSize*s.warningThreshold/100 {
			s.warnChannelDepth(depth)
		}
	}

	select {
	case s.records <- rec:
		return
	default:
	}
	if s.sendTimeout <= 0 {
		s.recordDrop(rec)
		return
	}

	timer := time.NewTimer(s.sendTimeout)
	defer timer.Stop()
	select {
	case s.records <- rec:
	case <-timer.C:
		s.recordDrop(rec)
	}
}

func (s *AuditService) recordDrop(rec audit.Record) {
	drops := s.dropCount.Add(1)
	if s.metrics != nil {
		s.metrics.AuditDropsTotal.Inc()
	}
	s.logger.Warn("audit record dropped",
		"tool", rec.ToolName,
		"subject", rec.Subject.Key(),
		"total_drops", drops,
	)
}

// warnChannelDepth logs at most once per second.
func (s *AuditService) warnChannelDepth(depth int) {
	now := time.Now().UnixNano()
	last := s.lastWarning.Load()
	if now-last < int64(time.Second) {
		return
	}
	if s.lastWarning.CompareAndSwap(last, now) {
		s.logger.Warn("audit channel approaching capacity",
			"depth", depth,
			"capacity", s.channelSize,
		)
	}
}

// DroppedRecords returns the number of dropped records.
func (s *AuditService) DroppedRecords() int64 {
	return s.dropCount.Load()
}

// ChannelDepth returns the number of queued records.
func (s *AuditService) ChannelDepth() int {
	return len(s.records)
}

// Stop closes the queue, waits for the worker to flush what is queued and
// flushes the store. Safe to call more than once.
func (s *AuditService) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	started := s.started
	close(s.records)
	s.mu.Unlock()

	if !started {
		// Nothing drains the channel without a worker.
		var batch []audit.Record
		for rec := range s.records {
			batch = append(batch, rec)
		}
		s.finalFlush(batch)
		return
	}
	s.wg.Wait()
}

func (s *AuditService) worker(ctx context.Context) {
	defer s.wg.Done()

	batch := make([]audit.Record, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-s.records:
			if !ok {
				s.finalFlush(batch)
				return
			}
			batch = append(batch, rec)
			if len(batch) >= s.batchSize {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			// Stop closes the channel; until then keep accepting.
			for rec := range s.records {
				batch = append(batch, rec)
			}
			s.finalFlush(batch)
			return
		}
	}
}

func (s *AuditService) finalFlush(batch []audit.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if len(batch) > 0 {
		s.flush(ctx, batch)
	}
	if err := s.store.Flush(ctx); err != nil {
		s.logger.Error("failed to flush audit store", "error", err)
	}
}

// flush writes a batch. Errors are logged and never reach the caller of Record.
func (s *AuditService) flush(ctx context.Context, batch []audit.Record) {
	if err := s.store.Append(ctx, batch...); err != nil {
		s.logger.Error("failed to write audit batch",
			"error", err,
			"count", len(batch),
		)
	}
}
