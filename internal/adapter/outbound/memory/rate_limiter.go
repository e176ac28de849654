package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Sentinel-Gate/agentguard/internal/domain/ratelimit"
)

// RateLimiter implements ratelimit.Limiter with GCRA over an in-memory
// table of theoretical arrival times. Idle keys are swept by StartCleanup.
type RateLimiter struct {
	mu    sync.Mutex
	cells map[string]time.Time
	now   func() time.Time

	cleanupInterval time.Duration
	maxIdle         time.Duration
	logger          *slog.Logger
	stop            chan struct{}
	once            sync.Once
	wg              sync.WaitGroup
}

// NewRateLimiter creates a limiter that forgets keys idle for maxIdle.
func NewRateLimiter(maxIdle time.Duration, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		cells:           make(map[string]time.Time),
		now:             time.Now,
		cleanupInterval: maxIdle / 4,
		maxIdle:         maxIdle,
		logger:          logger,
		stop:            make(chan struct{}),
	}
}

// SetClock replaces time.Now. Tests only.
func (r *RateLimiter) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

// Allow implements ratelimit.Limiter. A disabled config always allows.
func (r *RateLimiter) Allow(_ context.Context, key string, cfg ratelimit.Config) (ratelimit.Result, error) {
	if !cfg.Enabled() {
		return ratelimit.Result{Allowed: true}, nil
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = cfg.Rate
	}
	emission := cfg.Period / time.Duration(cfg.Rate)
	window := time.Duration(burst) * emission

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	tat, ok := r.cells[key]
	if !ok || tat.Before(now) {
		tat = now
	}
	next := tat.Add(emission)
	if allowAt := next.Add(-window); now.Before(allowAt) {
		return ratelimit.Result{RetryAfter: allowAt.Sub(now)}, nil
	}
	r.cells[key] = next

	remaining := int((window - next.Sub(now)) / emission)
	return ratelimit.Result{Allowed: true, Remaining: max(remaining, 0)}, nil
}

// StartCleanup sweeps idle keys until ctx is done or Stop is called.
func (r *RateLimiter) StartCleanup(ctx context.Context) {
	if r.cleanupInterval <= 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

func (r *RateLimiter) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.maxIdle)
	removed := 0
	for key, tat := range r.cells {
		if tat.Before(cutoff) {
			delete(r.cells, key)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug("rate limiter sweep", "removed", removed, "tracked", len(r.cells))
	}
}

// Stop ends the cleanup goroutine. Safe to call more than once.
func (r *RateLimiter) Stop() {
	r.once.Do(func() { close(r.stop) })
	r.wg.Wait()
}

// Size returns the number of tracked keys.
func (r *RateLimiter) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cells)
}

var _ ratelimit.Limiter = (*RateLimiter)(nil)
