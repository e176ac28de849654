package service

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto"

	"github.com/Sentinel-Gate/agentguard/internal/domain/policy"
)

// DefaultCacheEntries bounds the decision cache when no size is configured.
const DefaultCacheEntries = 10_000

type cachedDecision struct {
	result     policy.CheckResult
	expiresAt  time.Time
	generation uint64
}

// DecisionCache holds allowed decisions keyed by (subject, tool). Entries
// carry the configuration generation they were computed under, so results
// from a replaced snapshot are never served even if they land after Clear.
type DecisionCache struct {
	cache      *ristretto.Cache
	generation atomic.Uint64
}

// NewDecisionCache creates a cache bounded to maxEntries decisions.
func NewDecisionCache(maxEntries int) (*DecisionCache, error) {
	if maxEntries <= 0 {
		maxEntries = DefaultCacheEntries
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        int64(maxEntries) * 10,
		MaxCost:            int64(maxEntries),
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create decision cache: %w", err)
	}
	return &DecisionCache{cache: c}, nil
}

func decisionKey(subject policy.Subject, tool string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(subject.Key())
	_, _ = d.Write([]byte{0})
	_, _ = d.WriteString(tool)
	return d.Sum64()
}

// Get returns a live allowed decision for (subject, tool).
func (c *DecisionCache) Get(subject policy.Subject, tool string, now time.Time) (policy.CheckResult, bool) {
	v, ok := c.cache.Get(decisionKey(subject, tool))
	if !ok {
		return policy.CheckResult{}, false
	}
	entry, ok := v.(cachedDecision)
	if !ok || entry.generation != c.generation.Load() || !now.Before(entry.expiresAt) {
		return policy.CheckResult{}, false
	}
	return entry.result, true
}

// Generation returns the current configuration generation. Read it before
// loading the snapshot a decision is computed from and pass it to Put.
func (c *DecisionCache) Generation() uint64 {
	return c.generation.Load()
}

// Put stores res when it is an allowed decision. Denials and approval
// requirements are never cached.
func (c *DecisionCache) Put(subject policy.Subject, tool string, res policy.CheckResult, ttl time.Duration, now time.Time, generation uint64) {
	if !res.Allowed || ttl <= 0 {
		return
	}
	c.cache.SetWithTTL(decisionKey(subject, tool), cachedDecision{
		result:     res,
		expiresAt:  now.Add(ttl),
		generation: generation,
	}, 1, ttl)
}

// Clear drops every entry and advances the generation.
func (c *DecisionCache) Clear() {
	c.generation.Add(1)
	c.cache.Clear()
}

// Wait blocks until buffered writes are applied.
func (c *DecisionCache) Wait() {
	c.cache.Wait()
}

// Close stops the cache's background goroutines.
func (c *DecisionCache) Close() {
	c.cache.Close()
}
