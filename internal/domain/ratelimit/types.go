// Package ratelimit caps how often one key may perform an action.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Config allows Rate events per Period with bursts of up to Burst.
// A zero Rate or Period disables limiting.
type Config struct {
	Rate   int           `json:"rate" yaml:"rate"`
	Burst  int           `json:"burst,omitempty" yaml:"burst,omitempty"`
	Period time.Duration `json:"period" yaml:"period"`
}

// Enabled reports whether c limits anything.
func (c Config) Enabled() bool {
	return c.Rate > 0 && c.Period > 0
}

// Result is the outcome of one Allow call.
type Result struct {
	Allowed   bool
	Remaining int
	// RetryAfter is when the next event would be allowed. Zero when Allowed.
	RetryAfter time.Duration
}

// Limiter decides whether the event identified by key may proceed and, if
// so, counts it.
type Limiter interface {
	Allow(ctx context.Context, key string, cfg Config) (Result, error)
}

// ApprovalKey identifies a requester's approval requests within a tenant.
func ApprovalKey(tenant, requester string) string {
	return fmt.Sprintf("approvals:%s:%s", tenant, requester)
}
