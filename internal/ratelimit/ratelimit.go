// Package ratelimit throttles participant actions (submissions, joins and
// votes) per user id.
//
// The server ships an in-memory token bucket (Memory). A shared store can be
// substituted behind the Limiter interface when several chant processes serve
// the same deliberations.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	// RetryAfter is how long until the next token when Allowed is false.
	RetryAfter time.Duration
}

// Limiter decides whether the caller identified by key may proceed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow consumes one unit for key. An error means the limiter itself
	// failed; callers fail open.
	Allow(ctx context.Context, key string) (Decision, error)
	Close() error
}

// Noop permits everything. Used when rate limiting is disabled.
type Noop struct{}

// Allow always permits.
func (Noop) Allow(context.Context, string) (Decision, error) { return Decision{Allowed: true}, nil }

// Close is a no-op.
func (Noop) Close() error { return nil }
