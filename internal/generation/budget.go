package generation

import (
	"sync/atomic"
)

// TokenBudget is a per-tier token allowance shared by all in-flight requests.
// A zero limit means unlimited.
type TokenBudget struct {
	limit int64
	used  atomic.Int64
}

// NewTokenBudget creates a budget with the given limit.
func NewTokenBudget(limit int64) *TokenBudget {
	return &TokenBudget{limit: limit}
}

// Available reports whether any tokens remain.
func (b *TokenBudget) Available() bool {
	return b.limit <= 0 || b.used.Load() < b.limit
}

// Consume records spent tokens and returns the new total.
func (b *TokenBudget) Consume(n int64) int64 {
	if n <= 0 {
		return b.used.Load()
	}
	return b.used.Add(n)
}

// Used returns tokens spent so far.
func (b *TokenBudget) Used() int64 { return b.used.Load() }

// Limit returns the configured limit.
func (b *TokenBudget) Limit() int64 { return b.limit }

// Remaining returns tokens left, or 0 when unlimited.
func (b *TokenBudget) Remaining() int64 {
	if b.limit <= 0 {
		return 0
	}
	if r := b.limit - b.used.Load(); r > 0 {
		return r
	}
	return 0
}
