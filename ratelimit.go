package pilot

import (
	"sync"
	"time"
)

// RatePolicy bounds tool-call volume for one category of tools.
// BurstLimit is additive headroom on top of MaxRequests: a window admits
// up to MaxRequests+BurstLimit calls before the key is blocked.
type RatePolicy struct {
	WindowMs        int `toml:"window_ms" json:"window_ms"`
	MaxRequests     int `toml:"max_requests" json:"max_requests"`
	BurstLimit      int `toml:"burst_limit" json:"burst_limit"`
	BlockDurationMs int `toml:"block_duration_ms" json:"block_duration_ms"`
}

// DefaultRatePolicies returns the built-in per-category policies.
func DefaultRatePolicies() map[string]RatePolicy {
	return map[string]RatePolicy{
		"default": {WindowMs: 60_000, MaxRequests: 60, BurstLimit: 10, BlockDurationMs: 30_000},
		"system":  {WindowMs: 60_000, MaxRequests: 20, BurstLimit: 5, BlockDurationMs: 60_000},
		"file":    {WindowMs: 60_000, MaxRequests: 120, BurstLimit: 20, BlockDurationMs: 15_000},
	}
}

type rateKey struct {
	sessionID string
	toolName  string
}

type rateBucket struct {
	windowStart  time.Time
	count        int
	blockedUntil time.Time
}

// RateLimiter enforces per-(session, tool) call budgets using fixed
// windows with burst headroom. Exceeding the budget blocks the key for the
// policy's block duration; calls during the block fail with
// RATE_LIMIT_BLOCKED and the remaining block time in the error context.
// Safe for concurrent use.
type RateLimiter struct {
	mu       sync.Mutex
	policies map[string]RatePolicy
	buckets  map[rateKey]*rateBucket
	now      func() time.Time // injectable clock for tests
}

// NewRateLimiter creates a limiter with the given per-category policies.
// Categories without a policy fall back to "default".
func NewRateLimiter(policies map[string]RatePolicy) *RateLimiter {
	if policies == nil {
		policies = DefaultRatePolicies()
	}
	if _, ok := policies["default"]; !ok {
		policies["default"] = DefaultRatePolicies()["default"]
	}
	return &RateLimiter{
		policies: policies,
		buckets:  make(map[rateKey]*rateBucket),
		now:      time.Now,
	}
}

// Allow consumes one token for (sessionID, toolName) under the category's
// policy. The per-window budget is MaxRequests plus BurstLimit; exhausting
// it blocks the key. Returns nil when the call may proceed.
func (r *RateLimiter) Allow(sessionID, toolName, category string) error {
	policy, ok := r.policies[category]
	if !ok {
		policy = r.policies["default"]
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	key := rateKey{sessionID: sessionID, toolName: toolName}
	bucket, ok := r.buckets[key]
	if !ok {
		bucket = &rateBucket{windowStart: now}
		r.buckets[key] = bucket
	}

	if now.Before(bucket.blockedUntil) {
		remaining := bucket.blockedUntil.Sub(now).Milliseconds()
		return Businessf(CodeRateLimitBlocked,
			"tool %s blocked by rate limit", toolName).
			With("remaining_block_ms", remaining).
			With("tool", toolName)
	}

	window := time.Duration(policy.WindowMs) * time.Millisecond
	if now.Sub(bucket.windowStart) >= window {
		bucket.windowStart = now
		bucket.count = 0
	}

	limit := policy.MaxRequests + policy.BurstLimit
	if bucket.count >= limit {
		bucket.blockedUntil = now.Add(time.Duration(policy.BlockDurationMs) * time.Millisecond)
		return Businessf(CodeRateLimitExceeded,
			"rate limit exceeded for tool %s", toolName).
			With("max_requests", policy.MaxRequests).
			With("window_ms", policy.WindowMs).
			With("tool", toolName)
	}

	bucket.count++
	return nil
}

// Reset clears all window and block state. Intended for tests and for the
// /config built-in's policy reload path.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buckets = make(map[rateKey]*rateBucket)
}
