package pilot

import (
	"testing"
	"time"
)

func TestRateLimiterWindowAndBlock(t *testing.T) {
	limiter := NewRateLimiter(map[string]RatePolicy{
		"default": {WindowMs: 1000, MaxRequests: 2, BurstLimit: 0, BlockDurationMs: 2000},
	})
	base := time.Now()
	clock := base
	limiter.now = func() time.Time { return clock }

	if err := limiter.Allow("s1", "shell", "default"); err != nil {
		t.Fatalf("first call rejected: %v", err)
	}
	if err := limiter.Allow("s1", "shell", "default"); err != nil {
		t.Fatalf("second call rejected: %v", err)
	}

	err := limiter.Allow("s1", "shell", "default")
	if !IsCode(err, CodeRateLimitExceeded) {
		t.Fatalf("third call error = %v, want RATE_LIMIT_EXCEEDED", err)
	}

	// Still inside the block window.
	clock = base.Add(1500 * time.Millisecond)
	err = limiter.Allow("s1", "shell", "default")
	if !IsCode(err, CodeRateLimitBlocked) {
		t.Fatalf("blocked call error = %v, want RATE_LIMIT_BLOCKED", err)
	}

	// Block expired and the window rolled over.
	clock = base.Add(3000 * time.Millisecond)
	if err := limiter.Allow("s1", "shell", "default"); err != nil {
		t.Fatalf("call after block rejected: %v", err)
	}
}

func TestRateLimiterBurstHeadroom(t *testing.T) {
	limiter := NewRateLimiter(map[string]RatePolicy{
		"default": {WindowMs: 60_000, MaxRequests: 1, BurstLimit: 2, BlockDurationMs: 1000},
	})
	for i := 0; i < 3; i++ {
		if err := limiter.Allow("s1", "grep", "default"); err != nil {
			t.Fatalf("call %d rejected despite burst headroom: %v", i, err)
		}
	}
	if err := limiter.Allow("s1", "grep", "default"); !IsCode(err, CodeRateLimitExceeded) {
		t.Fatalf("call over burst = %v, want RATE_LIMIT_EXCEEDED", err)
	}
}

func TestRateLimiterKeysAreIndependent(t *testing.T) {
	limiter := NewRateLimiter(map[string]RatePolicy{
		"default": {WindowMs: 60_000, MaxRequests: 1, BurstLimit: 0, BlockDurationMs: 1000},
	})
	if err := limiter.Allow("s1", "shell", "default"); err != nil {
		t.Fatalf("s1 rejected: %v", err)
	}
	if err := limiter.Allow("s2", "shell", "default"); err != nil {
		t.Errorf("s2 affected by s1's budget: %v", err)
	}
	if err := limiter.Allow("s1", "grep", "default"); err != nil {
		t.Errorf("other tool affected by shell's budget: %v", err)
	}
}

func TestRateLimiterUnknownCategoryFallsBack(t *testing.T) {
	limiter := NewRateLimiter(map[string]RatePolicy{
		"default": {WindowMs: 60_000, MaxRequests: 1, BurstLimit: 0, BlockDurationMs: 1000},
	})
	if err := limiter.Allow("s1", "shell", "no-such-category"); err != nil {
		t.Fatalf("first call rejected: %v", err)
	}
	if err := limiter.Allow("s1", "shell", "no-such-category"); !IsCode(err, CodeRateLimitExceeded) {
		t.Errorf("fallback policy not applied: %v", err)
	}
}

func TestRateLimiterReset(t *testing.T) {
	limiter := NewRateLimiter(map[string]RatePolicy{
		"default": {WindowMs: 60_000, MaxRequests: 1, BurstLimit: 0, BlockDurationMs: 60_000},
	})
	_ = limiter.Allow("s1", "shell", "default")
	if err := limiter.Allow("s1", "shell", "default"); err == nil {
		t.Fatal("expected the second call to be rejected")
	}
	limiter.Reset()
	if err := limiter.Allow("s1", "shell", "default"); err != nil {
		t.Errorf("call after reset rejected: %v", err)
	}
}
