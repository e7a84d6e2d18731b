package ratelimit

import (
	"testing"
	"time"
)

func TestAllow_BurstThenDeny(t *testing.T) {
	limiter := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	const key = "203.0.113.7"

	// A provider flushing its webhook queue gets the full burst.
	for i := 0; i < 5; i++ {
		if !limiter.Allow(key) {
			t.Errorf("delivery %d within burst was denied", i)
		}
	}

	if limiter.Allow(key) {
		t.Error("delivery past the burst should be denied")
	}

	// 60/min refills one token per second.
	time.Sleep(time.Second)
	if !limiter.Allow(key) {
		t.Error("delivery after refill should be allowed")
	}
}

func TestAllow_KeysAreIsolated(t *testing.T) {
	limiter := New(Config{
		RequestsPerMinute: 60,
		BurstSize:         3,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	for i := 0; i < 3; i++ {
		limiter.Allow("203.0.113.7")
	}

	if limiter.Allow("203.0.113.7") {
		t.Error("exhausted client should be limited")
	}
	// One noisy provider must not throttle the others.
	if !limiter.Allow("198.51.100.12") {
		t.Error("fresh client should not be limited")
	}
}

func TestAllow_Refill(t *testing.T) {
	limiter := New(Config{
		RequestsPerMinute: 600, // one token per 100ms
		BurstSize:         1,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	const key = "203.0.113.7"

	if !limiter.Allow(key) {
		t.Error("first delivery should pass")
	}
	if limiter.Allow(key) {
		t.Error("immediate second delivery should be denied")
	}

	time.Sleep(110 * time.Millisecond)
	if !limiter.Allow(key) {
		t.Error("delivery after one refill interval should pass")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.RequestsPerMinute != 60 {
		t.Errorf("RequestsPerMinute = %d, want 60", cfg.RequestsPerMinute)
	}
	if cfg.BurstSize != 10 {
		t.Errorf("BurstSize = %d, want 10", cfg.BurstSize)
	}
	if cfg.CleanupInterval != time.Minute {
		t.Errorf("CleanupInterval = %v, want 1m", cfg.CleanupInterval)
	}
}
