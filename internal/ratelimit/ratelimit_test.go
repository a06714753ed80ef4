package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterAllow(t *testing.T) {
	limiter := New(Config{
		RequestsPerSecond: 1,
		BurstSize:         5,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	key := "test-ip"

	// Should allow burst size requests immediately
	for i := 0; i < 5; i++ {
		if !limiter.Allow(key) {
			t.Errorf("request %d should be allowed (within burst)", i)
		}
	}

	if limiter.Allow(key) {
		t.Error("request after burst should be denied")
	}

	// Wait for token replenishment (1 token per second)
	time.Sleep(1100 * time.Millisecond)

	if !limiter.Allow(key) {
		t.Error("request after waiting should be allowed")
	}
}

func TestLimiterMultipleClients(t *testing.T) {
	limiter := New(Config{
		RequestsPerSecond: 1,
		BurstSize:         3,
		CleanupInterval:   time.Minute,
	})
	defer limiter.Stop()

	// Exhaust one client's bucket
	for i := 0; i < 3; i++ {
		limiter.Allow("client-a")
	}
	if limiter.Allow("client-a") {
		t.Error("client-a should be limited")
	}

	// Another client is unaffected
	if !limiter.Allow("client-b") {
		t.Error("client-b should have its own bucket")
	}
}

func TestLimiterDefaults(t *testing.T) {
	limiter := New(Config{})
	defer limiter.Stop()

	if limiter.cfg.RequestsPerSecond != DefaultConfig().RequestsPerSecond {
		t.Errorf("expected default rate, got %f", limiter.cfg.RequestsPerSecond)
	}
	if !limiter.Allow("anyone") {
		t.Error("fresh client should be allowed")
	}
}
