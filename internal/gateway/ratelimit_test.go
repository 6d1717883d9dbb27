package gateway

import (
	"testing"
	"time"
)

func TestRateLimiter_FixedWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRateLimiter()
	rl.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		if !rl.Allow("user:a", 10) {
			t.Fatalf("message %d should fit in the window", i+1)
		}
	}
	if rl.Allow("user:a", 10) {
		t.Fatal("11th message in the same window must be rejected")
	}
	if rl.Remaining("user:a", 10) != 0 {
		t.Fatalf("expected 0 remaining, got %d", rl.Remaining("user:a", 10))
	}

	// Other keys have their own windows.
	if !rl.Allow("user:b", 10) {
		t.Fatal("independent key blocked")
	}

	// The count resets wholesale when the window expires, it does not refill.
	now = now.Add(61 * time.Second)
	for i := 0; i < 10; i++ {
		if !rl.Allow("user:a", 10) {
			t.Fatalf("message %d after window reset should be allowed", i+1)
		}
	}
	if rl.Allow("user:a", 10) {
		t.Fatal("fresh window still has a limit")
	}
}

func TestRateLimiter_ZeroLimitDisables(t *testing.T) {
	rl := NewRateLimiter()
	for i := 0; i < 100; i++ {
		if !rl.Allow("k", 0) {
			t.Fatal("limit 0 must disable the limiter")
		}
	}
}

func TestRateLimiter_SweepDropsExpiredWindows(t *testing.T) {
	now := time.Unix(1000, 0)
	rl := NewRateLimiter()
	rl.now = func() time.Time { return now }

	rl.Allow("stale", 10)
	rl.Allow("fresh", 10)

	now = now.Add(61 * time.Second)
	rl.Allow("fresh", 10) // restarts this key's window at the new time

	rl.Sweep()

	rl.mu.Lock()
	_, staleKept := rl.windows["stale"]
	_, freshKept := rl.windows["fresh"]
	rl.mu.Unlock()

	if staleKept {
		t.Fatal("expired window survived sweep")
	}
	if !freshKept {
		t.Fatal("live window swept")
	}
}
