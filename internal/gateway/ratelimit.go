package gateway

import (
	"context"
	"sync"
	"time"
)

type rateWindow struct {
	count   int
	resetAt time.Time
}

// RateLimiter enforces a fixed per-minute message budget per key. Counts reset
// when the window expires rather than refilling continuously.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	window  time.Duration
	now     func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		windows: make(map[string]*rateWindow),
		window:  time.Minute,
		now:     time.Now,
	}
}

// Allow records one message for key and reports whether it fits in the current
// window. The first message of an expired window starts a fresh count.
func (r *RateLimiter) Allow(key string, limitPerMinute int) bool {
	if limitPerMinute <= 0 {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	w, ok := r.windows[key]
	if !ok || now.After(w.resetAt) {
		r.windows[key] = &rateWindow{count: 1, resetAt: now.Add(r.window)}
		return true
	}
	if w.count >= limitPerMinute {
		return false
	}
	w.count++
	return true
}

// Remaining reports how many messages the key may still send this window.
func (r *RateLimiter) Remaining(key string, limitPerMinute int) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.windows[key]
	if !ok || r.now().After(w.resetAt) {
		return limitPerMinute
	}
	remaining := limitPerMinute - w.count
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Sweep drops expired windows so idle keys do not accumulate.
func (r *RateLimiter) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for key, w := range r.windows {
		if now.After(w.resetAt) {
			delete(r.windows, key)
		}
	}
}

// StartSweep runs Sweep every interval until ctx is canceled.
func (r *RateLimiter) StartSweep(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Sweep()
			}
		}
	}()
}
