package pool

import (
	"sync"
	"time"

	"vichat_go_backend/internal/scheduler"
)

const (
	// DefaultRequestsPerMinute is the per-credential ceiling when none is configured.
	DefaultRequestsPerMinute = 60
	rateWindow               = time.Minute
)

// WindowUsage is the state of one credential's current rate window.
type WindowUsage struct {
	Used    int       `json:"used"`
	Limit   int       `json:"limit"`
	ResetAt time.Time `json:"reset_at"`
}

// RateLimiter enforces a fixed one-minute request window per credential.
// Windows are reset lazily when they are next observed.
type RateLimiter struct {
	clock    scheduler.Clock
	limitFor func(id string) int
	windows  sync.Map // credential id -> *window
}

type window struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// NewRateLimiter creates a limiter. limitFor supplies each credential's
// ceiling; nil means DefaultRequestsPerMinute for everyone.
func NewRateLimiter(clock scheduler.Clock, limitFor func(id string) int) *RateLimiter {
	if clock == nil {
		clock = scheduler.RealClock()
	}
	if limitFor == nil {
		limitFor = func(string) int { return DefaultRequestsPerMinute }
	}
	return &RateLimiter{clock: clock, limitFor: limitFor}
}

// IsLimited reports whether id has used its whole allowance in the current window.
func (l *RateLimiter) IsLimited(id string) bool {
	w := l.window(id)
	limit := l.limit(id)

	w.mu.Lock()
	defer w.mu.Unlock()
	l.rollLocked(w)
	return w.count >= limit
}

// RecordUse counts one request against id.
func (l *RateLimiter) RecordUse(id string) {
	w := l.window(id)

	w.mu.Lock()
	defer w.mu.Unlock()
	l.rollLocked(w)
	w.count++
}

// TryReserve counts one request against id if it is not limited. The check
// and the increment happen under one lock so concurrent callers cannot
// overshoot the ceiling.
func (l *RateLimiter) TryReserve(id string) bool {
	w := l.window(id)
	limit := l.limit(id)

	w.mu.Lock()
	defer w.mu.Unlock()
	l.rollLocked(w)
	if w.count >= limit {
		return false
	}
	w.count++
	return true
}

// Usage returns the current window for id.
func (l *RateLimiter) Usage(id string) WindowUsage {
	w := l.window(id)
	limit := l.limit(id)

	w.mu.Lock()
	defer w.mu.Unlock()
	l.rollLocked(w)
	return WindowUsage{Used: w.count, Limit: limit, ResetAt: w.resetAt}
}

// Forget drops the window for id.
func (l *RateLimiter) Forget(id string) {
	l.windows.Delete(id)
}

func (l *RateLimiter) window(id string) *window {
	if w, ok := l.windows.Load(id); ok {
		return w.(*window)
	}
	w, _ := l.windows.LoadOrStore(id, &window{resetAt: l.clock.Now().Add(rateWindow)})
	return w.(*window)
}

func (l *RateLimiter) rollLocked(w *window) {
	now := l.clock.Now()
	if !now.Before(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(rateWindow)
	}
}

func (l *RateLimiter) limit(id string) int {
	if n := l.limitFor(id); n > 0 {
		return n
	}
	return DefaultRequestsPerMinute
}
