// Package ratelimit caps chat requests per app scope over a one-minute window.
// The in-memory limiter suits a single instance; the Redis limiter shares the
// window across replicas.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const Window = time.Minute

// RateLimiter reports whether one more request fits the scope's window,
// how many remain and when the window resets.
type RateLimiter interface {
	Allow(ctx context.Context, scope string, limit int) (allowed bool, remaining int, resetAt time.Time, err error)
}

type InMemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

func (r *InMemoryRateLimiter) SetClock(now func() time.Time) { r.now = now }

func (r *InMemoryRateLimiter) Allow(ctx context.Context, scope string, limit int) (bool, int, time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	w, ok := r.windows[scope]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(Window)}
		r.windows[scope] = w
		r.sweep(now)
	}

	if w.count >= limit {
		return false, 0, w.resetAt, nil
	}
	w.count++
	return true, limit - w.count, w.resetAt, nil
}

// sweep drops expired windows so idle scopes do not accumulate.
func (r *InMemoryRateLimiter) sweep(now time.Time) {
	for scope, w := range r.windows {
		if !now.Before(w.resetAt) {
			delete(r.windows, scope)
		}
	}
}
