// Package ratelimit throttles requester actions with a fixed window counter.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is how long the caller should wait before trying again.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed || !d.ResetAt.After(now) {
		return 0
	}
	return d.ResetAt.Sub(now)
}

type Limiter interface {
	Allow(ctx context.Context, key string, limit int) Decision
}

type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	items  map[string]entry
	now    func() time.Time
}

type entry struct {
	count   int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = DefaultCooldown
	}
	return &InMemoryLimiter{
		window: window,
		items:  make(map[string]entry),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (l *InMemoryLimiter) Allow(_ context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanup(now)
	curr, ok := l.items[key]
	if !ok || !now.Before(curr.resetAt) {
		curr = entry{resetAt: now.Add(l.window)}
	}
	curr.count++
	l.items[key] = curr
	return decide(curr.count, limit, curr.resetAt)
}

func (l *InMemoryLimiter) cleanup(now time.Time) {
	for k, v := range l.items {
		if !now.Before(v.resetAt) {
			delete(l.items, k)
		}
	}
}

func decide(count, limit int, resetAt time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
