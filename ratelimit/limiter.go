// Package ratelimit counts requests per key in fixed windows.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter decides whether another request for key fits the current window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Close() error
}

type window struct {
	count   int
	resetAt time.Time
}

// MemoryLimiter keeps the counters in process. Suitable for a single instance.
type MemoryLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	counters  map[string]*window
	nextSweep time.Time
}

var _ Limiter = (*MemoryLimiter)(nil)

func NewMemoryLimiter(limit int, per time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		limit:    limit,
		window:   per,
		now:      time.Now,
		counters: make(map[string]*window),
	}
}

func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	if m.limit <= 0 {
		return true, nil
	}

	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.counters[key]
	if !ok || !now.Before(w.resetAt) {
		if !now.Before(m.nextSweep) {
			m.sweep(now)
		}
		w = &window{resetAt: now.Add(m.window)}
		m.counters[key] = w
	}

	w.count++
	return w.count <= m.limit, nil
}

// sweep drops expired windows, at most once per window length. Called with
// m.mu held.
func (m *MemoryLimiter) sweep(now time.Time) {
	for k, w := range m.counters {
		if !now.Before(w.resetAt) {
			delete(m.counters, k)
		}
	}
	m.nextSweep = now.Add(m.window)
}

func (m *MemoryLimiter) Close() error { return nil }
