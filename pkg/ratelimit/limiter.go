// Package ratelimit counts calls per key in fixed windows. Connectors use it
// to stay inside the API quotas of target systems.
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

type Limiter interface {
	Allow(ctx context.Context, key string, limit int) Decision
}

// InMemory is a per-process fixed-window counter.
type InMemory struct {
	mu     sync.Mutex
	window time.Duration
	items  map[string]window
	now    func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

func NewInMemory(d time.Duration) *InMemory {
	if d <= 0 {
		d = time.Second
	}
	return &InMemory{window: d, items: map[string]window{}, now: time.Now}
}

func (l *InMemory) Allow(_ context.Context, key string, limit int) Decision {
	limit = max(limit, 1)
	now := l.now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, w := range l.items {
		if !now.Before(w.resetAt) {
			delete(l.items, k)
		}
	}
	w, ok := l.items[key]
	if !ok {
		w = window{resetAt: now.Add(l.window)}
	}
	w.count++
	l.items[key] = w
	return decide(w.count, limit, w.resetAt)
}

func decide(count, limit int, resetAt time.Time) Decision {
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: max(limit-count, 0),
		ResetAt:   resetAt,
	}
}

// Wait blocks until l admits one call for key or ctx ends.
func Wait(ctx context.Context, l Limiter, key string, limit int) error {
	for {
		d := l.Allow(ctx, key, limit)
		if d.Allowed {
			return nil
		}
		delay := time.Until(d.ResetAt)
		if delay <= 0 {
			delay = time.Millisecond
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
