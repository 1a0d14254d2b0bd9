package ratelimit

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// Limiter spaces operations at a fixed interval with optional jitter. Each
// Wait reserves the next free slot, so concurrent callers queue fairly and
// a caller whose context ends gives up its wait without blocking others.
// It is safe for concurrent use by multiple goroutines.
type Limiter struct {
	mu       sync.Mutex
	interval time.Duration
	jitter   float64 // 0.0 to 1.0
	next     time.Time
	now      func() time.Time
}

// NewLimiter creates a limiter allowing rps operations per second, with each
// slot delayed by up to jitter*interval. If rps is <= 0, it never blocks.
func NewLimiter(rps float64, jitter float64) *Limiter {
	if jitter < 0 {
		jitter = 0
	} else if jitter > 1 {
		jitter = 1
	}
	l := &Limiter{jitter: jitter, now: time.Now}
	if rps > 0 {
		l.interval = time.Duration(float64(time.Second) / rps)
	}
	return l
}

// Wait blocks until the caller's reserved slot arrives or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.interval == 0 {
		return ctx.Err()
	}

	delay := l.reserve()
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Allow takes the next slot only if it is free now, letting up to burst
// callers run ahead of the steady rate. It never blocks and ignores jitter.
func (l *Limiter) Allow(burst int) bool {
	if l == nil || l.interval == 0 {
		return true
	}
	if burst < 1 {
		burst = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	slot := l.next
	if slot.Before(now) {
		slot = now
	}
	if slot.Sub(now) > time.Duration(burst-1)*l.interval {
		return false
	}
	l.next = slot.Add(l.interval)
	return true
}

func (l *Limiter) idle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.next.After(l.now())
}

func (l *Limiter) reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	slot := l.next
	if slot.Before(now) {
		slot = now
	}
	l.next = slot.Add(l.interval)

	delay := slot.Sub(now)
	if l.jitter > 0 {
		delay += time.Duration(float64(l.interval) * l.jitter * rand.Float64())
	}
	return delay
}

// Group hands out one Limiter per key, created on first use with the
// group's rate. Keys are typically hosts or provider names.
type Group struct {
	mu       sync.Mutex
	rps      float64
	jitter   float64
	limiters map[string]*Limiter
}

// NewGroup returns a Group whose limiters share rps and jitter.
func NewGroup(rps, jitter float64) *Group {
	return &Group{rps: rps, jitter: jitter, limiters: make(map[string]*Limiter)}
}

// For returns the limiter for key.
func (g *Group) For(key string) *Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.limiters[key]
	if !ok {
		l = NewLimiter(g.rps, g.jitter)
		g.limiters[key] = l
	}
	return l
}

// Wait is shorthand for g.For(key).Wait(ctx).
func (g *Group) Wait(ctx context.Context, key string) error {
	return g.For(key).Wait(ctx)
}

// Allow is shorthand for g.For(key).Allow(burst).
func (g *Group) Allow(key string, burst int) bool {
	return g.For(key).Allow(burst)
}

// Prune drops limiters with no pending reservations and reports how many
// went. A dropped key starts afresh, which is the state it was in anyway.
func (g *Group) Prune() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for key, l := range g.limiters {
		if l.idle() {
			delete(g.limiters, key)
			n++
		}
	}
	return n
}
