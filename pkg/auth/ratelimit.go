package auth

import (
	"context"
	"sync"
	"time"
)

// RateLimiter checks whether a request from identity should be allowed.
type RateLimiter interface {
	Allow(ctx context.Context, identity *Identity) error
}

// InProcessLimiter is a fixed-window rate limiter that tracks request
// counts per subject in memory.
type InProcessLimiter struct {
	rpm      int
	now      func() time.Time
	mu       sync.Mutex
	counters map[string]*counter
}

type counter struct {
	count    int
	windowAt time.Time
}

// NewInProcessLimiter creates a limiter allowing rpm requests per minute
// for each subject. A non-positive rpm disables limiting.
func NewInProcessLimiter(rpm int) *InProcessLimiter {
	return &InProcessLimiter{
		rpm:      rpm,
		now:      time.Now,
		counters: make(map[string]*counter),
	}
}

// Allow returns ErrTooManyRequests once the subject has used up its window.
func (l *InProcessLimiter) Allow(_ context.Context, identity *Identity) error {
	if l.rpm <= 0 || identity == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, ok := l.counters[identity.Subject]
	if !ok || now.Sub(c.windowAt) >= time.Minute {
		l.counters[identity.Subject] = &counter{count: 1, windowAt: now}
		l.sweep(now)
		return nil
	}

	c.count++
	if c.count > l.rpm {
		return ErrTooManyRequests
	}
	return nil
}

// sweep drops expired windows so idle subjects do not accumulate.
// Must be called with mu held.
func (l *InProcessLimiter) sweep(now time.Time) {
	for subject, c := range l.counters {
		if now.Sub(c.windowAt) >= time.Minute {
			delete(l.counters, subject)
		}
	}
}
