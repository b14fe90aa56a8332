// Package throttle limits how often a single client may call the
// validation endpoints.
package throttle

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter reports whether the client identified by key may proceed.
// A non-nil error means the decision could not be made; callers fail open.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

const (
	localSweepEvery = 1024
	localIdleAfter  = 10 * time.Minute
)

// Local is a per-process token bucket per key.
type Local struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
	calls   int
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewLocal(rps float64, burst int) *Local {
	return &Local{
		limit:   rate.Limit(rps),
		burst:   burst,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

func (l *Local) Allow(_ context.Context, key string) (bool, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++
	if l.calls%localSweepEvery == 0 {
		l.sweep(now)
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1), nil
}

// sweep forgets keys idle long enough for their bucket to have refilled.
func (l *Local) sweep(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) > localIdleAfter {
			delete(l.buckets, k)
		}
	}
}

// Len returns the number of tracked keys.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
