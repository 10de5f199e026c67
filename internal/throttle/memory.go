package throttle

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const pruneThreshold = 10000

// MemoryLimiter is a per-process limiter for single-replica deployments.
// Each key gets a token bucket holding maxAttempts failures that refills
// over window; a failure consumes one token.
type MemoryLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

func NewMemoryLimiter(maxAttempts int, window time.Duration) *MemoryLimiter {
	maxAttempts, window = normalize(maxAttempts, window)
	return &MemoryLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Every(window / time.Duration(maxAttempts)),
		burst:    maxAttempts,
		now:      time.Now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, subject string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[subject]
	if !ok {
		return true, nil
	}
	return lim.TokensAt(l.now()) >= 1, nil
}

func (l *MemoryLimiter) Fail(_ context.Context, subject string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	lim, ok := l.limiters[subject]
	if !ok {
		if len(l.limiters) >= pruneThreshold {
			l.pruneLocked(now)
		}
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[subject] = lim
	}
	lim.AllowN(now, 1)
	return nil
}

func (l *MemoryLimiter) Reset(_ context.Context, subject string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, subject)
	return nil
}

func (l *MemoryLimiter) Ping(context.Context) error {
	return nil
}

// pruneLocked drops buckets that have fully refilled.
func (l *MemoryLimiter) pruneLocked(now time.Time) {
	for subject, lim := range l.limiters {
		if lim.TokensAt(now) >= float64(l.burst) {
			delete(l.limiters, subject)
		}
	}
}
