package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// callerLimiter hands out one token bucket per key (the verified caller).
// Idle buckets are dropped after ttl.
type callerLimiter struct {
	perSecond rate.Limit
	burst     int
	ttl       time.Duration
	now       func() time.Time

	mu      sync.Mutex
	callers map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newCallerLimiter(perSecond float64, burst int) *callerLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &callerLimiter{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		ttl:       5 * time.Minute,
		now:       time.Now,
		callers:   make(map[string]*limiterEntry),
	}
}

// Allow consumes one token for key.
func (l *callerLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for k, e := range l.callers {
		if now.Sub(e.lastSeen) > l.ttl {
			delete(l.callers, k)
		}
	}
	e, ok := l.callers[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(l.perSecond, l.burst)}
		l.callers[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}
