// Package ratelimit keeps a token bucket per key, used to throttle the public
// login endpoints per email address and per client IP.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter hands out a rate.Limiter per key and forgets keys that have been idle.
type Limiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	idle    time.Duration
	entries map[string]*entry
	now     func() time.Time
}

// New returns a limiter allowing perSecond events per key with the given burst.
func New(perSecond float64, burst int) *Limiter {
	return &Limiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idle:    10 * time.Minute,
		entries: make(map[string]*entry),
		now:     time.Now,
	}
}

// Allow reports whether an event for key may happen now.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Prune drops keys that have not been seen for a while and returns how many were dropped.
func (l *Limiter) Prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.idle)
	dropped := 0
	for key, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, key)
			dropped++
		}
	}
	return dropped
}
