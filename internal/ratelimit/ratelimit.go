// Package ratelimit provides a per-(channel, identity) token bucket
// backed by golang.org/x/time/rate, with lazy bucket creation and
// age-based pruning so the key map stays bounded.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedKeys bounds memory use against an attacker rotating identities.
const maxTrackedKeys = 4096

const pruneAfter = 10 * time.Minute

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter is a bounded collection of per-key token buckets. Safe for
// concurrent use.
type Limiter struct {
	mu           sync.Mutex
	entries      map[string]*entry
	perMinute    int
	burst        int
}

// New creates a Limiter. perMinute and burst are clamped to at least 1
// so a misconfigured zero never disables pacing entirely.
func New(perMinute, burst int) *Limiter {
	if perMinute < 1 {
		perMinute = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		entries:   make(map[string]*entry),
		perMinute: perMinute,
		burst:     burst,
	}
}

// Key builds the canonical "(channel, identity)" rate-limit key.
func Key(channel, identity string) string {
	return channel + ":" + identity
}

// Allow reports whether a message for key is within the current budget,
// lazily creating the bucket for unseen keys and pruning stale ones.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.pruneLocked(now)

	e, ok := l.entries[key]
	if !ok {
		if len(l.entries) >= maxTrackedKeys {
			l.evictOneLocked()
		}
		e = &entry{limiter: rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.burst)}
		l.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

func (l *Limiter) pruneLocked(now time.Time) {
	if len(l.entries) < maxTrackedKeys {
		return
	}
	for k, e := range l.entries {
		if now.Sub(e.lastSeen) >= pruneAfter {
			delete(l.entries, k)
		}
	}
}

func (l *Limiter) evictOneLocked() {
	for k := range l.entries {
		delete(l.entries, k)
		return
	}
}
