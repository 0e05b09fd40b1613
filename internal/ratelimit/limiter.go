package ratelimit

import (
	"sync"
	"time"

	"github.com/klyr/klyr/internal/config"
	"github.com/klyr/klyr/internal/request"
)

// sweepEvery is how many Take calls pass between idle bucket sweeps.
const sweepEvery = 1024

// Limiter is a set of token buckets keyed by request identity. Buckets
// that have refilled completely carry no state and are dropped by sweeps.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	calls   int
}

type bucket struct {
	tokens float64
	last   time.Time
}

func NewLimiter() *Limiter {
	return &Limiter{buckets: make(map[string]*bucket)}
}

// Take spends one token of limit's bucket for info. It reports false when
// the bucket is empty. Requests that lack the keyed value, and limits
// without a positive rate or burst, are never limited.
func (l *Limiter) Take(limit config.Limit, info *request.Info, now time.Time) bool {
	key := Key(limit, info)
	if key == "" || limit.RPS <= 0 || limit.Burst <= 0 {
		return true
	}
	burst := float64(limit.Burst)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++
	if l.calls%sweepEvery == 0 {
		l.sweep(now, limit.RPS, burst)
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: burst, last: now}
		l.buckets[key] = b
	}
	b.tokens = refill(b, now, limit.RPS, burst)
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func refill(b *bucket, now time.Time, rps, burst float64) float64 {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return min(b.tokens+elapsed*rps, burst)
}

// sweep drops buckets that would be full by now. Limits differ per key,
// so the rate and burst of the current call serve as an approximation.
func (l *Limiter) sweep(now time.Time, rps, burst float64) {
	for key, b := range l.buckets {
		if refill(b, now, rps, burst) >= burst {
			delete(l.buckets, key)
		}
	}
}

// Len reports the number of tracked buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
