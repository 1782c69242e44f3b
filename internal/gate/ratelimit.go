package gate

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default bucket shape of the public execution endpoint.
const (
	DefaultBurst     = 10
	DefaultRefill    = rate.Limit(1) // tokens per second
	DefaultKeyExpiry = 10 * time.Minute
)

// Decision is the outcome of one Allow call, carrying what the
// X-RateLimit-* headers report.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Duration // until the bucket is full again
	RetryAfter time.Duration // until the next token, when not allowed
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one token bucket per key.
type Limiter struct {
	refill rate.Limit
	burst  int
	expiry time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// LimiterOption customizes a Limiter.
type LimiterOption func(*Limiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) { l.now = now }
}

// WithKeyExpiry sets how long an idle bucket is kept before Sweep drops it.
func WithKeyExpiry(d time.Duration) LimiterOption {
	return func(l *Limiter) { l.expiry = d }
}

// NewLimiter creates a Limiter with the given refill rate and burst.
// Non-positive values fall back to the defaults.
func NewLimiter(refill rate.Limit, burst int, opts ...LimiterOption) *Limiter {
	if refill <= 0 {
		refill = DefaultRefill
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	l := &Limiter{
		refill:  refill,
		burst:   burst,
		expiry:  DefaultKeyExpiry,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow takes one token from the bucket of key if one is available.
func (l *Limiter) Allow(key string) Decision {
	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.refill, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	d := Decision{Limit: l.burst}
	tokens := b.lim.TokensAt(now)
	if tokens >= 1 && b.lim.AllowN(now, 1) {
		tokens--
		d.Allowed = true
	} else {
		d.RetryAfter = l.durationFor(1 - tokens)
	}
	d.Remaining = max(0, int(math.Floor(tokens)))
	d.Reset = l.durationFor(float64(l.burst) - tokens)
	return d
}

// Sweep drops buckets idle for longer than the key expiry and returns how
// many were removed.
func (l *Limiter) Sweep() int {
	cutoff := l.now().Add(-l.expiry)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}

// SweepEvery calls Sweep on each tick until ctx is done.
func (l *Limiter) SweepEvery(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) durationFor(tokens float64) time.Duration {
	if tokens <= 0 {
		return 0
	}
	return time.Duration(tokens / float64(l.refill) * float64(time.Second))
}
