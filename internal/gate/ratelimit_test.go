package gate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time          { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestLimiter_BurstThenRefill(t *testing.T) {
	clock := &manualClock{t: fixedNow}
	l := NewLimiter(DefaultRefill, DefaultBurst, WithClock(clock.now))

	for i := range DefaultBurst {
		d := l.Allow("k")
		assert.True(t, d.Allowed, "call %d", i+1)
		assert.Equal(t, DefaultBurst-i-1, d.Remaining)
	}

	d := l.Allow("k")
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)
	assert.Equal(t, 10*time.Second, d.Reset)

	clock.advance(time.Second)
	d = l.Allow("k")
	assert.True(t, d.Allowed)
	assert.Zero(t, d.Remaining)
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	clock := &manualClock{t: fixedNow}
	l := NewLimiter(rate.Limit(1), 1, WithClock(clock.now))

	assert.True(t, l.Allow("a").Allowed)
	assert.False(t, l.Allow("a").Allowed)
	assert.True(t, l.Allow("b").Allowed)
	assert.Equal(t, 2, l.Len())
}

func TestLimiter_Sweep(t *testing.T) {
	clock := &manualClock{t: fixedNow}
	l := NewLimiter(0, 0, WithClock(clock.now), WithKeyExpiry(time.Minute))

	l.Allow("old")
	clock.advance(2 * time.Minute)
	l.Allow("fresh")

	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 1, l.Len())
}

func TestLimiter_SweepEvery(t *testing.T) {
	l := NewLimiter(0, 0, WithKeyExpiry(time.Nanosecond))
	l.Allow("idle")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.SweepEvery(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return l.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestLimiter_Defaults(t *testing.T) {
	l := NewLimiter(0, 0)
	d := l.Allow("k")
	assert.True(t, d.Allowed)
	assert.Equal(t, DefaultBurst, d.Limit)
}
