package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestLimiterBurstThenRefill(t *testing.T) {
	req := require.New(t)
	clock := &fakeClock{t: time.Unix(0, 0)}
	l := newLimiterWithClock(10, 3, clock.now)

	req.True(l.Allow())
	req.True(l.Allow())
	req.True(l.Allow())
	req.False(l.Allow(), "burst exhausted")

	clock.advance(100 * time.Millisecond)
	req.True(l.Allow())
	req.False(l.Allow())

	clock.advance(time.Hour)
	req.InDelta(3, l.Tokens(), 0.0001, "refill capped at burst")
}

func TestLimiterAllowN(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	l := newLimiterWithClock(1, 5, clock.now)

	require.True(t, l.AllowN(4))
	require.False(t, l.AllowN(2))
	require.True(t, l.AllowN(1))
}

func TestViolations(t *testing.T) {
	req := require.New(t)
	v := NewViolations(100, 250)

	warn, exceeded := v.Record()
	req.True(warn)
	req.False(exceeded)

	for i := 0; i < 99; i++ {
		warn, _ = v.Record()
		req.False(warn)
	}
	warn, _ = v.Record()
	req.True(warn, "101st violation warns again")

	for v.Count() < 250 {
		_, exceeded = v.Record()
		req.False(exceeded)
	}
	_, exceeded = v.Record()
	req.True(exceeded)
}
