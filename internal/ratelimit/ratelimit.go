package ratelimit

import (
	"sync"
	"time"
)

// Token bucket limiting inbound frames of a single connection
type Limiter struct {
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
	mu         sync.Mutex
}

func NewLimiter(rate float64, burst int) *Limiter {
	return newLimiterWithClock(rate, burst, time.Now)
}

func newLimiterWithClock(rate float64, burst int, now func() time.Time) *Limiter {
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: now(),
		now:        now,
	}
}

func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

// Takes n tokens if available. Callers with large frames may charge more.
func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refill()
	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}
	return false
}

func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refill()
	return l.tokens
}

func (l *Limiter) refill() {
	now := l.now()
	elapsed := now.Sub(l.lastUpdate).Seconds()
	l.lastUpdate = now

	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
}

// Counts rejected frames for one connection and decides when to warn or
// give up on it.
type Violations struct {
	count    int
	warnFreq int
	limit    int
}

func NewViolations(warnEvery, limit int) *Violations {
	return &Violations{warnFreq: warnEvery, limit: limit}
}

// Record registers one rejected frame. It reports whether this one should be
// logged and whether the connection exceeded its budget.
func (v *Violations) Record() (warn bool, exceeded bool) {
	v.count++
	return v.count%v.warnFreq == 1 || v.warnFreq == 1, v.count > v.limit
}

func (v *Violations) Count() int {
	return v.count
}
