package sample

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// Limiter is a token bucket that paces how quickly "keep" decisions are
// admitted. Tokens accumulate at tokensPerRefresh per refreshInterval, capped
// at maxTokens. It also tracks the admit/attempt ratio over a sliding window
// of the current and previous period, each period being one refresh interval
// long but never shorter than one second; that ratio is reported on
// kept traces so the backend can correct for limiter drops.
type Limiter struct {
	Clock clockwork.Clock

	limiter  *rate.Limiter
	interval time.Duration

	mu          sync.Mutex // guards below fields
	prevTime    time.Time  // time at which prevAllowed and prevSeen were set
	allowed     float64    // number of traces allowed in the current period
	seen        float64    // number of traces seen in the current period
	prevAllowed float64    // number of traces allowed in the previous period
	prevSeen    float64    // number of traces seen in the previous period
}

// NewLimiter creates a limiter that starts out with maxTokens available.
func NewLimiter(clock clockwork.Clock, maxTokens uint32, refreshInterval time.Duration, tokensPerRefresh uint32) *Limiter {
	refill := rate.Limit(float64(tokensPerRefresh) / refreshInterval.Seconds())
	window := refreshInterval
	if window < time.Second {
		window = time.Second
	}
	return &Limiter{
		Clock:    clock,
		limiter:  rate.NewLimiter(refill, int(maxTokens)),
		interval: window,
		prevTime: clock.Now(),
	}
}

// Allow consumes one token if available and returns whether it did, along
// with the effective admission rate over the trailing window. The underlying
// bucket treats a clock that goes backwards as no time having passed, so the
// token count never goes negative.
func (l *Limiter) Allow() (bool, float64) {
	now := l.Clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if d := now.Sub(l.prevTime); d >= l.interval {
		if d < 2*l.interval && l.seen > 0 {
			// one window boundary crossed, current becomes previous
			l.prevAllowed = l.allowed
			l.prevSeen = l.seen
		} else {
			// idle for more than a full window, the old rate is stale
			l.prevAllowed = 0
			l.prevSeen = 0
		}
		l.prevTime = now
		l.allowed = 0
		l.seen = 0
	}

	l.seen++
	var admitted bool
	if l.limiter.AllowN(now, 1) {
		l.allowed++
		admitted = true
	}
	effectiveRate := (l.prevAllowed + l.allowed) / (l.prevSeen + l.seen)
	return admitted, effectiveRate
}
