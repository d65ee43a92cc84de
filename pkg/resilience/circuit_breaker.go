package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/harunnryd/parley/pkg/errorsx"
)

var ErrCircuitOpen = errorsx.New(errorsx.ReasonCircuitOpen, "circuit open")

// RateLimitError is a 429 from a backend leg. RetryAfter is zero when the
// backend did not say.
type RateLimitError struct {
	Endpoint   string
	RetryAfter time.Duration
}

func (e RateLimitError) Error() string {
	return "rate limited by " + e.Endpoint
}

func IsRateLimit(err error) bool {
	var rl RateLimitError
	return errors.As(err, &rl)
}

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	// BreakerHalfOpen lets exactly one probe call through.
	BreakerHalfOpen
)

// CircuitBreaker trips after threshold consecutive failures and rejects
// calls for cooldown. A rate limit trips it at once, for at least the
// backend's Retry-After. Cancellations never count.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu        sync.Mutex
	state     BreakerState
	failures  int
	openUntil time.Time
	probing   bool
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

func (c *CircuitBreaker) State() BreakerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advanceLocked()
	return c.state
}

// Execute runs fn unless the breaker rejects the call, and feeds the
// outcome back into the breaker.
func (c *CircuitBreaker) Execute(fn func() error) error {
	if !c.acquire() {
		return ErrCircuitOpen
	}
	err := fn()
	c.record(err)
	return err
}

func (c *CircuitBreaker) acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advanceLocked()
	switch c.state {
	case BreakerOpen:
		return false
	case BreakerHalfOpen:
		if c.probing {
			return false
		}
		c.probing = true
	}
	return true
}

func (c *CircuitBreaker) record(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probing = false
	if err == nil {
		c.state, c.failures, c.openUntil = BreakerClosed, 0, time.Time{}
		return
	}
	if errors.Is(err, context.Canceled) {
		if c.state == BreakerHalfOpen {
			c.state = BreakerOpen
		}
		return
	}
	c.failures++
	var rl RateLimitError
	switch {
	case errors.As(err, &rl):
		c.tripLocked(max(c.cooldown, rl.RetryAfter))
	case c.state == BreakerHalfOpen || c.failures >= c.threshold:
		c.tripLocked(c.cooldown)
	}
}

func (c *CircuitBreaker) tripLocked(d time.Duration) {
	c.state = BreakerOpen
	c.openUntil = c.now().Add(d)
}

func (c *CircuitBreaker) advanceLocked() {
	if c.state == BreakerOpen && !c.now().Before(c.openUntil) {
		c.state = BreakerHalfOpen
	}
}
