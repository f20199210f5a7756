package reporting

import (
	"sync"
	"time"
)

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker stops a sync cycle from hammering an authority that keeps
// failing. After threshold consecutive retryable failures it opens for
// cooldown, then lets a single trial call through.
type CircuitBreaker struct {
	mu sync.Mutex

	threshold int
	cooldown  time.Duration
	now       func() time.Time

	failures  int
	state     BreakerState
	openUntil time.Time
	trialing  bool
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// WithNow overrides the breaker's time source.
func (cb *CircuitBreaker) WithNow(now func() time.Time) *CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if now != nil {
		cb.now = now
	}
	return cb
}

// Allow reports whether a call may go out. A nil breaker always allows.
func (cb *CircuitBreaker) Allow() bool {
	if cb == nil {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if cb.now().Before(cb.openUntil) {
			return false
		}
		cb.state = BreakerHalfOpen
		cb.trialing = true
		return true
	default:
		// one trial call at a time while half-open
		if cb.trialing {
			return false
		}
		cb.trialing = true
		return true
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.state = BreakerClosed
	cb.trialing = false
}

func (cb *CircuitBreaker) RecordFailure() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.trialing = false
	if cb.state == BreakerHalfOpen {
		cb.trip()
		return
	}
	cb.failures++
	if cb.failures >= cb.threshold {
		cb.trip()
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = BreakerOpen
	cb.openUntil = cb.now().Add(cb.cooldown)
}

func (cb *CircuitBreaker) State() BreakerState {
	if cb == nil {
		return BreakerClosed
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Release returns a half-open trial slot taken by Allow when no call was
// made, so the next Allow can try again.
func (cb *CircuitBreaker) Release() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trialing = false
}

// Reset manually closes the circuit.
func (cb *CircuitBreaker) Reset() {
	if cb == nil {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.state = BreakerClosed
	cb.trialing = false
}
