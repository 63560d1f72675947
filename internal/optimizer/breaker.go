package optimizer

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState is one of {closed, open, half-open}, per spec.md §4.8.
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
		return "half-open"
	default:
		return "closed"
	}
}

const (
	breakerFailureThreshold = 5
	breakerResetTimeout     = 30 * time.Second
)

// CircuitBreaker trips to open after breakerFailureThreshold consecutive
// failures and moves to half-open after breakerResetTimeout. While half-open
// every call is allowed; the next recorded success closes it and the next
// recorded failure reopens it.
type CircuitBreaker struct {
	mu              sync.Mutex
	state           BreakerState
	consecutiveFail int
	openedAt        time.Time
}

// NewCircuitBreaker constructs a breaker in the closed state.
func NewCircuitBreaker() *CircuitBreaker {
	return &CircuitBreaker{state: BreakerClosed}
}

// Allow reports whether a call may proceed, transitioning open->half-open
// once the reset timeout elapses.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if time.Since(b.openedAt) >= breakerResetTimeout {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess closes the breaker and resets the failure streak.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFail = 0
	b.state = BreakerClosed
}

// RecordFailure increments the failure streak, opening the breaker at the
// threshold (or immediately, from half-open).
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		b.openedAt = time.Now()
		return
	}

	b.consecutiveFail++
	if b.consecutiveFail >= breakerFailureThreshold {
		b.state = BreakerOpen
		b.openedAt = time.Now()
	}
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ErrBreakerOpen is returned by callers that consult Allow() before a call.
var ErrBreakerOpen = fmt.Errorf("optimizer: circuit breaker open")
