// Package service contains the service layer for the Ticker API
package service

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state machine state
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreaker protects a downstream dependency with the classic
// CLOSED/OPEN/HALF_OPEN state machine. All methods are safe for
// concurrent use; MayExecute both reads and advances the state.
type CircuitBreaker struct {
	failureThreshold    int
	recoveryTimeout     time.Duration
	halfOpenMaxAttempts int

	mu               sync.Mutex
	state            BreakerState
	failures         int
	halfOpenAttempts int
	openedAt         time.Time

	now func() time.Time
}

// NewCircuitBreaker creates a breaker in the CLOSED state
func NewCircuitBreaker(failureThreshold int, recoveryTimeout time.Duration, halfOpenMaxAttempts int) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 1
	}
	if halfOpenMaxAttempts <= 0 {
		halfOpenMaxAttempts = 1
	}
	return &CircuitBreaker{
		failureThreshold:    failureThreshold,
		recoveryTimeout:     recoveryTimeout,
		halfOpenMaxAttempts: halfOpenMaxAttempts,
		state:               BreakerClosed,
		now:                 time.Now,
	}
}

// MayExecute reports whether a call is allowed right now. In HALF_OPEN it
// hands out at most halfOpenMaxAttempts permits; the recovery-timeout
// transition happens here, so exactly one caller wins the first permit.
func (cb *CircuitBreaker) MayExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) >= cb.recoveryTimeout {
			cb.state = BreakerHalfOpen
			cb.halfOpenAttempts = 1
			return true
		}
		return false
	case BreakerHalfOpen:
		if cb.halfOpenAttempts < cb.halfOpenMaxAttempts {
			cb.halfOpenAttempts++
			return true
		}
		return false
	}
	return false
}

// RecordSuccess closes the breaker from HALF_OPEN and resets failure counts
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	if cb.state == BreakerHalfOpen {
		cb.state = BreakerClosed
		cb.halfOpenAttempts = 0
	}
}

// RecordFailure counts a failure; opens the breaker at the threshold, and
// re-opens immediately on any HALF_OPEN failure.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerHalfOpen:
		cb.open()
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.open()
		}
	}
}

// open transitions to OPEN; caller must hold cb.mu
func (cb *CircuitBreaker) open() {
	cb.state = BreakerOpen
	cb.openedAt = cb.now()
	cb.failures = 0
	cb.halfOpenAttempts = 0
}

// State returns the current state without advancing the machine
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
