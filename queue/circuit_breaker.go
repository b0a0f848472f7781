package queue

import (
	"encoding/json"
	"sync"
	"time"
)

// CircuitBreakerState is the breaker position.
type CircuitBreakerState int

const (
	CircuitBreakerClosed CircuitBreakerState = iota
	CircuitBreakerOpen
	CircuitBreakerHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerClosed:
		return "closed"
	case CircuitBreakerOpen:
		return "open"
	case CircuitBreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

func (s CircuitBreakerState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// CircuitBreaker stops calling a failing collaborator for a while.
type CircuitBreaker struct {
	mu                sync.Mutex
	state             CircuitBreakerState
	failureCount      int
	lastFailureTime   time.Time
	failureThreshold  int
	timeout           time.Duration
	halfOpenSuccesses int
	maxHalfOpenTries  int
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(failureThreshold int, timeout time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 1
	}
	return &CircuitBreaker{
		state:            CircuitBreakerClosed,
		failureThreshold: failureThreshold,
		timeout:          timeout,
		maxHalfOpenTries: 3,
	}
}

// Call runs fn unless the breaker is open.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.allowCall() {
		return ErrCircuitBreakerOpen
	}

	err := fn()
	cb.recordResult(err)
	return err
}

func (cb *CircuitBreaker) allowCall() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitBreakerClosed:
		return true
	case CircuitBreakerOpen:
		if time.Since(cb.lastFailureTime) < cb.timeout {
			return false
		}
		cb.state = CircuitBreakerHalfOpen
		cb.halfOpenSuccesses = 0
		return true
	case CircuitBreakerHalfOpen:
		return cb.halfOpenSuccesses < cb.maxHalfOpenTries
	default:
		return false
	}
}

func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failureCount++
		cb.lastFailureTime = time.Now()
		if cb.state == CircuitBreakerHalfOpen || cb.failureCount >= cb.failureThreshold {
			cb.state = CircuitBreakerOpen
		}
		return
	}

	cb.failureCount = 0
	if cb.state == CircuitBreakerHalfOpen {
		cb.halfOpenSuccesses++
		if cb.halfOpenSuccesses >= cb.maxHalfOpenTries {
			cb.state = CircuitBreakerClosed
		}
	}
}

// State returns the current position.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
