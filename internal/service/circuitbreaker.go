package service

import (
	"sync"
	"time"
)

// CircuitState represents the state of a circuit breaker
type CircuitState string

const (
	StateClosed   CircuitState = "closed"
	StateOpen     CircuitState = "open"
	StateHalfOpen CircuitState = "half-open"
)

// ErrCircuitBreakerOpen is returned by Call without running fn.
var ErrCircuitBreakerOpen = NewError(CodeCircuitOpen, "circuit breaker is open")

// CircuitBreaker guards calls to the upstream API. It opens after failureThreshold
// consecutive failures, lets probes through after timeout, and closes again after
// successThreshold consecutive probe successes.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            CircuitState
	failureCount     int
	successCount     int
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	openedAt         time.Time
	maxProbes        int
	inFlightProbes   int
	now              func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(failureThreshold, successThreshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		maxProbes:        1,
		now:              time.Now,
	}
}

// Call executes fn if the circuit allows it and records the outcome. A panic in fn
// counts as a failure and is re-raised.
func (cb *CircuitBreaker) Call(fn func() error) (err error) {
	probe, admitErr := cb.admit()
	if admitErr != nil {
		return admitErr
	}

	panicked := true
	defer func() {
		cb.mu.Lock()
		defer cb.mu.Unlock()
		if probe {
			cb.inFlightProbes--
		}
		if panicked || err != nil {
			cb.recordFailure()
		} else {
			cb.recordSuccess()
		}
	}()

	err = fn()
	panicked = false
	return err
}

func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.timeout {
			return false, ErrCircuitBreakerOpen
		}
		cb.state = StateHalfOpen
		cb.successCount = 0
	}
	if cb.state == StateHalfOpen {
		if cb.inFlightProbes >= cb.maxProbes {
			return false, ErrCircuitBreakerOpen
		}
		cb.inFlightProbes++
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) recordFailure() {
	cb.successCount = 0
	if cb.state == StateHalfOpen {
		cb.trip()
		return
	}
	cb.failureCount++
	if cb.failureCount >= cb.failureThreshold {
		cb.trip()
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.failureCount = 0
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.failureCount = 0
	if cb.state != StateHalfOpen {
		return
	}
	cb.successCount++
	if cb.successCount >= cb.successThreshold {
		cb.state = StateClosed
		cb.successCount = 0
	}
}

// State returns the current state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.timeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset closes the circuit and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
}
