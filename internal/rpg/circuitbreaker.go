package rpg

import (
	"log/slog"
	"sync"
	"time"
)

// circuitBreaker is a per-key circuit breaker with lazy half-open
// transitions: CLOSED -> OPEN on N consecutive failures, OPEN -> HALF_OPEN
// once the cooldown elapses (checked on the next query, not on a timer),
// HALF_OPEN -> CLOSED on a successful probe, HALF_OPEN -> OPEN on a failed
// one. Concurrent probes during HALF_OPEN are permitted; this breaker does
// not enforce a single in-flight probe.
type circuitBreaker struct {
	providerID       string
	keyIndex         int
	failureThreshold int
	cooldown         time.Duration
	now              func() time.Time
	logger           *slog.Logger

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
}

func newCircuitBreaker(providerID string, keyIndex, failureThreshold int, cooldown time.Duration, now func() time.Time, logger *slog.Logger) *circuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &circuitBreaker{
		providerID:       providerID,
		keyIndex:         keyIndex,
		failureThreshold: failureThreshold,
		cooldown:         cooldown,
		now:              now,
		logger:           logger,
		state:            CircuitClosed,
	}
}

// canExecute reports whether the circuit currently admits a request,
// lazily transitioning OPEN to HALF_OPEN if the cooldown has elapsed.
func (cb *circuitBreaker) canExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpenLocked()

	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	default: // CircuitOpen
		return false
	}
}

// currentState returns the breaker's current state, evaluating the lazy
// OPEN->HALF_OPEN transition first.
func (cb *circuitBreaker) currentState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.maybeHalfOpenLocked()
	return cb.state
}

// recordSuccess closes the circuit and resets the failure streak.
func (cb *circuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	prev := cb.state
	cb.state = CircuitClosed
	cb.consecutiveFailures = 0
	if prev != CircuitClosed && cb.logger != nil {
		cb.logger.Info("circuit breaker closed",
			"provider", cb.providerID, "key_index", cb.keyIndex, "previous_state", prev)
	}
}

// recordFailure may trip the circuit open, either from a failed
// half-open probe or from reaching the consecutive-failure threshold
// while closed.
func (cb *circuitBreaker) recordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case CircuitHalfOpen:
		cb.state = CircuitOpen
		if cb.logger != nil {
			cb.logger.Warn("circuit breaker reopened",
				"provider", cb.providerID, "key_index", cb.keyIndex, "failures", cb.consecutiveFailures)
		}
	case CircuitClosed:
		if cb.consecutiveFailures >= cb.failureThreshold {
			cb.state = CircuitOpen
			if cb.logger != nil {
				cb.logger.Warn("circuit breaker opened",
					"provider", cb.providerID, "key_index", cb.keyIndex,
					"failures", cb.consecutiveFailures, "cooldown", cb.cooldown)
			}
		}
	}
}

// reset force-closes the circuit, used by the admin reset API.
func (cb *circuitBreaker) reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.consecutiveFailures = 0
	if cb.logger != nil {
		cb.logger.Info("circuit breaker force reset", "provider", cb.providerID, "key_index", cb.keyIndex)
	}
}

// maybeHalfOpenLocked transitions OPEN to HALF_OPEN once the cooldown
// has elapsed since the last failure. Caller must hold cb.mu.
func (cb *circuitBreaker) maybeHalfOpenLocked() {
	if cb.state != CircuitOpen {
		return
	}
	if cb.now().Sub(cb.lastFailureTime) >= cb.cooldown {
		cb.state = CircuitHalfOpen
		if cb.logger != nil {
			cb.logger.Info("circuit breaker half-open",
				"provider", cb.providerID, "key_index", cb.keyIndex)
		}
	}
}
