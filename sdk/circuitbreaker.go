// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package sdk

import (
	"fmt"
	"sync"
	"time"
)

// Default circuit breaker tuning. Overridable per registry.
const (
	DefaultBreakerThreshold = 5
	DefaultBreakerCooldown  = 60 * time.Second
)

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

// CircuitBreaker isolates a single named upstream. State machine:
// closed -> open after threshold consecutive failures; open -> half-open
// once the cooldown has elapsed since the last failure; half-open -> closed
// on the next success (failure counter reset), half-open -> open on the
// next failure.
type CircuitBreaker struct {
	name        string
	threshold   int
	cooldown    time.Duration
	mu          sync.Mutex
	failures    int
	state       circuitState
	lastFailure time.Time
}

// NewCircuitBreaker creates a closed breaker for the named upstream.
func NewCircuitBreaker(name string, threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultBreakerThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultBreakerCooldown
	}
	return &CircuitBreaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		state:     circuitClosed,
	}
}

// Allow reports whether a call may proceed. While open, it returns
// *CircuitBreakerOpenError without any network attempt. Once the cooldown
// has elapsed the breaker moves to half-open and the call is admitted.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == circuitOpen {
		if time.Since(cb.lastFailure) > cb.cooldown {
			cb.state = circuitHalfOpen
			return nil
		}
		return &CircuitBreakerOpenError{Name: cb.name, Cooldown: cb.cooldown}
	}
	return nil
}

// RecordSuccess resets the failure counter and closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.state = circuitClosed
}

// RecordFailure counts a failure, opening the breaker at the threshold.
// A failure during half-open reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.lastFailure = time.Now()
	if cb.state == circuitHalfOpen || cb.failures >= cb.threshold {
		cb.state = circuitOpen
	}
}

// State returns the current state as a string: "closed", "open" or
// "half-open".
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case circuitClosed:
		return "closed"
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset forces the breaker back to closed with a zero failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = circuitClosed
	cb.failures = 0
}

// CircuitBreakerOpenError indicates a call failed fast because the
// upstream's breaker is open.
type CircuitBreakerOpenError struct {
	Name     string
	Cooldown time.Duration
}

func (e *CircuitBreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open (cooldown %s)", e.Name, e.Cooldown)
}

// BreakerRegistry owns one breaker per upstream name. Breakers are created
// lazily on first use and shared by all callers of that upstream.
type BreakerRegistry struct {
	mu        sync.Mutex
	breakers  map[string]*CircuitBreaker
	threshold int
	cooldown  time.Duration
}

// NewBreakerRegistry creates a registry with the given defaults for new
// breakers. Zero values fall back to the package defaults.
func NewBreakerRegistry(threshold int, cooldown time.Duration) *BreakerRegistry {
	return &BreakerRegistry{
		breakers:  make(map[string]*CircuitBreaker),
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Get returns the breaker for the named upstream, creating it if needed.
func (r *BreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[name]
	if !ok {
		cb = NewCircuitBreaker(name, r.threshold, r.cooldown)
		r.breakers[name] = cb
	}
	return cb
}

// States returns a snapshot of breaker states keyed by upstream name.
func (r *BreakerRegistry) States() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make(map[string]string, len(r.breakers))
	for name, cb := range r.breakers {
		states[name] = cb.State()
	}
	return states
}
