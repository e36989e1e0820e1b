// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package sdk

import (
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker("anthropic", 3, time.Minute)

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
		if got := cb.State(); got != "closed" {
			t.Fatalf("after %d failures state = %q, want closed", i+1, got)
		}
	}

	cb.RecordFailure()
	if got := cb.State(); got != "open" {
		t.Fatalf("after threshold failures state = %q, want open", got)
	}

	err := cb.Allow()
	var open *CircuitBreakerOpenError
	if !errors.As(err, &open) {
		t.Fatalf("Allow() = %v, want *CircuitBreakerOpenError", err)
	}
	if open.Name != "anthropic" {
		t.Errorf("open error name = %q, want anthropic", open.Name)
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker("openai", 2, 20*time.Millisecond)

	cb.RecordFailure()
	cb.RecordFailure()
	if got := cb.State(); got != "open" {
		t.Fatalf("state = %q, want open", got)
	}

	// Cooldown not yet elapsed: fail fast.
	if err := cb.Allow(); err == nil {
		t.Fatal("Allow() before cooldown should fail")
	}

	time.Sleep(30 * time.Millisecond)

	// Cooldown elapsed: the next call is admitted in half-open.
	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow() after cooldown = %v, want nil", err)
	}
	if got := cb.State(); got != "half-open" {
		t.Fatalf("state = %q, want half-open", got)
	}

	cb.RecordSuccess()
	if got := cb.State(); got != "closed" {
		t.Errorf("state after half-open success = %q, want closed", got)
	}
	if got := cb.Failures(); got != 0 {
		t.Errorf("failures after success = %d, want 0", got)
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("openai", 2, 10*time.Millisecond)
	cb.RecordFailure()
	cb.RecordFailure()

	time.Sleep(20 * time.Millisecond)
	if err := cb.Allow(); err != nil {
		t.Fatalf("Allow() after cooldown = %v, want nil", err)
	}

	cb.RecordFailure()
	if got := cb.State(); got != "open" {
		t.Errorf("state after half-open failure = %q, want open", got)
	}
}

func TestBreakerRegistry_PerUpstream(t *testing.T) {
	reg := NewBreakerRegistry(2, time.Minute)

	a := reg.Get("anthropic")
	b := reg.Get("openai")
	if a == b {
		t.Fatal("expected distinct breakers per upstream")
	}
	if reg.Get("anthropic") != a {
		t.Fatal("expected the same breaker on repeat lookup")
	}

	a.RecordFailure()
	a.RecordFailure()

	states := reg.States()
	if states["anthropic"] != "open" {
		t.Errorf("anthropic state = %q, want open", states["anthropic"])
	}
	if states["openai"] != "closed" {
		t.Errorf("openai state = %q, want closed", states["openai"])
	}
}
