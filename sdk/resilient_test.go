// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package sdk

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// newTestClient returns a client whose sleeps are recorded instead of slept.
func newTestClient(cfg ResilientConfig) (*ResilientClient, *[]time.Duration) {
	c := NewResilientClient(cfg)
	var waits []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	return c, &waits
}

func TestResilientClient_SuccessFirstAttempt(t *testing.T) {
	c, waits := newTestClient(ResilientConfig{})

	calls := 0
	err := c.Do(context.Background(), "anthropic", func(ctx context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("Do() = %v, want nil", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if len(*waits) != 0 {
		t.Errorf("waits = %v, want none", *waits)
	}
}

func TestResilientClient_RateLimitUsesServerHint(t *testing.T) {
	c, waits := newTestClient(ResilientConfig{MaxRetries: 2, BaseDelay: time.Second})

	calls := 0
	err := c.Do(context.Background(), "anthropic", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &RetryableError{
				Err:         errors.New("rate limited"),
				RetryAfter:  7 * time.Second,
				RateLimited: true,
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() = %v, want nil", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if len(*waits) != 1 || (*waits)[0] != 7*time.Second {
		t.Errorf("waits = %v, want [7s]", *waits)
	}
	// 429 must not count against the breaker.
	if got := c.Breakers().Get("anthropic").Failures(); got != 0 {
		t.Errorf("breaker failures = %d, want 0", got)
	}
}

func TestResilientClient_ServerErrorsBackOffAndCount(t *testing.T) {
	c, waits := newTestClient(ResilientConfig{MaxRetries: 3, BaseDelay: time.Second, BreakerThreshold: 10})

	calls := 0
	err := c.Do(context.Background(), "openai", func(ctx context.Context) error {
		calls++
		return &RetryableError{Err: fmt.Errorf("status 500 attempt %d", calls)}
	})

	var retryErr *RetryError
	if !errors.As(err, &retryErr) {
		t.Fatalf("Do() = %v, want *RetryError", err)
	}
	if retryErr.Attempts != 4 {
		t.Errorf("attempts = %d, want 4", retryErr.Attempts)
	}
	if calls != 4 {
		t.Errorf("calls = %d, want 4", calls)
	}

	// Exponential schedule: base, 2*base, 4*base.
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	if len(*waits) != len(want) {
		t.Fatalf("waits = %v, want %v", *waits, want)
	}
	for i, w := range want {
		if (*waits)[i] != w {
			t.Errorf("wait[%d] = %v, want %v", i, (*waits)[i], w)
		}
	}

	if got := c.Breakers().Get("openai").Failures(); got != 4 {
		t.Errorf("breaker failures = %d, want 4", got)
	}
}

func TestResilientClient_JitterSpreadsBackoff(t *testing.T) {
	c, waits := newTestClient(ResilientConfig{
		MaxRetries:       2,
		BaseDelay:        time.Second,
		Jitter:           0.5,
		BreakerThreshold: 10,
	})

	err := c.Do(context.Background(), "openai", func(ctx context.Context) error {
		return &RetryableError{Err: errors.New("status 500")}
	})
	var retryErr *RetryError
	if !errors.As(err, &retryErr) {
		t.Fatalf("Do() = %v, want *RetryError", err)
	}

	// Each wait stays within +/-50% of its exponential slot.
	bounds := []struct{ lo, hi time.Duration }{
		{500 * time.Millisecond, 1500 * time.Millisecond},
		{time.Second, 3 * time.Second},
	}
	if len(*waits) != len(bounds) {
		t.Fatalf("waits = %v, want %d entries", *waits, len(bounds))
	}
	for i, b := range bounds {
		if (*waits)[i] < b.lo || (*waits)[i] > b.hi {
			t.Errorf("wait[%d] = %v, want within [%v, %v]", i, (*waits)[i], b.lo, b.hi)
		}
	}
}

func TestResilientClient_NonRetryableStopsImmediately(t *testing.T) {
	c, waits := newTestClient(ResilientConfig{MaxRetries: 3})

	calls := 0
	cause := errors.New("invalid request")
	err := c.Do(context.Background(), "anthropic", func(ctx context.Context) error {
		calls++
		return &NonRetryableError{Err: cause}
	})
	if !errors.Is(err, cause) {
		t.Fatalf("Do() = %v, want wrapped %v", err, cause)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if len(*waits) != 0 {
		t.Errorf("waits = %v, want none", *waits)
	}
}

func TestResilientClient_FailsFastWhileOpen(t *testing.T) {
	c, _ := newTestClient(ResilientConfig{MaxRetries: 0, BreakerThreshold: 1, BreakerCooldown: time.Minute})

	// One failure trips the threshold-1 breaker.
	_ = c.Do(context.Background(), "anthropic", func(ctx context.Context) error {
		return &RetryableError{Err: errors.New("status 503")}
	})

	calls := 0
	err := c.Do(context.Background(), "anthropic", func(ctx context.Context) error {
		calls++
		return nil
	})
	var open *CircuitBreakerOpenError
	if !errors.As(err, &open) {
		t.Fatalf("Do() = %v, want *CircuitBreakerOpenError", err)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0 (no network attempt while open)", calls)
	}
}

func TestResilientClient_SuccessResetsBreaker(t *testing.T) {
	c, _ := newTestClient(ResilientConfig{MaxRetries: 1, BreakerThreshold: 5})

	calls := 0
	err := c.Do(context.Background(), "openai", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &RetryableError{Err: errors.New("status 502")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() = %v, want nil", err)
	}

	cb := c.Breakers().Get("openai")
	if got := cb.Failures(); got != 0 {
		t.Errorf("breaker failures = %d, want 0 after success", got)
	}
	if got := cb.State(); got != "closed" {
		t.Errorf("breaker state = %q, want closed", got)
	}
}

func TestBackoff_GrowthAndCap(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, 400*time.Millisecond, 2.0, 0)

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		400 * time.Millisecond,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("Next() #%d = %v, want %v", i, got, w)
		}
	}

	b.Reset()
	if got := b.Next(); got != 100*time.Millisecond {
		t.Errorf("Next() after Reset = %v, want 100ms", got)
	}
}
