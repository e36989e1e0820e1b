// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package sdk

import (
	"context"
	"errors"
	"time"
)

// Default retry tuning for resilient calls.
const (
	DefaultMaxRetries  = 3
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultCallTimeout = 30 * time.Second
)

// ResilientConfig configures a ResilientClient.
type ResilientConfig struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// BaseDelay seeds the exponential backoff schedule (base * 2^attempt).
	BaseDelay time.Duration

	// MaxDelay caps a single backoff wait.
	MaxDelay time.Duration

	// Jitter is the fractional backoff randomization (0-1). Zero
	// disables jitter, which keeps retry schedules deterministic in
	// tests.
	Jitter float64

	// BreakerThreshold and BreakerCooldown configure new breakers.
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// DefaultJitter is the jitter factor production configs use.
const DefaultJitter = 0.1

// ResilientClient wraps outbound calls with a per-upstream circuit breaker
// and rate-limit-aware exponential backoff retry.
type ResilientClient struct {
	breakers   *BreakerRegistry
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	jitter     float64

	// sleep is overridable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewResilientClient creates a client with its own breaker registry.
func NewResilientClient(cfg ResilientConfig) *ResilientClient {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	return &ResilientClient{
		breakers:   NewBreakerRegistry(cfg.BreakerThreshold, cfg.BreakerCooldown),
		maxRetries: cfg.MaxRetries,
		baseDelay:  cfg.BaseDelay,
		maxDelay:   cfg.MaxDelay,
		jitter:     cfg.Jitter,
		sleep:      Sleep,
	}
}

// Breakers exposes the registry for status reporting.
func (c *ResilientClient) Breakers() *BreakerRegistry {
	return c.breakers
}

// Do runs fn against the named upstream under the resilience policy.
//
// The breaker is consulted once at entry: while open, Do fails fast with
// *CircuitBreakerOpenError. Each failed attempt is classified through the
// RetryableError / NonRetryableError wrappers:
//
//   - rate limited (429): sleep for the server hint or the backoff
//     schedule, retry, no breaker failure recorded;
//   - other retryable (5xx, connection, timeout): backoff, retry, breaker
//     failure recorded;
//   - non-retryable: returned immediately;
//   - unclassified errors are treated as retryable upstream failures.
//
// A success records a breaker success (failure counter reset, closed).
func (c *ResilientClient) Do(ctx context.Context, upstream string, fn func(ctx context.Context) error) error {
	cb := c.breakers.Get(upstream)
	if err := cb.Allow(); err != nil {
		return err
	}

	backoff := NewBackoff(c.baseDelay, c.maxDelay, 2, c.jitter)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := fn(ctx)
		if err == nil {
			cb.RecordSuccess()
			return nil
		}
		lastErr = err

		var nonRetryable *NonRetryableError
		if errors.As(err, &nonRetryable) {
			return err
		}

		wait := backoff.Next()
		var retryable *RetryableError
		if errors.As(err, &retryable) {
			if retryable.RateLimited {
				if retryable.RetryAfter > 0 {
					wait = retryable.RetryAfter
				}
			} else {
				cb.RecordFailure()
			}
		} else {
			cb.RecordFailure()
		}

		if attempt == c.maxRetries {
			break
		}
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
	}

	return &RetryError{Err: lastErr, Attempts: c.maxRetries + 1}
}
