// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package sdk

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// RetryableError marks an error as transient. The resilient client retries
// it according to the backoff schedule.
type RetryableError struct {
	Err error

	// RetryAfter is the server-provided wait hint (HTTP Retry-After).
	// Zero means no hint; the backoff schedule applies.
	RetryAfter time.Duration

	// RateLimited is true for HTTP 429. Rate limiting is retried but is
	// not counted as an upstream failure by the circuit breaker.
	RateLimited bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NonRetryableError marks an error as terminal for the current attempt
// loop (for example an HTTP 4xx other than 429).
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return e.Err.Error()
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// RetryError indicates all retry attempts were exhausted.
type RetryError struct {
	Err      error
	Attempts int
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// Backoff calculates exponential backoff delays with optional jitter.
// The zero attempt returns InitialInterval; each subsequent attempt
// multiplies by Multiplier, capped at MaxInterval.
type Backoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          float64
	attempt         int
}

// NewBackoff creates a backoff calculator.
func NewBackoff(initial, max time.Duration, multiplier, jitter float64) *Backoff {
	return &Backoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		Jitter:          jitter,
	}
}

// Next returns the delay before the next attempt and advances the schedule.
func (b *Backoff) Next() time.Duration {
	interval := float64(b.InitialInterval) * math.Pow(b.Multiplier, float64(b.attempt))
	if interval > float64(b.MaxInterval) {
		interval = float64(b.MaxInterval)
	}

	if b.Jitter > 0 {
		interval += interval * b.Jitter * (rand.Float64()*2 - 1)
	}

	b.attempt++
	return time.Duration(interval)
}

// Reset restarts the schedule from InitialInterval.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt returns the number of delays handed out so far.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Sleep waits for the given duration or until the context is done,
// whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
