// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package sdk provides the resilience primitives shared by every outbound
dependency of the gateway: exponential backoff with jitter, a per-upstream
circuit breaker, and a ResilientClient that combines the two with
rate-limit-aware retry.

# Overview

Outbound calls (LLM providers, and anything else the gateway grows) are
wrapped in ResilientClient.Do, which applies a uniform policy:

  - While a breaker is open, calls fail fast with *CircuitBreakerOpenError
    and no network attempt is made.
  - HTTP 429 responses sleep for the server-provided Retry-After (or the
    exponential backoff schedule when absent) and retry. Rate limiting is
    not counted as an upstream failure.
  - Server errors and connection/timeout failures back off exponentially,
    retry, and count against the breaker.
  - Any other client error, or a success, stops immediately. A success
    resets the breaker.

Callers classify their errors with RetryableError and NonRetryableError so
the policy never needs to understand provider-specific failures.

# Usage

	client := sdk.NewResilientClient(sdk.ResilientConfig{})
	err := client.Do(ctx, "anthropic", func(ctx context.Context) error {
	    return callProvider(ctx)
	})
	var open *sdk.CircuitBreakerOpenError
	if errors.As(err, &open) {
	    // upstream is cooling down
	}

# Thread Safety

All types in this package are safe for concurrent use. Breakers use one
mutex per upstream name; there is no global lock across upstreams.
*/
package sdk
