// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import "context"

// Provider is the interface all LLM provider integrations implement.
//
// Implementations must be safe for concurrent use and must normalize
// every upstream failure into the sdk retry error types so the invoker's
// resilience policy applies uniformly:
//
//   - 429 responses become a rate-limited sdk.RetryableError carrying the
//     server's Retry-After hint when present
//   - 5xx responses, connection errors, and timeouts become plain
//     sdk.RetryableError values
//   - other 4xx responses become sdk.NonRetryableError values
type Provider interface {
	// Name returns the provider identifier ("anthropic", "openai").
	Name() string

	// Complete performs a single blocking completion.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// StreamingProvider is implemented by providers that support server-sent
// token streaming.
type StreamingProvider interface {
	Provider

	// CompleteStream performs a completion, invoking handler for each
	// chunk as it arrives. The returned response carries the assembled
	// content and final usage.
	CompleteStream(ctx context.Context, req CompletionRequest, handler StreamHandler) (*CompletionResponse, error)
}
