// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package llm provides the unified types, model registry, and invocation
// primitives for the gateway's upstream inference providers. All provider
// integrations normalize their wire formats into the types defined here;
// nothing provider-specific crosses the pipeline boundary.
package llm

import (
	"fmt"
	"time"
)

// ProviderType identifies the type of LLM provider.
type ProviderType string

// Standard provider types supported out of the box.
const (
	// ProviderTypeAnthropic represents Anthropic's Claude models.
	ProviderTypeAnthropic ProviderType = "anthropic"

	// ProviderTypeOpenAI represents OpenAI's GPT models.
	ProviderTypeOpenAI ProviderType = "openai"

	// ProviderTypeBedrock represents models served through AWS Bedrock.
	ProviderTypeBedrock ProviderType = "bedrock"
)

// Message is a single chat turn in the provider-neutral format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ModelSpec describes a single registered model. Specs are immutable and
// live in a read-only registry shared by all requests.
type ModelSpec struct {
	// ModelID is the provider-facing model identifier.
	ModelID string `json:"model_id"`

	// Provider is the upstream that serves this model.
	Provider ProviderType `json:"provider"`

	// DisplayName is the human-readable model name.
	DisplayName string `json:"display_name"`

	// ContextWindow is the maximum total tokens the model accepts.
	ContextWindow int `json:"context_window"`

	// MaxOutputTokens is the maximum completion length.
	MaxOutputTokens int `json:"max_output_tokens"`

	// CostPer1KInput and CostPer1KOutput are USD per 1000 tokens.
	CostPer1KInput  float64 `json:"cost_per_1k_input"`
	CostPer1KOutput float64 `json:"cost_per_1k_output"`

	// Tags are capability hints ("reasoning", "fast", "code", ...).
	// Used for display only; routing does not select on them.
	Tags []string `json:"tags,omitempty"`
}

// CompletionRequest encapsulates all parameters forwarded to a provider.
type CompletionRequest struct {
	// Model is the resolved model identifier.
	Model string `json:"model"`

	// Messages is the ordered conversation, excluding the system prompt.
	Messages []Message `json:"messages"`

	// SystemPrompt is the leading system message, if any.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Temperature controls randomness (0.0 deterministic .. 1.0 creative).
	Temperature float64 `json:"temperature"`

	// MaxTokens limits the completion length. Zero means the model's
	// MaxOutputTokens.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionResponse is the single internal result shape all providers
// normalize into.
type CompletionResponse struct {
	// Content is the generated text.
	Content string `json:"content"`

	// Model is the model that actually served the request.
	Model string `json:"model"`

	// Usage contains token counts for billing and metrics.
	Usage UsageStats `json:"usage"`

	// ToolCalls are structured tool invocations requested by the model.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Latency is the time the provider took to respond.
	Latency time.Duration `json:"latency"`
}

// UsageStats tracks token usage for a single completion.
type UsageStats struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns input plus output tokens.
func (u UsageStats) Total() int {
	return u.InputTokens + u.OutputTokens
}

// ToolCall is a structured tool invocation emitted by a model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// StreamChunk is a single token chunk from a streaming completion.
type StreamChunk struct {
	// Type is "token" while streaming and "done" for the final chunk.
	Type string `json:"type"`

	// Content is the incremental text for token chunks.
	Content string `json:"content,omitempty"`

	// Usage is populated on the final chunk when the provider reports it.
	Usage *UsageStats `json:"usage,omitempty"`
}

// StreamHandler receives chunks as they arrive. Returning an error aborts
// the stream.
type StreamHandler func(chunk StreamChunk) error

// ProviderError represents a normalized error from an LLM provider.
type ProviderError struct {
	// Provider is the upstream name that produced the error.
	Provider string `json:"provider"`

	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// StatusCode is the HTTP status, when applicable.
	StatusCode int `json:"status_code,omitempty"`

	// Retryable indicates if the request can be retried.
	Retryable bool `json:"retryable"`

	// Cause is the underlying error, if any.
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Common error codes.
const (
	ErrCodeRateLimit      = "rate_limit"
	ErrCodeAuth           = "authentication_error"
	ErrCodeInvalidRequest = "invalid_request"
	ErrCodeModelNotFound  = "model_not_found"
	ErrCodeServerError    = "server_error"
	ErrCodeTimeout        = "timeout"
	ErrCodeUnavailable    = "unavailable"
)

// NewProviderError creates a ProviderError with retryability derived from
// the code.
func NewProviderError(provider, code, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Retryable: isRetryableCode(code),
	}
}

func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeRateLimit, ErrCodeServerError, ErrCodeTimeout, ErrCodeUnavailable:
		return true
	default:
		return false
	}
}
