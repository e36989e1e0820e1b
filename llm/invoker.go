// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"fmt"
	"time"

	"axonflow/gateway/sdk"
	"axonflow/gateway/shared/logger"
)

// Invoker routes completion requests to the provider serving the resolved
// model, applying the shared resilience policy and a single-hop model
// fallback when the primary upstream is exhausted.
type Invoker struct {
	registry  *Registry
	providers map[ProviderType]Provider
	resilient *sdk.ResilientClient
	log       *logger.Logger
}

// NewInvoker creates an Invoker over the given registry and providers.
func NewInvoker(registry *Registry, resilient *sdk.ResilientClient, log *logger.Logger) *Invoker {
	if log == nil {
		log = logger.New("invoker")
	}
	return &Invoker{
		registry:  registry,
		providers: make(map[ProviderType]Provider),
		resilient: resilient,
		log:       log,
	}
}

// RegisterProvider wires a provider integration. Later registrations for
// the same type replace earlier ones.
func (iv *Invoker) RegisterProvider(p Provider) {
	iv.providers[ProviderType(p.Name())] = p
}

// Registry returns the model registry backing this invoker.
func (iv *Invoker) Registry() *Registry {
	return iv.registry
}

// Breakers exposes circuit breaker states for health reporting.
func (iv *Invoker) Breakers() map[string]string {
	return iv.resilient.Breakers().States()
}

// Invoke completes the request against modelID. If the primary model's
// upstream fails past the retry budget (or its breaker is open), the
// registry's single-hop fallback model is attempted once. When both fail
// the returned error carries both causes.
func (iv *Invoker) Invoke(ctx context.Context, tenantID, requestID, modelID string, req CompletionRequest) (*CompletionResponse, error) {
	resp, primaryErr := iv.invokeModel(ctx, modelID, req)
	if primaryErr == nil {
		return resp, nil
	}

	fallbackID, ok := iv.registry.Fallback(modelID)
	if !ok {
		return nil, primaryErr
	}

	iv.log.Warn(tenantID, requestID, "Primary model failed, trying fallback", map[string]interface{}{
		"model":    modelID,
		"fallback": fallbackID,
		"error":    primaryErr.Error(),
	})

	resp, fallbackErr := iv.invokeModel(ctx, fallbackID, req)
	if fallbackErr != nil {
		return nil, fmt.Errorf("model %s failed (%w); fallback %s failed (%v)", modelID, primaryErr, fallbackID, fallbackErr)
	}
	return resp, nil
}

// InvokeStream streams the completion through handler. The fallback model
// is attempted only when the primary failed before emitting any chunk, so
// clients never see output from two models spliced together.
func (iv *Invoker) InvokeStream(ctx context.Context, tenantID, requestID, modelID string, req CompletionRequest, handler StreamHandler) (*CompletionResponse, error) {
	emitted := false
	guarded := func(chunk StreamChunk) error {
		emitted = true
		return handler(chunk)
	}

	resp, primaryErr := iv.invokeModelStream(ctx, modelID, req, guarded)
	if primaryErr == nil {
		return resp, nil
	}
	if emitted {
		return nil, primaryErr
	}

	fallbackID, ok := iv.registry.Fallback(modelID)
	if !ok {
		return nil, primaryErr
	}

	iv.log.Warn(tenantID, requestID, "Primary model failed, trying fallback", map[string]interface{}{
		"model":    modelID,
		"fallback": fallbackID,
		"error":    primaryErr.Error(),
	})

	resp, fallbackErr := iv.invokeModelStream(ctx, fallbackID, req, handler)
	if fallbackErr != nil {
		return nil, fmt.Errorf("model %s failed (%w); fallback %s failed (%v)", modelID, primaryErr, fallbackID, fallbackErr)
	}
	return resp, nil
}

func (iv *Invoker) invokeModel(ctx context.Context, modelID string, req CompletionRequest) (*CompletionResponse, error) {
	spec, provider, err := iv.lookup(modelID)
	if err != nil {
		return nil, err
	}

	req.Model = modelID
	if req.MaxTokens <= 0 || req.MaxTokens > spec.MaxOutputTokens {
		req.MaxTokens = spec.MaxOutputTokens
	}

	var resp *CompletionResponse
	start := time.Now()
	err = iv.resilient.Do(ctx, provider.Name(), func(ctx context.Context) error {
		var callErr error
		resp, callErr = provider.Complete(ctx, req)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	resp.Latency = time.Since(start)
	return resp, nil
}

func (iv *Invoker) invokeModelStream(ctx context.Context, modelID string, req CompletionRequest, handler StreamHandler) (*CompletionResponse, error) {
	spec, provider, err := iv.lookup(modelID)
	if err != nil {
		return nil, err
	}

	streamer, ok := provider.(StreamingProvider)
	if !ok {
		// Provider has no native streaming: complete, then replay as
		// a single token chunk followed by done.
		resp, err := iv.invokeModel(ctx, modelID, req)
		if err != nil {
			return nil, err
		}
		if err := handler(StreamChunk{Type: "token", Content: resp.Content}); err != nil {
			return nil, err
		}
		usage := resp.Usage
		if err := handler(StreamChunk{Type: "done", Usage: &usage}); err != nil {
			return nil, err
		}
		return resp, nil
	}

	req.Model = modelID
	if req.MaxTokens <= 0 || req.MaxTokens > spec.MaxOutputTokens {
		req.MaxTokens = spec.MaxOutputTokens
	}

	var resp *CompletionResponse
	start := time.Now()
	err = iv.resilient.Do(ctx, provider.Name(), func(ctx context.Context) error {
		// Once a chunk has reached the caller a retry would duplicate
		// output, so mid-stream failures are demoted to non-retryable.
		emitted := false
		guarded := func(chunk StreamChunk) error {
			emitted = true
			return handler(chunk)
		}
		var callErr error
		resp, callErr = streamer.CompleteStream(ctx, req, guarded)
		if callErr != nil && emitted {
			return &sdk.NonRetryableError{Err: callErr}
		}
		return callErr
	})
	if err != nil {
		return nil, err
	}
	resp.Latency = time.Since(start)
	return resp, nil
}

func (iv *Invoker) lookup(modelID string) (ModelSpec, Provider, error) {
	spec, ok := iv.registry.Get(modelID)
	if !ok {
		return ModelSpec{}, nil, NewProviderError("router", ErrCodeModelNotFound,
			fmt.Sprintf("model %s is not registered", modelID))
	}
	provider, ok := iv.providers[spec.Provider]
	if !ok {
		return ModelSpec{}, nil, NewProviderError("router", ErrCodeUnavailable,
			fmt.Sprintf("no provider configured for %s", spec.Provider))
	}
	return spec, provider, nil
}
