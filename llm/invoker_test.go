// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"axonflow/gateway/sdk"
)

type fakeProvider struct {
	name    string
	content string
	err     error
	calls   int

	streamChunks []string
	streamErr    error
	// failAfterChunks emits streamChunks before streamErr.
	failAfterChunks bool
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &CompletionResponse{
		Content: f.content,
		Model:   req.Model,
		Usage:   UsageStats{InputTokens: 10, OutputTokens: 20},
	}, nil
}

func (f *fakeProvider) CompleteStream(ctx context.Context, req CompletionRequest, handler StreamHandler) (*CompletionResponse, error) {
	f.calls++
	if f.streamErr != nil && !f.failAfterChunks {
		return nil, f.streamErr
	}
	var sb strings.Builder
	for _, c := range f.streamChunks {
		if err := handler(StreamChunk{Type: "token", Content: c}); err != nil {
			return nil, err
		}
		sb.WriteString(c)
	}
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	usage := UsageStats{InputTokens: 10, OutputTokens: 20}
	if err := handler(StreamChunk{Type: "done", Usage: &usage}); err != nil {
		return nil, err
	}
	return &CompletionResponse{Content: sb.String(), Model: req.Model, Usage: usage}, nil
}

func newTestInvoker(anthropic, openai *fakeProvider) *Invoker {
	iv := NewInvoker(DefaultRegistry(), sdk.NewResilientClient(sdk.ResilientConfig{}), nil)
	iv.RegisterProvider(anthropic)
	iv.RegisterProvider(openai)
	return iv
}

func TestInvokePrimarySuccess(t *testing.T) {
	anthropic := &fakeProvider{name: "anthropic", content: "hello from claude"}
	openai := &fakeProvider{name: "openai", content: "hello from gpt"}
	iv := newTestInvoker(anthropic, openai)

	resp, err := iv.Invoke(context.Background(), "tenant-1", "req-1", "claude-sonnet-4-20250514", CompletionRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if resp.Content != "hello from claude" {
		t.Errorf("Expected primary content, got %q", resp.Content)
	}
	if resp.Model != "claude-sonnet-4-20250514" {
		t.Errorf("Expected primary model, got %q", resp.Model)
	}
	if openai.calls != 0 {
		t.Errorf("Fallback provider should not be called, got %d calls", openai.calls)
	}
}

func TestInvokeFallsBackToSecondModel(t *testing.T) {
	anthropic := &fakeProvider{
		name: "anthropic",
		err:  &sdk.NonRetryableError{Err: NewProviderError("anthropic", ErrCodeInvalidRequest, "bad request")},
	}
	openai := &fakeProvider{name: "openai", content: "hello from gpt"}
	iv := newTestInvoker(anthropic, openai)

	resp, err := iv.Invoke(context.Background(), "tenant-1", "req-1", "claude-sonnet-4-20250514", CompletionRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if resp.Content != "hello from gpt" {
		t.Errorf("Expected fallback content, got %q", resp.Content)
	}
	if resp.Model != "gpt-4o" {
		t.Errorf("Expected fallback model gpt-4o, got %q", resp.Model)
	}
	if anthropic.calls != 1 {
		t.Errorf("Expected 1 primary call, got %d", anthropic.calls)
	}
}

func TestInvokeBothModelsFailWrapsBothCauses(t *testing.T) {
	anthropic := &fakeProvider{
		name: "anthropic",
		err:  &sdk.NonRetryableError{Err: NewProviderError("anthropic", ErrCodeInvalidRequest, "anthropic down")},
	}
	openai := &fakeProvider{
		name: "openai",
		err:  &sdk.NonRetryableError{Err: NewProviderError("openai", ErrCodeInvalidRequest, "openai down")},
	}
	iv := newTestInvoker(anthropic, openai)

	_, err := iv.Invoke(context.Background(), "tenant-1", "req-1", "claude-sonnet-4-20250514", CompletionRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("Expected error when both models fail")
	}
	msg := err.Error()
	if !strings.Contains(msg, "anthropic down") || !strings.Contains(msg, "openai down") {
		t.Errorf("Error should carry both causes, got: %s", msg)
	}
	if !strings.Contains(msg, "claude-sonnet-4-20250514") || !strings.Contains(msg, "gpt-4o") {
		t.Errorf("Error should name both models, got: %s", msg)
	}
}

func TestInvokeFallbackIsSingleHop(t *testing.T) {
	// gpt-4o-mini falls back to gpt-4o. Both are served by the same
	// failing provider; the chain must not continue to claude.
	anthropic := &fakeProvider{name: "anthropic", content: "should not be reached"}
	openai := &fakeProvider{
		name: "openai",
		err:  &sdk.NonRetryableError{Err: NewProviderError("openai", ErrCodeInvalidRequest, "openai down")},
	}
	iv := newTestInvoker(anthropic, openai)

	_, err := iv.Invoke(context.Background(), "tenant-1", "req-1", "gpt-4o-mini", CompletionRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("Expected error")
	}
	if anthropic.calls != 0 {
		t.Errorf("Fallback must not chain past one hop, anthropic calls = %d", anthropic.calls)
	}
	if openai.calls != 2 {
		t.Errorf("Expected 2 openai calls (primary + fallback), got %d", openai.calls)
	}
}

func TestInvokeUnregisteredModel(t *testing.T) {
	iv := newTestInvoker(&fakeProvider{name: "anthropic"}, &fakeProvider{name: "openai"})

	_, err := iv.Invoke(context.Background(), "tenant-1", "req-1", "llama-70b", CompletionRequest{})
	if err == nil {
		t.Fatal("Expected error for unregistered model")
	}
	var pe *ProviderError
	if !errors.As(err, &pe) || pe.Code != ErrCodeModelNotFound {
		t.Errorf("Expected model_not_found ProviderError, got %v", err)
	}
}

func TestInvokeStreamDeliversChunks(t *testing.T) {
	anthropic := &fakeProvider{name: "anthropic", streamChunks: []string{"hel", "lo"}}
	openai := &fakeProvider{name: "openai"}
	iv := newTestInvoker(anthropic, openai)

	var got []string
	var sawDone bool
	resp, err := iv.InvokeStream(context.Background(), "tenant-1", "req-1", "claude-sonnet-4-20250514",
		CompletionRequest{Messages: []Message{{Role: "user", Content: "hi"}}},
		func(chunk StreamChunk) error {
			switch chunk.Type {
			case "token":
				got = append(got, chunk.Content)
			case "done":
				sawDone = true
			}
			return nil
		})
	if err != nil {
		t.Fatalf("InvokeStream failed: %v", err)
	}
	if strings.Join(got, "") != "hello" {
		t.Errorf("Expected chunks to assemble to 'hello', got %q", strings.Join(got, ""))
	}
	if !sawDone {
		t.Error("Expected a done chunk")
	}
	if resp.Content != "hello" {
		t.Errorf("Expected assembled content, got %q", resp.Content)
	}
}

func TestInvokeStreamNoFallbackAfterEmission(t *testing.T) {
	anthropic := &fakeProvider{
		name:            "anthropic",
		streamChunks:    []string{"partial"},
		streamErr:       &sdk.RetryableError{Err: NewProviderError("anthropic", ErrCodeServerError, "mid-stream failure")},
		failAfterChunks: true,
	}
	openai := &fakeProvider{name: "openai", streamChunks: []string{"should not appear"}}
	iv := newTestInvoker(anthropic, openai)

	_, err := iv.InvokeStream(context.Background(), "tenant-1", "req-1", "claude-sonnet-4-20250514",
		CompletionRequest{Messages: []Message{{Role: "user", Content: "hi"}}},
		func(chunk StreamChunk) error { return nil })
	if err == nil {
		t.Fatal("Expected mid-stream failure to surface")
	}
	if openai.calls != 0 {
		t.Errorf("Fallback must not run after chunks were emitted, got %d calls", openai.calls)
	}
	if anthropic.calls != 1 {
		t.Errorf("Mid-stream failure must not be retried, got %d calls", anthropic.calls)
	}
}

func TestInvokeStreamFallsBackBeforeEmission(t *testing.T) {
	anthropic := &fakeProvider{
		name:      "anthropic",
		streamErr: &sdk.NonRetryableError{Err: NewProviderError("anthropic", ErrCodeInvalidRequest, "immediate failure")},
	}
	openai := &fakeProvider{name: "openai", streamChunks: []string{"from", " fallback"}}
	iv := newTestInvoker(anthropic, openai)

	var got strings.Builder
	resp, err := iv.InvokeStream(context.Background(), "tenant-1", "req-1", "claude-sonnet-4-20250514",
		CompletionRequest{Messages: []Message{{Role: "user", Content: "hi"}}},
		func(chunk StreamChunk) error {
			if chunk.Type == "token" {
				got.WriteString(chunk.Content)
			}
			return nil
		})
	if err != nil {
		t.Fatalf("InvokeStream failed: %v", err)
	}
	if got.String() != "from fallback" {
		t.Errorf("Expected fallback stream, got %q", got.String())
	}
	if resp.Model != "gpt-4o" {
		t.Errorf("Expected fallback model, got %q", resp.Model)
	}
}

func TestInvokeCapsMaxTokensToModelLimit(t *testing.T) {
	var seen int
	anthropic := &capturingProvider{name: "anthropic", onComplete: func(req CompletionRequest) { seen = req.MaxTokens }}
	iv := NewInvoker(DefaultRegistry(), sdk.NewResilientClient(sdk.ResilientConfig{}), nil)
	iv.RegisterProvider(anthropic)

	_, err := iv.Invoke(context.Background(), "tenant-1", "req-1", "claude-sonnet-4-20250514", CompletionRequest{
		Messages:  []Message{{Role: "user", Content: "hi"}},
		MaxTokens: 999999,
	})
	if err != nil {
		t.Fatalf("Invoke failed: %v", err)
	}
	if seen != 8192 {
		t.Errorf("Expected max tokens capped to 8192, got %d", seen)
	}
}

type capturingProvider struct {
	name       string
	onComplete func(req CompletionRequest)
}

func (c *capturingProvider) Name() string { return c.name }

func (c *capturingProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	c.onComplete(req)
	return &CompletionResponse{Content: "ok", Model: req.Model}, nil
}
