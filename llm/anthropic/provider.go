// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package anthropic implements the llm.Provider interface against the
// Anthropic Messages API.
package anthropic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"axonflow/gateway/llm"
)

const (
	// DefaultBaseURL is the Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	// APIVersion is the anthropic-version header value.
	APIVersion = "2023-06-01"

	// DefaultTimeout bounds a single API call.
	DefaultTimeout = 120 * time.Second

	providerName = "anthropic"
)

// Config configures the Anthropic provider.
type Config struct {
	// APIKey is the Anthropic API key.
	APIKey string

	// BaseURL overrides the API endpoint, primarily for tests.
	BaseURL string

	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

// Provider calls the Anthropic Messages API.
type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// New creates an Anthropic provider.
func New(cfg Config) *Provider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &Provider{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
	}
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return providerName
}

type messagesRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	System      string        `json:"system,omitempty"`
	Messages    []llm.Message `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream,omitempty"`
}

type messagesResponse struct {
	Content []struct {
		Type  string         `json:"type"`
		Text  string         `json:"text"`
		ID    string         `json:"id"`
		Name  string         `json:"name"`
		Input map[string]any `json:"input"`
	} `json:"content"`
	Model string `json:"model"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	StopReason string `json:"stop_reason"`
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete performs a blocking completion via the Messages API.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	httpResp, err := p.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, p.classifyResponse(httpResp)
	}

	var body messagesResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&body); err != nil {
		return nil, llm.ClassifyTransportError(providerName, fmt.Errorf("decoding response: %w", err))
	}

	var sb strings.Builder
	var toolCalls []llm.ToolCall
	for _, block := range body.Content {
		switch block.Type {
		case "text":
			sb.WriteString(block.Text)
		case "tool_use":
			toolCalls = append(toolCalls, llm.ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: block.Input,
			})
		}
	}

	return &llm.CompletionResponse{
		Content:   sb.String(),
		Model:     body.Model,
		ToolCalls: toolCalls,
		Usage: llm.UsageStats{
			InputTokens:  body.Usage.InputTokens,
			OutputTokens: body.Usage.OutputTokens,
		},
	}, nil
}

// streamEvent is the subset of Anthropic SSE event payloads the gateway
// consumes.
type streamEvent struct {
	Type    string `json:"type"`
	Message struct {
		Model string `json:"model"`
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// CompleteStream performs a streaming completion, forwarding text deltas
// to handler as they arrive.
func (p *Provider) CompleteStream(ctx context.Context, req llm.CompletionRequest, handler llm.StreamHandler) (*llm.CompletionResponse, error) {
	httpResp, err := p.post(ctx, req, true)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, p.classifyResponse(httpResp)
	}

	var (
		sb    strings.Builder
		usage llm.UsageStats
		model = req.Model
	)

	scanner := bufio.NewScanner(httpResp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")

		var ev streamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "message_start":
			usage.InputTokens = ev.Message.Usage.InputTokens
			if ev.Message.Model != "" {
				model = ev.Message.Model
			}
		case "content_block_delta":
			if ev.Delta.Type != "text_delta" {
				continue
			}
			sb.WriteString(ev.Delta.Text)
			if err := handler(llm.StreamChunk{Type: "token", Content: ev.Delta.Text}); err != nil {
				return nil, err
			}
		case "message_delta":
			usage.OutputTokens = ev.Usage.OutputTokens
		case "message_stop":
			if err := handler(llm.StreamChunk{Type: "done", Usage: &usage}); err != nil {
				return nil, err
			}
			return &llm.CompletionResponse{
				Content: sb.String(),
				Model:   model,
				Usage:   usage,
			}, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, llm.ClassifyTransportError(providerName, fmt.Errorf("reading stream: %w", err))
	}
	return nil, llm.ClassifyTransportError(providerName, fmt.Errorf("stream ended without message_stop"))
}

func (p *Provider) post(ctx context.Context, req llm.CompletionRequest, stream bool) (*http.Response, error) {
	body := messagesRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		System:      req.SystemPrompt,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = 4096
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", APIVersion)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, llm.ClassifyTransportError(providerName, err)
	}
	return httpResp, nil
}

func (p *Provider) classifyResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	message := http.StatusText(resp.StatusCode)
	var apiErr apiError
	if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
		message = apiErr.Error.Message
	}
	return llm.ClassifyHTTPStatus(providerName, resp.StatusCode, message, resp.Header.Get("Retry-After"))
}
