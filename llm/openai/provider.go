// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package openai implements the llm.Provider interface against the
// OpenAI Chat Completions API.
package openai

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
	// DefaultBaseURL is the OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com"

	// DefaultTimeout bounds a single API call.
	DefaultTimeout = 120 * time.Second

	providerName = "openai"
)

// Config configures the OpenAI provider.
type Config struct {
	// APIKey is the OpenAI API key.
	APIKey string

	// BaseURL overrides the API endpoint, primarily for tests.
	BaseURL string

	// HTTPClient overrides the default client.
	HTTPClient *http.Client
}

// Provider calls the OpenAI Chat Completions API.
type Provider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// New creates an OpenAI provider.
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

type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []llm.Message  `json:"messages"`
	Temperature   float64        `json:"temperature"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Complete performs a blocking completion via the Chat Completions API.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	httpResp, err := p.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, p.classifyResponse(httpResp)
	}

	var body chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&body); err != nil {
		return nil, llm.ClassifyTransportError(providerName, fmt.Errorf("decoding response: %w", err))
	}
	if len(body.Choices) == 0 {
		return nil, llm.ClassifyTransportError(providerName, fmt.Errorf("response has no choices"))
	}

	var toolCalls []llm.ToolCall
	for _, tc := range body.Choices[0].Message.ToolCalls {
		if tc.Type != "function" {
			continue
		}
		// Chat Completions carries arguments as a JSON string.
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, llm.ClassifyTransportError(providerName,
					fmt.Errorf("decoding tool call %s arguments: %w", tc.ID, err))
			}
		}
		toolCalls = append(toolCalls, llm.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: args,
		})
	}

	return &llm.CompletionResponse{
		Content:   body.Choices[0].Message.Content,
		Model:     body.Model,
		ToolCalls: toolCalls,
		Usage: llm.UsageStats{
			InputTokens:  body.Usage.PromptTokens,
			OutputTokens: body.Usage.CompletionTokens,
		},
	}, nil
}

type streamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// CompleteStream performs a streaming completion, forwarding content
// deltas to handler as they arrive.
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
		if payload == "[DONE]" {
			if err := handler(llm.StreamChunk{Type: "done", Usage: &usage}); err != nil {
				return nil, err
			}
			return &llm.CompletionResponse{
				Content: sb.String(),
				Model:   model,
				Usage:   usage,
			}, nil
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			sb.WriteString(text)
			if err := handler(llm.StreamChunk{Type: "token", Content: text}); err != nil {
				return nil, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, llm.ClassifyTransportError(providerName, fmt.Errorf("reading stream: %w", err))
	}
	return nil, llm.ClassifyTransportError(providerName, fmt.Errorf("stream ended without [DONE]"))
}

func (p *Provider) post(ctx context.Context, req llm.CompletionRequest, stream bool) (*http.Response, error) {
	messages := req.Messages
	if req.SystemPrompt != "" {
		messages = append([]llm.Message{{Role: "system", Content: req.SystemPrompt}}, messages...)
	}

	body := chatRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      stream,
	}
	if stream {
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

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
