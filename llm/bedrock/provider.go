// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package bedrock implements the llm.Provider interface against AWS
// Bedrock via the SDK's InvokeModel API. Authentication is AWS Signature
// V4 through the ambient credential chain, so IAM roles work without any
// key material in gateway config.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"axonflow/gateway/llm"
	"axonflow/gateway/sdk"
)

const (
	// DefaultRegion is used when no region is configured.
	DefaultRegion = "us-east-1"

	// anthropicVersion is the required version marker for Claude models
	// invoked through Bedrock.
	anthropicVersion = "bedrock-2023-05-31"

	providerName = "bedrock"
)

// InvokeAPI is the slice of the Bedrock runtime client the provider uses.
type InvokeAPI interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// Config configures the Bedrock provider.
type Config struct {
	// Region is the AWS region hosting the models.
	Region string

	// Client overrides the SDK client, primarily for tests.
	Client InvokeAPI
}

// Provider calls AWS Bedrock. It does not stream; the invoker replays
// blocking completions as a single chunk on the streaming path.
type Provider struct {
	client InvokeAPI
	region string
}

// New creates a Bedrock provider, loading the AWS credential chain for
// the configured region unless a client is injected.
func New(ctx context.Context, cfg Config) (*Provider, error) {
	region := cfg.Region
	if region == "" {
		region = DefaultRegion
	}
	client := cfg.Client
	if client == nil {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
		if err != nil {
			return nil, fmt.Errorf("loading AWS config for region %s: %w", region, err)
		}
		client = bedrockruntime.NewFromConfig(awsCfg)
	}
	return &Provider{client: client, region: region}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return providerName
}

// Complete invokes the model named in the request. The request body and
// response parsing depend on the model family encoded in the Bedrock
// model ID (anthropic.*, amazon.*, meta.*, mistral.*).
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	family := modelFamily(req.Model)
	if family == "" {
		return nil, &sdk.NonRetryableError{Err: llm.NewProviderError(providerName, llm.ErrCodeModelNotFound,
			fmt.Sprintf("model %s is not a supported Bedrock model family", req.Model))}
	}

	body, err := buildRequestBody(family, req)
	if err != nil {
		return nil, &sdk.NonRetryableError{Err: llm.NewProviderError(providerName, llm.ErrCodeInvalidRequest, err.Error())}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	output, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Model),
		Body:        payload,
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
	})
	if err != nil {
		return nil, classifyInvokeError(err)
	}

	resp, err := parseResponseBody(family, output.Body)
	if err != nil {
		return nil, llm.ClassifyTransportError(providerName, err)
	}
	resp.Model = req.Model
	return resp, nil
}

// inferenceProfilePrefixes are the regional prefixes Bedrock prepends to
// inference profile IDs, e.g. eu.anthropic.claude-sonnet-4-5-v1:0.
var inferenceProfilePrefixes = []string{"eu", "us", "apac", "global"}

var supportedFamilies = []string{"anthropic", "amazon", "meta", "mistral"}

// modelFamily extracts the model family from a Bedrock model ID, which
// follows provider.model-name-version, optionally behind an inference
// profile prefix.
func modelFamily(modelID string) string {
	segments := strings.Split(modelID, ".")
	if len(segments) < 2 {
		return ""
	}
	first := segments[0]
	for _, prefix := range inferenceProfilePrefixes {
		if first == prefix {
			return validateFamily(segments[1])
		}
	}
	return validateFamily(first)
}

func validateFamily(family string) string {
	for _, supported := range supportedFamilies {
		if family == supported {
			return family
		}
	}
	return ""
}

func buildRequestBody(family string, req llm.CompletionRequest) (map[string]any, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	switch family {
	case "anthropic":
		body := map[string]any{
			"anthropic_version": anthropicVersion,
			"max_tokens":        maxTokens,
			"temperature":       req.Temperature,
			"messages":          req.Messages,
		}
		if req.SystemPrompt != "" {
			body["system"] = req.SystemPrompt
		}
		return body, nil
	case "amazon":
		return map[string]any{
			"inputText": flattenPrompt(req),
			"textGenerationConfig": map[string]any{
				"maxTokenCount": maxTokens,
				"temperature":   req.Temperature,
				"topP":          0.9,
			},
		}, nil
	case "meta":
		return map[string]any{
			"prompt":      flattenPrompt(req),
			"max_gen_len": maxTokens,
			"temperature": req.Temperature,
			"top_p":       0.9,
		}, nil
	case "mistral":
		return map[string]any{
			"prompt":      flattenPrompt(req),
			"max_tokens":  maxTokens,
			"temperature": req.Temperature,
			"top_p":       0.9,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported model family: %s", family)
	}
}

// flattenPrompt renders the chat transcript as plain text for families
// without a native message format.
func flattenPrompt(req llm.CompletionRequest) string {
	var sb strings.Builder
	if req.SystemPrompt != "" {
		sb.WriteString(req.SystemPrompt)
		sb.WriteString("\n\n")
	}
	for _, msg := range req.Messages {
		sb.WriteString(msg.Role)
		sb.WriteString(": ")
		sb.WriteString(msg.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

func parseResponseBody(family string, body []byte) (*llm.CompletionResponse, error) {
	switch family {
	case "anthropic":
		return parseAnthropicResponse(body)
	case "amazon":
		return parseTitanResponse(body)
	case "meta":
		return parseLlamaResponse(body)
	case "mistral":
		return parseMistralResponse(body)
	default:
		return nil, fmt.Errorf("unsupported model family: %s", family)
	}
}

func parseAnthropicResponse(body []byte) (*llm.CompletionResponse, error) {
	var resp struct {
		Content []struct {
			Type  string         `json:"type"`
			Text  string         `json:"text"`
			ID    string         `json:"id"`
			Name  string         `json:"name"`
			Input map[string]any `json:"input"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	var sb strings.Builder
	var toolCalls []llm.ToolCall
	for _, block := range resp.Content {
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
		ToolCalls: toolCalls,
		Usage: llm.UsageStats{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}, nil
}

func parseTitanResponse(body []byte) (*llm.CompletionResponse, error) {
	var resp struct {
		Results []struct {
			OutputText string `json:"outputText"`
			TokenCount int    `json:"tokenCount"`
		} `json:"results"`
		InputTextTokenCount int `json:"inputTextTokenCount"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	out := &llm.CompletionResponse{
		Usage: llm.UsageStats{InputTokens: resp.InputTextTokenCount},
	}
	if len(resp.Results) > 0 {
		out.Content = resp.Results[0].OutputText
		out.Usage.OutputTokens = resp.Results[0].TokenCount
	}
	return out, nil
}

func parseLlamaResponse(body []byte) (*llm.CompletionResponse, error) {
	var resp struct {
		Generation       string `json:"generation"`
		PromptTokenCount int    `json:"prompt_token_count"`
		GenTokenCount    int    `json:"generation_token_count"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &llm.CompletionResponse{
		Content: resp.Generation,
		Usage: llm.UsageStats{
			InputTokens:  resp.PromptTokenCount,
			OutputTokens: resp.GenTokenCount,
		},
	}, nil
}

// parseMistralResponse parses Mistral output. The Bedrock Mistral schema
// reports no token counts, so usage stays zero.
func parseMistralResponse(body []byte) (*llm.CompletionResponse, error) {
	var resp struct {
		Outputs []struct {
			Text string `json:"text"`
		} `json:"outputs"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	out := &llm.CompletionResponse{}
	if len(resp.Outputs) > 0 {
		out.Content = resp.Outputs[0].Text
	}
	return out, nil
}

// classifyInvokeError maps SDK error types into the retry taxonomy so
// the resilient client backs off on throttling and gives up on caller
// mistakes.
func classifyInvokeError(err error) error {
	var (
		throttled *brtypes.ThrottlingException
		quota     *brtypes.ServiceQuotaExceededException
		timeout   *brtypes.ModelTimeoutException
		notReady  *brtypes.ModelNotReadyException
		internal  *brtypes.InternalServerException
		validate  *brtypes.ValidationException
		denied    *brtypes.AccessDeniedException
		missing   *brtypes.ResourceNotFoundException
	)
	switch {
	case errors.As(err, &throttled), errors.As(err, &quota):
		perr := llm.NewProviderError(providerName, llm.ErrCodeRateLimit, err.Error())
		return &sdk.RetryableError{Err: perr, RateLimited: true}
	case errors.As(err, &timeout):
		return &sdk.RetryableError{Err: llm.NewProviderError(providerName, llm.ErrCodeTimeout, err.Error())}
	case errors.As(err, &notReady), errors.As(err, &internal):
		return &sdk.RetryableError{Err: llm.NewProviderError(providerName, llm.ErrCodeServerError, err.Error())}
	case errors.As(err, &validate):
		return &sdk.NonRetryableError{Err: llm.NewProviderError(providerName, llm.ErrCodeInvalidRequest, err.Error())}
	case errors.As(err, &denied):
		return &sdk.NonRetryableError{Err: llm.NewProviderError(providerName, llm.ErrCodeAuth, err.Error())}
	case errors.As(err, &missing):
		return &sdk.NonRetryableError{Err: llm.NewProviderError(providerName, llm.ErrCodeModelNotFound, err.Error())}
	default:
		return llm.ClassifyTransportError(providerName, err)
	}
}
