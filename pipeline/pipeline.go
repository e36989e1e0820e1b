// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"axonflow/gateway/llm"
	"axonflow/gateway/shared/logger"
)

// DefaultNodeTimeout bounds a single node execution.
const DefaultNodeTimeout = 30 * time.Second

// ErrNodeTimeout is returned when a node exceeds its deadline. The run is
// aborted and the timeout is recorded against the node's metric.
var ErrNodeTimeout = errors.New("pipeline node timed out")

// BlockedContent is the canned response for safety blocks. It never
// echoes the offending input.
const BlockedContent = "This request was blocked by the safety filter."

// CompletionInvoker is the model invocation dependency; satisfied by
// llm.Invoker.
type CompletionInvoker interface {
	Invoke(ctx context.Context, tenantID, requestID, modelID string, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

// Node is one step of the pipeline: a pure function from state to delta.
type Node interface {
	Name() string
	Run(ctx context.Context, s State) (Delta, error)
}

// Result is the outcome of a full pipeline run.
type Result struct {
	Content           string         `json:"content"`
	Model             string         `json:"model"`
	Usage             llm.UsageStats `json:"usage"`
	Blocked           bool           `json:"blocked,omitempty"`
	BlockReason       string         `json:"block_reason,omitempty"`
	RiskScore         float64        `json:"risk_score"`
	QualityTier       string         `json:"quality_tier,omitempty"`
	Complexity        float64        `json:"complexity"`
	UsedCoT           bool           `json:"used_cot"`
	ValidationScore   float64        `json:"validation_score"`
	RetryCount        int            `json:"retry_count"`
	AggregationMethod string         `json:"aggregation_method,omitempty"`
	Metrics           RequestMetrics `json:"metrics"`
}

// Config assembles a Pipeline.
type Config struct {
	Invoker         CompletionInvoker
	Registry        *llm.Registry
	ContextProvider ContextProvider
	NodeTimeout     time.Duration
	Logger          *logger.Logger
}

// Pipeline runs the ordered node graph for each request:
// safety, enrich, strategy, then invoke/validate under the tier's retry
// budget, then aggregate.
type Pipeline struct {
	safety      *SafetyGate
	enricher    *ContextEnricher
	strategy    *StrategySelector
	validator   *Validator
	aggregator  *Aggregator
	invoker     CompletionInvoker
	registry    *llm.Registry
	nodeTimeout time.Duration
	log         *logger.Logger
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	timeout := cfg.NodeTimeout
	if timeout <= 0 {
		timeout = DefaultNodeTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = logger.New("pipeline")
	}
	return &Pipeline{
		safety:      NewSafetyGate(),
		enricher:    NewContextEnricher(cfg.ContextProvider),
		strategy:    NewStrategySelector(cfg.Registry),
		validator:   NewValidator(),
		aggregator:  NewAggregator(),
		invoker:     cfg.Invoker,
		registry:    cfg.Registry,
		nodeTimeout: timeout,
		log:         log,
	}
}

// Run executes the full pipeline for one request.
func (p *Pipeline) Run(ctx context.Context, s State) (*Result, error) {
	collector := NewMetricsCollector(s.RequestID, s.TenantID)

	blocked, err := p.prepare(ctx, &s, collector)
	if err != nil {
		return nil, err
	}
	if blocked != nil {
		return blocked, nil
	}

	budget := RetryBudget(s.QualityTier)
	for {
		if err := p.runNode(ctx, collector, &invokeNode{p: p}, &s); err != nil {
			return nil, err
		}
		if err := p.runNode(ctx, collector, p.validator, &s); err != nil {
			return nil, err
		}
		if s.ValidationPassed {
			break
		}
		if s.RetryCount >= budget {
			// Budget exhausted: deliver the best available content
			// rather than failing the request.
			p.log.Warn(s.TenantID, s.RequestID, "Validation exhausted, delivering anyway", map[string]interface{}{
				"reason":  s.ValidationReason,
				"score":   s.ValidationScore,
				"retries": s.RetryCount,
			})
			break
		}
		s.RetryCount++
		p.log.Info(s.TenantID, s.RequestID, "Validation failed, retrying invocation", map[string]interface{}{
			"reason": s.ValidationReason,
			"retry":  s.RetryCount,
			"budget": budget,
		})
	}

	if err := p.runNode(ctx, collector, p.aggregator, &s); err != nil {
		return nil, err
	}

	return &Result{
		Content:           s.FinalContent,
		Model:             s.ResponseModel,
		Usage:             s.Usage,
		RiskScore:         s.RiskScore,
		QualityTier:       s.QualityTier,
		Complexity:        s.Complexity,
		UsedCoT:           s.UseCoT,
		ValidationScore:   s.ValidationScore,
		RetryCount:        s.RetryCount,
		AggregationMethod: s.AggregationMethod,
		Metrics:           collector.Summary(),
	}, nil
}

// Prepare runs the pre-invocation nodes (safety, enrich, strategy) and
// returns the prepared state. A safety block yields a terminal Result
// instead. Used by the streaming path, which invokes the model itself.
func (p *Pipeline) Prepare(ctx context.Context, s State) (*State, *Result, error) {
	collector := NewMetricsCollector(s.RequestID, s.TenantID)
	blocked, err := p.prepare(ctx, &s, collector)
	if err != nil {
		return nil, nil, err
	}
	if blocked != nil {
		return nil, blocked, nil
	}
	return &s, nil, nil
}

func (p *Pipeline) prepare(ctx context.Context, s *State, collector *MetricsCollector) (*Result, error) {
	if err := p.runNode(ctx, collector, p.safety, s); err != nil {
		return nil, err
	}
	if !s.SafetyPassed {
		p.log.Warn(s.TenantID, s.RequestID, "Request blocked by safety gate", map[string]interface{}{
			"reason":     s.SafetyReason,
			"risk_score": s.RiskScore,
		})
		return &Result{
			Content:     BlockedContent,
			Blocked:     true,
			BlockReason: s.SafetyReason,
			RiskScore:   s.RiskScore,
			Metrics:     collector.Summary(),
		}, nil
	}

	if err := p.runNode(ctx, collector, p.enricher, s); err != nil {
		return nil, err
	}
	if err := p.runNode(ctx, collector, p.strategy, s); err != nil {
		return nil, err
	}
	return nil, nil
}

type nodeOutcome struct {
	delta Delta
	err   error
}

// runNode executes one node under the per-node timeout, records its
// metric, and merges its delta into the state.
func (p *Pipeline) runNode(ctx context.Context, collector *MetricsCollector, node Node, s *State) error {
	nodeCtx, cancel := context.WithTimeout(ctx, p.nodeTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan nodeOutcome, 1)
	go func() {
		delta, err := node.Run(nodeCtx, *s)
		done <- nodeOutcome{delta: delta, err: err}
	}()

	var outcome nodeOutcome
	select {
	case outcome = <-done:
	case <-nodeCtx.Done():
		elapsed := float64(time.Since(start).Microseconds()) / 1000
		collector.Record(NodeMetric{
			NodeName:        node.Name(),
			ExecutionTimeMS: elapsed,
			Success:         false,
			Error:           nodeCtx.Err().Error(),
		})
		if errors.Is(nodeCtx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrNodeTimeout, node.Name())
		}
		return nodeCtx.Err()
	}

	elapsed := float64(time.Since(start).Microseconds()) / 1000
	metric := NodeMetric{
		NodeName:        node.Name(),
		ExecutionTimeMS: elapsed,
		Success:         outcome.err == nil,
	}
	if outcome.err != nil {
		metric.Error = outcome.err.Error()
		collector.Record(metric)
		// A node may surface its own context error instead of being
		// abandoned; treat both paths as a node timeout.
		if errors.Is(outcome.err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrNodeTimeout, node.Name())
		}
		return fmt.Errorf("node %s: %w", node.Name(), outcome.err)
	}

	if outcome.delta.Usage != nil {
		metric.TokensUsed = outcome.delta.Usage.Total()
		if outcome.delta.ResponseModel != nil {
			metric.CostUSD = p.estimateCost(*outcome.delta.ResponseModel, *outcome.delta.Usage)
		}
	}
	collector.Record(metric)

	s.Apply(outcome.delta)
	return nil
}

// estimateCost prices a completion from the registry's per-1K rates.
func (p *Pipeline) estimateCost(modelID string, usage llm.UsageStats) float64 {
	if p.registry == nil {
		return 0
	}
	spec, ok := p.registry.Get(modelID)
	if !ok {
		return 0
	}
	return float64(usage.InputTokens)/1000*spec.CostPer1KInput +
		float64(usage.OutputTokens)/1000*spec.CostPer1KOutput
}

// invokeNode calls the upstream model through the resilient invoker.
type invokeNode struct {
	p *Pipeline
}

func (n *invokeNode) Name() string { return "invoke" }

func (n *invokeNode) Run(ctx context.Context, s State) (Delta, error) {
	resp, err := n.p.invoker.Invoke(ctx, s.TenantID, s.RequestID, s.SelectedModel, llm.CompletionRequest{
		Messages:     s.FinalMessages,
		SystemPrompt: s.FinalPrompt,
		Temperature:  s.Temperature,
		MaxTokens:    s.MaxTokens,
	})
	if err != nil {
		return Delta{}, err
	}
	return Delta{
		ResponseContent: strPtr(resp.Content),
		ResponseModel:   strPtr(resp.Model),
		Usage:           usagePtr(resp.Usage),
	}, nil
}
