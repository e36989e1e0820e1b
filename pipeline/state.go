// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package pipeline implements the request processing graph: safety scan,
// context enrichment, strategy selection, model invocation, output
// validation with bounded retry, and result aggregation.
//
// Nodes are pure functions over an explicit State value. Each node returns
// a Delta describing the fields it produced; the runner merges deltas into
// the state between nodes. Fields accumulate and are never removed.
package pipeline

import (
	"axonflow/gateway/llm"
)

// ContextChunk is a retrieved context document fed into enrichment and
// grounding validation.
type ContextChunk struct {
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
	Title      string  `json:"title,omitempty"`
}

// CandidateResult is one completion produced by a parallel execution path,
// scored by the aggregator during fan-in.
type CandidateResult struct {
	Content         string
	ValidationScore float64
	TimeMS          float64
	CostUSD         float64
}

// State carries a single request through the pipeline. The runner owns the
// state; nodes read it and return deltas.
type State struct {
	// Request inputs.
	TenantID       string
	RequestID      string
	Messages       []llm.Message
	RequestedModel string
	RequestedTemp  *float64
	MaxTokens      int
	ExpectedFormat string
	TierOverride   string
	SystemPrompt   string
	TenantDefault  string
	AllowedModels  []string

	// Safety scan results.
	SafetyPassed bool
	SafetyReason string
	RiskScore    float64

	// Context enrichment results.
	ContextChunks  []ContextChunk
	ContextQuery   string
	EnrichedPrompt string

	// Strategy decisions.
	SelectedModel string
	Temperature   float64
	UseCoT        bool
	QualityTier   string
	Complexity    float64
	FinalMessages []llm.Message
	FinalPrompt   string

	// Invocation results.
	ResponseContent string
	ResponseModel   string
	Usage           llm.UsageStats

	// Validation results.
	ValidationPassed bool
	ValidationReason string
	ValidationScore  float64
	RetryCount       int

	// Aggregation results.
	FinalContent      string
	AggregationMethod string
	ParallelResults   []CandidateResult
}

// Delta is the set of state fields a node produced. Scalar fields are
// pointers so the merge can tell "unset" from zero values; slice fields
// merge when non-nil.
type Delta struct {
	SafetyPassed *bool
	SafetyReason *string
	RiskScore    *float64

	ContextChunks  []ContextChunk
	ContextQuery   *string
	EnrichedPrompt *string

	SelectedModel *string
	Temperature   *float64
	UseCoT        *bool
	QualityTier   *string
	Complexity    *float64
	FinalMessages []llm.Message
	FinalPrompt   *string

	ResponseContent *string
	ResponseModel   *string
	Usage           *llm.UsageStats

	ValidationPassed *bool
	ValidationReason *string
	ValidationScore  *float64
	RetryCount       *int

	FinalContent      *string
	AggregationMethod *string
}

// Apply merges a delta into the state. Set fields overwrite, unset fields
// leave the state untouched.
func (s *State) Apply(d Delta) {
	if d.SafetyPassed != nil {
		s.SafetyPassed = *d.SafetyPassed
	}
	if d.SafetyReason != nil {
		s.SafetyReason = *d.SafetyReason
	}
	if d.RiskScore != nil {
		s.RiskScore = *d.RiskScore
	}
	if d.ContextChunks != nil {
		s.ContextChunks = d.ContextChunks
	}
	if d.ContextQuery != nil {
		s.ContextQuery = *d.ContextQuery
	}
	if d.EnrichedPrompt != nil {
		s.EnrichedPrompt = *d.EnrichedPrompt
	}
	if d.SelectedModel != nil {
		s.SelectedModel = *d.SelectedModel
	}
	if d.Temperature != nil {
		s.Temperature = *d.Temperature
	}
	if d.UseCoT != nil {
		s.UseCoT = *d.UseCoT
	}
	if d.QualityTier != nil {
		s.QualityTier = *d.QualityTier
	}
	if d.Complexity != nil {
		s.Complexity = *d.Complexity
	}
	if d.FinalMessages != nil {
		s.FinalMessages = d.FinalMessages
	}
	if d.FinalPrompt != nil {
		s.FinalPrompt = *d.FinalPrompt
	}
	if d.ResponseContent != nil {
		s.ResponseContent = *d.ResponseContent
	}
	if d.ResponseModel != nil {
		s.ResponseModel = *d.ResponseModel
	}
	if d.Usage != nil {
		s.Usage = *d.Usage
	}
	if d.ValidationPassed != nil {
		s.ValidationPassed = *d.ValidationPassed
	}
	if d.ValidationReason != nil {
		s.ValidationReason = *d.ValidationReason
	}
	if d.ValidationScore != nil {
		s.ValidationScore = *d.ValidationScore
	}
	if d.RetryCount != nil {
		s.RetryCount = *d.RetryCount
	}
	if d.FinalContent != nil {
		s.FinalContent = *d.FinalContent
	}
	if d.AggregationMethod != nil {
		s.AggregationMethod = *d.AggregationMethod
	}
}

// Pointer helpers keep delta construction terse inside nodes.

func boolPtr(v bool) *bool                      { return &v }
func strPtr(v string) *string                   { return &v }
func floatPtr(v float64) *float64               { return &v }
func intPtr(v int) *int                         { return &v }
func usagePtr(v llm.UsageStats) *llm.UsageStats { return &v }
