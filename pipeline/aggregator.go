// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package pipeline

import (
	"context"
	"math"
	"sort"
)

// PriorityWeights score parallel candidates during fan-in. Quality carries
// the most weight, cost the least.
type PriorityWeights struct {
	Quality    float64
	Efficiency float64
	Speed      float64
	Cost       float64
}

// DefaultPriorityWeights is the stock weighting.
var DefaultPriorityWeights = PriorityWeights{
	Quality:    0.4,
	Efficiency: 0.3,
	Speed:      0.2,
	Cost:       0.1,
}

// Aggregator is the fan-in node. For a single execution path it passes the
// result through; with parallel candidates it selects the best-scoring one
// under the priority weights.
type Aggregator struct {
	weights PriorityWeights
}

// NewAggregator creates an aggregator with the default weights.
func NewAggregator() *Aggregator {
	return &Aggregator{weights: DefaultPriorityWeights}
}

// NewAggregatorWithWeights creates an aggregator with custom weights.
func NewAggregatorWithWeights(w PriorityWeights) *Aggregator {
	return &Aggregator{weights: w}
}

// Name returns the node name.
func (a *Aggregator) Name() string { return "aggregate" }

// Run implements the pipeline node contract.
func (a *Aggregator) Run(ctx context.Context, s State) (Delta, error) {
	if len(s.ParallelResults) > 0 {
		merged := a.weightedMerge(s.ParallelResults)
		return Delta{
			FinalContent:      strPtr(merged),
			AggregationMethod: strPtr("weighted_merge"),
		}, nil
	}

	return Delta{
		FinalContent:      strPtr(s.ResponseContent),
		AggregationMethod: strPtr("passthrough"),
	}, nil
}

// weightedMerge scores each candidate and returns the winner's content.
func (a *Aggregator) weightedMerge(results []CandidateResult) string {
	if len(results) == 0 {
		return ""
	}
	if len(results) == 1 {
		return results[0].Content
	}

	type scored struct {
		score   float64
		content string
	}
	ranked := make([]scored, 0, len(results))
	for _, r := range results {
		score := float64(len(r.Content))/1000*a.weights.Quality +
			r.ValidationScore*a.weights.Efficiency +
			(1.0-math.Min(r.TimeMS/5000, 1.0))*a.weights.Speed +
			(1.0-math.Min(r.CostUSD/0.1, 1.0))*a.weights.Cost
		ranked = append(ranked, scored{score: score, content: r.Content})
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	return ranked[0].content
}
