// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package pipeline

import (
	"math"
)

// NodeMetric captures the execution of a single node.
type NodeMetric struct {
	NodeName        string  `json:"node_name"`
	ExecutionTimeMS float64 `json:"execution_time_ms"`
	TokensUsed      int     `json:"tokens_used"`
	CostUSD         float64 `json:"estimated_cost_usd"`
	Success         bool    `json:"success"`
	Error           string  `json:"error,omitempty"`
}

// RequestMetrics aggregates node metrics for one request. Each request
// owns its collector; nothing is shared across requests.
type RequestMetrics struct {
	RequestID   string       `json:"request_id"`
	TenantID    string       `json:"tenant_id"`
	TotalTimeMS float64      `json:"total_time_ms"`
	TotalTokens int          `json:"total_tokens"`
	TotalCost   float64      `json:"total_cost_usd"`
	Nodes       []NodeMetric `json:"nodes"`
}

// MetricsCollector accumulates per-node metrics for a single request.
type MetricsCollector struct {
	metrics RequestMetrics
}

// NewMetricsCollector creates a collector scoped to one request.
func NewMetricsCollector(requestID, tenantID string) *MetricsCollector {
	return &MetricsCollector{
		metrics: RequestMetrics{RequestID: requestID, TenantID: tenantID},
	}
}

// Record appends a node metric and folds it into the totals.
func (c *MetricsCollector) Record(m NodeMetric) {
	c.metrics.Nodes = append(c.metrics.Nodes, m)
	c.metrics.TotalTimeMS += m.ExecutionTimeMS
	c.metrics.TotalTokens += m.TokensUsed
	c.metrics.TotalCost += m.CostUSD
}

// Summary returns the aggregated request metrics with rounded totals.
func (c *MetricsCollector) Summary() RequestMetrics {
	out := c.metrics
	out.TotalTimeMS = round2(out.TotalTimeMS)
	out.TotalCost = round6(out.TotalCost)
	for i := range out.Nodes {
		out.Nodes[i].ExecutionTimeMS = round2(out.Nodes[i].ExecutionTimeMS)
		out.Nodes[i].CostUSD = round6(out.Nodes[i].CostUSD)
	}
	return out
}

// NodeCount returns the number of recorded node executions.
func (c *MetricsCollector) NodeCount() int {
	return len(c.metrics.Nodes)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
