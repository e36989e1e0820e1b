// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Gateway Prometheus metrics
var (
	gatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of gateway chat requests",
		},
		[]string{"mode", "status"},
	)
	gatewayRequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_milliseconds",
			Help:    "Gateway chat request duration in milliseconds",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
	)
	gatewayAdmissionRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_admission_rejected_total",
			Help: "Total requests rejected at admission",
		},
		[]string{"reason"},
	)
	gatewayBlockedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_blocked_total",
			Help: "Total requests blocked by the safety gate",
		},
		[]string{"rule"},
	)
	gatewayLLMTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_llm_tokens_total",
			Help: "Total LLM tokens consumed through the gateway",
		},
		[]string{"model", "type"},
	)
	gatewayLLMCostTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_llm_cost_usd_total",
			Help: "Estimated LLM cost in USD",
		},
		[]string{"model"},
	)
	gatewayQueueJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_queue_jobs_total",
			Help: "Total async jobs by lifecycle event",
		},
		[]string{"event"},
	)
)

// gatewayMetricsOnce ensures metrics are registered only once
var gatewayMetricsOnce sync.Once

// registerGatewayMetrics registers all gateway metrics once (safe for multiple calls)
func registerGatewayMetrics() {
	gatewayMetricsOnce.Do(func() {
		// Duplicate registration across tests is not an error.
		_ = prometheus.Register(gatewayRequestsTotal)
		_ = prometheus.Register(gatewayRequestDuration)
		_ = prometheus.Register(gatewayAdmissionRejected)
		_ = prometheus.Register(gatewayBlockedTotal)
		_ = prometheus.Register(gatewayLLMTokensTotal)
		_ = prometheus.Register(gatewayLLMCostTotal)
		_ = prometheus.Register(gatewayQueueJobsTotal)
	})
}
