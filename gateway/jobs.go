// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"axonflow/gateway/llm"
	"axonflow/gateway/pipeline"
	"axonflow/gateway/queue"
	"axonflow/gateway/shared/logger"
	"axonflow/gateway/usage"
)

// NewJobHandler bridges the queue to the pipeline: worker consumers
// run the identical pipeline the synchronous path runs. Malformed
// payloads and unknown tenants are dropped after a log line rather
// than retried; only pipeline failures are worth redelivery.
func NewJobHandler(p *pipeline.Pipeline, tenants *TenantRegistry, rec UsageRecorder, log *logger.Logger) queue.Handler {
	if log == nil {
		log = logger.New("worker")
	}
	return func(ctx context.Context, msg *queue.Message) error {
		var payload JobPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			log.Error("", msg.ID, "Dropping malformed job payload", map[string]interface{}{
				"error": err.Error(),
			})
			return nil
		}

		tenant, ok := tenants.Get(payload.TenantID)
		if !ok {
			log.Error(payload.TenantID, payload.JobID, "Dropping job for unknown tenant", nil)
			return nil
		}

		messages := make([]llm.Message, 0, len(payload.Messages))
		for _, m := range payload.Messages {
			messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
		}

		start := time.Now()
		result, err := p.Run(ctx, pipeline.State{
			TenantID:       tenant.ID,
			RequestID:      payload.JobID,
			Messages:       messages,
			RequestedModel: payload.Model,
			RequestedTemp:  payload.Temp,
			MaxTokens:      payload.MaxTokens,
			ExpectedFormat: tenant.ExpectedFormat,
			TierOverride:   tenant.QualityTier,
			SystemPrompt:   tenant.SystemPrompt,
			TenantDefault:  tenant.DefaultModel,
			AllowedModels:  tenant.AllowedModels,
		})
		if err != nil {
			gatewayQueueJobsTotal.WithLabelValues("failed").Inc()
			return fmt.Errorf("job %s: %w", payload.JobID, err)
		}

		if result.Blocked {
			gatewayQueueJobsTotal.WithLabelValues("blocked").Inc()
			log.Warn(tenant.ID, payload.JobID, "Queued job blocked by safety gate", map[string]interface{}{
				"rule": result.BlockReason,
			})
			return nil
		}

		gatewayQueueJobsTotal.WithLabelValues("completed").Inc()
		log.InfoWithDuration(tenant.ID, payload.JobID, "Queued job completed", float64(time.Since(start).Milliseconds()), map[string]interface{}{
			"model":         result.Model,
			"delivery":      msg.Attempts,
			"output_tokens": result.Usage.OutputTokens,
		})

		if rec != nil {
			recCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = rec.Record(recCtx, usageRecordFromResult(tenant.ID, payload.JobID, result, time.Since(start)))
		}
		return nil
	}
}

func usageRecordFromResult(tenantID, requestID string, result *pipeline.Result, latency time.Duration) usage.Record {
	return usage.Record{
		RequestID:    requestID,
		TenantID:     tenantID,
		Model:        result.Model,
		InputTokens:  result.Usage.InputTokens,
		OutputTokens: result.Usage.OutputTokens,
		CostUSD:      result.Metrics.TotalCost,
		LatencyMS:    latency.Milliseconds(),
	}
}
