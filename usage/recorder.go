// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package usage persists per-request consumption records for billing
// and reporting. Persistence is best effort: without a database the
// recorder degrades to structured log lines.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"axonflow/gateway/shared/logger"
)

// Record is one completed (or blocked) gateway request.
type Record struct {
	RequestID    string
	TenantID     string
	Model        string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	LatencyMS    int64
	Blocked      bool
	CreatedAt    time.Time
}

// Recorder writes usage records to Postgres, or to the log when no
// database is configured.
type Recorder struct {
	db  *sql.DB
	log *logger.Logger
}

// NewRecorder creates a Recorder. db may be nil.
func NewRecorder(db *sql.DB, log *logger.Logger) *Recorder {
	if log == nil {
		log = logger.New("usage")
	}
	return &Recorder{db: db, log: log}
}

const createUsageTable = `
CREATE TABLE IF NOT EXISTS usage_records (
	id            BIGSERIAL PRIMARY KEY,
	request_id    TEXT NOT NULL,
	tenant_id     TEXT NOT NULL,
	model         TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	cost_usd      DOUBLE PRECISION NOT NULL,
	latency_ms    BIGINT NOT NULL,
	blocked       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// EnsureSchema creates the usage table if it does not exist. A no-op
// without a database.
func (r *Recorder) EnsureSchema(ctx context.Context) error {
	if r.db == nil {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, createUsageTable); err != nil {
		return fmt.Errorf("creating usage_records table: %w", err)
	}
	return nil
}

const insertUsageRecord = `
INSERT INTO usage_records
	(request_id, tenant_id, model, input_tokens, output_tokens, cost_usd, latency_ms, blocked, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// Record persists one usage record. Failures are logged, never
// propagated to the request path.
func (r *Recorder) Record(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	if r.db == nil {
		r.log.Info(rec.TenantID, rec.RequestID, "Usage recorded (log only)", map[string]interface{}{
			"model":         rec.Model,
			"input_tokens":  rec.InputTokens,
			"output_tokens": rec.OutputTokens,
			"cost_usd":      rec.CostUSD,
			"latency_ms":    rec.LatencyMS,
			"blocked":       rec.Blocked,
		})
		return nil
	}

	_, err := r.db.ExecContext(ctx, insertUsageRecord,
		rec.RequestID, rec.TenantID, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.CostUSD,
		rec.LatencyMS, rec.Blocked, rec.CreatedAt,
	)
	if err != nil {
		r.log.Error(rec.TenantID, rec.RequestID, "Failed to persist usage record", map[string]interface{}{
			"error": err.Error(),
		})
		return fmt.Errorf("inserting usage record: %w", err)
	}
	return nil
}
