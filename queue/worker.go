// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package queue

import (
	"context"
	"errors"
	"time"

	"axonflow/gateway/shared/logger"
)

// Worker delivery tuning.
const (
	// DefaultMaxDeliveryRetries is how many times a failing job is
	// retried before it is dead-lettered.
	DefaultMaxDeliveryRetries = 3

	// DefaultRetryBackoffBase seeds the per-job retry backoff
	// (base * 2^attempt).
	DefaultRetryBackoffBase = 1 * time.Second
)

// Handler processes one dequeued job. A nil return acks the message.
type Handler func(ctx context.Context, msg *Message) error

// Worker is the consumer loop: dequeue, handle, ack. Failed jobs are
// retried in place with exponential backoff; once retries are exhausted
// the message is acked anyway and dead-lettered to the log, so a poison
// job can never wedge the consumer.
type Worker struct {
	queue       Queue
	handler     Handler
	group       string
	consumer    string
	maxRetries  int
	backoffBase time.Duration
	log         *logger.Logger

	// sleep is overridable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// WorkerConfig configures a Worker.
type WorkerConfig struct {
	Queue       Queue
	Handler     Handler
	Group       string
	Consumer    string
	MaxRetries  int
	BackoffBase time.Duration
	Logger      *logger.Logger
}

// NewWorker creates a Worker.
func NewWorker(cfg WorkerConfig) *Worker {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxDeliveryRetries
	}
	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = DefaultRetryBackoffBase
	}
	log := cfg.Logger
	if log == nil {
		log = logger.New("worker")
	}
	return &Worker{
		queue:       cfg.Queue,
		handler:     cfg.Handler,
		group:       cfg.Group,
		consumer:    cfg.Consumer,
		maxRetries:  maxRetries,
		backoffBase: backoffBase,
		log:         log,
		sleep:       sleepCtx,
	}
}

// Run consumes until the context is cancelled. A job in flight when
// cancellation arrives finishes (and acks) before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		msg, err := w.queue.Dequeue(ctx, w.group, w.consumer)
		if errors.Is(err, ErrNoMessage) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("", "", "Dequeue failed", map[string]interface{}{"error": err.Error()})
			if serr := w.sleep(ctx, w.backoffBase); serr != nil {
				return serr
			}
			continue
		}

		w.process(ctx, msg)
	}
}

// process runs the handler with in-place retries, then always acks.
func (w *Worker) process(ctx context.Context, msg *Message) {
	var lastErr error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			delay := w.backoffBase * (1 << (attempt - 1))
			if err := w.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}

		lastErr = w.handler(ctx, msg)
		if lastErr == nil {
			break
		}
		w.log.Warn("", msg.ID, "Job attempt failed", map[string]interface{}{
			"attempt": attempt + 1,
			"error":   lastErr.Error(),
		})
	}

	if lastErr != nil {
		w.log.Error("", msg.ID, "DEAD-LETTER: job retries exhausted, discarding", map[string]interface{}{
			"retries":  w.maxRetries,
			"delivery": msg.Attempts,
			"error":    lastErr.Error(),
		})
	}

	ackCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.queue.Ack(ackCtx, msg); err != nil {
		w.log.Error("", msg.ID, "Ack failed", map[string]interface{}{"error": err.Error()})
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
