// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// pollInterval is how often a blocked Dequeue re-checks for work.
const pollInterval = 20 * time.Millisecond

type memoryEntry struct {
	id       string
	payload  []byte
	attempts int64
}

type pendingEntry struct {
	entry    memoryEntry
	deadline time.Time
}

// MemoryQueue implements the Queue contract without external infrastructure:
// a FIFO list plus a per-group pending map with visibility-timeout
// redelivery. Single-process only; used when no Redis URL is configured
// and in tests.
type MemoryQueue struct {
	mu                sync.Mutex
	ready             []memoryEntry
	pending           map[string]map[string]pendingEntry
	blockTimeout      time.Duration
	visibilityTimeout time.Duration
	now               func() time.Time
	closed            bool
}

// MemoryQueueConfig configures a MemoryQueue.
type MemoryQueueConfig struct {
	BlockTimeout      time.Duration
	VisibilityTimeout time.Duration
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue(cfg MemoryQueueConfig) *MemoryQueue {
	block := cfg.BlockTimeout
	if block <= 0 {
		block = DefaultBlockTimeout
	}
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}
	return &MemoryQueue{
		pending:           make(map[string]map[string]pendingEntry),
		blockTimeout:      block,
		visibilityTimeout: visibility,
		now:               time.Now,
	}
}

// Enqueue appends the payload to the ready list.
func (q *MemoryQueue) Enqueue(ctx context.Context, payload []byte) (string, error) {
	body := make([]byte, len(payload))
	copy(body, payload)

	q.mu.Lock()
	defer q.mu.Unlock()
	id := uuid.NewString()
	q.ready = append(q.ready, memoryEntry{id: id, payload: body, attempts: 0})
	return id, nil
}

// Dequeue returns the next message for the group: expired pending
// entries first, then the ready list. Blocks by polling up to the
// block timeout.
func (q *MemoryQueue) Dequeue(ctx context.Context, group, consumer string) (*Message, error) {
	deadline := q.now().Add(q.blockTimeout)
	for {
		if msg := q.takeLocked(group); msg != nil {
			return msg, nil
		}
		if q.now().After(deadline) {
			return nil, ErrNoMessage
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (q *MemoryQueue) takeLocked(group string) *Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	groupPending := q.pending[group]
	if groupPending == nil {
		groupPending = make(map[string]pendingEntry)
		q.pending[group] = groupPending
	}

	now := q.now()

	// Redeliver the oldest expired in-flight entry first.
	var expiredID string
	var expiredDeadline time.Time
	for id, pe := range groupPending {
		if now.After(pe.deadline) && (expiredID == "" || pe.deadline.Before(expiredDeadline)) {
			expiredID = id
			expiredDeadline = pe.deadline
		}
	}
	if expiredID != "" {
		pe := groupPending[expiredID]
		pe.entry.attempts++
		pe.deadline = now.Add(q.visibilityTimeout)
		groupPending[expiredID] = pe
		return &Message{
			ID:       pe.entry.id,
			Payload:  pe.entry.payload,
			Attempts: pe.entry.attempts,
			Group:    group,
		}
	}

	if len(q.ready) == 0 {
		return nil
	}
	entry := q.ready[0]
	q.ready = q.ready[1:]
	entry.attempts = 1
	groupPending[entry.id] = pendingEntry{entry: entry, deadline: now.Add(q.visibilityTimeout)}
	return &Message{
		ID:       entry.id,
		Payload:  entry.payload,
		Attempts: entry.attempts,
		Group:    group,
	}
}

// Ack removes the message from the group's pending map. Acked messages
// are never redelivered.
func (q *MemoryQueue) Ack(ctx context.Context, msg *Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if groupPending, ok := q.pending[msg.Group]; ok {
		delete(groupPending, msg.ID)
	}
	return nil
}

// Close marks the queue closed. Pending state is discarded.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.ready = nil
	q.pending = make(map[string]map[string]pendingEntry)
	return nil
}
