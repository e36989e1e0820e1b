// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Package queue provides durable job dispatch for asynchronous request
// handling. The primary backend is Redis Streams with consumer groups;
// an in-memory queue with the same delivery contract backs deployments
// without Redis. Either way: at-least-once delivery, explicit acks, and
// redelivery of messages whose consumer died mid-flight.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrNoMessage is returned by Dequeue when the blocking window elapses
// with nothing to deliver. Consumers loop on it.
var ErrNoMessage = errors.New("queue: no message available")

// Default delivery tuning.
const (
	// DefaultBlockTimeout is how long a Dequeue call waits for work.
	DefaultBlockTimeout = 5 * time.Second

	// DefaultVisibilityTimeout is how long a delivered-but-unacked
	// message stays invisible before it is redelivered.
	DefaultVisibilityTimeout = 30 * time.Second
)

// Message is one delivered queue entry. Attempts counts deliveries,
// starting at 1 for the first. Group records which consumer group the
// message was delivered to, so Ack targets the right pending list.
type Message struct {
	ID       string
	Payload  []byte
	Attempts int64
	Group    string
}

// Queue is the durable dispatch contract shared by both backends.
type Queue interface {
	// Enqueue appends a job and returns its ID.
	Enqueue(ctx context.Context, payload []byte) (string, error)

	// Dequeue blocks up to the configured window for the next message
	// owed to this group/consumer, including redeliveries of expired
	// in-flight messages. Returns ErrNoMessage when the window elapses.
	Dequeue(ctx context.Context, group, consumer string) (*Message, error)

	// Ack marks a delivered message as done. Unacked messages are
	// redelivered after the visibility timeout.
	Ack(ctx context.Context, msg *Message) error

	// Close releases backend resources.
	Close() error
}
