// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultStream is the stream key jobs land on.
const DefaultStream = "gateway:jobs"

// payloadField is the stream entry field carrying the job body.
const payloadField = "payload"

// RedisQueue is the Redis Streams backend: XADD on enqueue, consumer
// groups via XREADGROUP, explicit XACK, and XAUTOCLAIM to recover
// messages whose consumer died before acking.
type RedisQueue struct {
	client            *redis.Client
	stream            string
	blockTimeout      time.Duration
	visibilityTimeout time.Duration

	mu     sync.Mutex
	groups map[string]bool
}

// RedisQueueConfig configures a RedisQueue.
type RedisQueueConfig struct {
	// URL is a redis:// connection URL.
	URL string

	// Client overrides URL, primarily for tests.
	Client *redis.Client

	// Stream is the stream key (default DefaultStream).
	Stream string

	// BlockTimeout bounds a single Dequeue wait.
	BlockTimeout time.Duration

	// VisibilityTimeout is the idle period after which an unacked
	// message is reclaimed for another consumer.
	VisibilityTimeout time.Duration
}

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	client := cfg.Client
	if client == nil {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis URL: %w", err)
		}
		client = redis.NewClient(opts)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	stream := cfg.Stream
	if stream == "" {
		stream = DefaultStream
	}
	block := cfg.BlockTimeout
	if block <= 0 {
		block = DefaultBlockTimeout
	}
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = DefaultVisibilityTimeout
	}

	return &RedisQueue{
		client:            client,
		stream:            stream,
		blockTimeout:      block,
		visibilityTimeout: visibility,
		groups:            make(map[string]bool),
	}, nil
}

// Enqueue appends the payload to the stream.
func (q *RedisQueue) Enqueue(ctx context.Context, payload []byte) (string, error) {
	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{payloadField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// Dequeue delivers the next message for the group: first any message
// whose previous consumer let the visibility timeout lapse, then new
// entries, blocking up to the configured window.
func (q *RedisQueue) Dequeue(ctx context.Context, group, consumer string) (*Message, error) {
	if err := q.ensureGroup(ctx, group); err != nil {
		return nil, err
	}

	if msg, err := q.claimExpired(ctx, group, consumer); err != nil {
		return nil, err
	} else if msg != nil {
		return msg, nil
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    q.blockTimeout,
	}).Result()
	if err == redis.Nil {
		return nil, ErrNoMessage
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if len(streams) == 0 || len(streams[0].Messages) == 0 {
		return nil, ErrNoMessage
	}

	msg := decodeEntry(streams[0].Messages[0], 1)
	msg.Group = group
	return msg, nil
}

// claimExpired reclaims one message idle past the visibility timeout.
func (q *RedisQueue) claimExpired(ctx context.Context, group, consumer string) (*Message, error) {
	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  q.visibilityTimeout,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("claiming expired: %w", err)
	}
	if len(claimed) == 0 {
		return nil, nil
	}

	entry := claimed[0]
	attempts := int64(2)
	pending, perr := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  group,
		Start:  entry.ID,
		End:    entry.ID,
		Count:  1,
	}).Result()
	if perr == nil && len(pending) == 1 {
		attempts = pending[0].RetryCount
	}

	msg := decodeEntry(entry, attempts)
	msg.Group = group
	return msg, nil
}

// Ack removes the message from its group's pending list.
func (q *RedisQueue) Ack(ctx context.Context, msg *Message) error {
	if err := q.client.XAck(ctx, q.stream, msg.Group, msg.ID).Err(); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// ensureGroup creates the consumer group once, tolerating concurrent
// creation.
func (q *RedisQueue) ensureGroup(ctx context.Context, group string) error {
	q.mu.Lock()
	known := q.groups[group]
	q.mu.Unlock()
	if known {
		return nil
	}

	err := q.client.XGroupCreateMkStream(ctx, q.stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating group %s: %w", group, err)
	}

	q.mu.Lock()
	q.groups[group] = true
	q.mu.Unlock()
	return nil
}

func decodeEntry(entry redis.XMessage, attempts int64) *Message {
	var payload []byte
	if raw, ok := entry.Values[payloadField]; ok {
		switch v := raw.(type) {
		case string:
			payload = []byte(v)
		case []byte:
			payload = v
		}
	}
	return &Message{ID: entry.ID, Payload: payload, Attempts: attempts}
}
