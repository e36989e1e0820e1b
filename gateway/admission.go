// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// tokenBucket refills continuously at capacity/60 tokens per second,
// capped at capacity. One bucket per tenant, serialized by its own
// mutex so concurrent checks cannot double-spend.
type tokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(capacity float64, now time.Time) *tokenBucket {
	return &tokenBucket{capacity: capacity, tokens: capacity, lastRefill: now}
}

// take refills from elapsed wall-clock time and consumes one token.
// When denied it reports seconds until at least one token exists.
func (b *tokenBucket) take(now time.Time) (bool, float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	refillRate := b.capacity / 60.0
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * refillRate
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.lastRefill = now
	}

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true, 0
	}
	return false, (1.0 - b.tokens) / refillRate
}

// AdmissionController owns the per-tenant bucket registry. Buckets are
// created lazily and replaced outright when a tenant's configured
// capacity changes; the partial token count is not migrated.
type AdmissionController struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket

	// now is overridable in tests.
	now func() time.Time
}

// NewAdmissionController creates an empty controller.
func NewAdmissionController() *AdmissionController {
	return &AdmissionController{
		buckets: make(map[string]*tokenBucket),
		now:     time.Now,
	}
}

// Check admits or rejects one request for the tenant. retryAfter is
// seconds until a token will be available; zero when allowed.
func (a *AdmissionController) Check(tenantID string, capacityRPM int) (allowed bool, retryAfter float64) {
	if capacityRPM <= 0 {
		capacityRPM = DefaultRateLimitRPM
	}
	now := a.now()

	a.mu.Lock()
	bucket, ok := a.buckets[tenantID]
	if !ok || bucket.capacity != float64(capacityRPM) {
		bucket = newTokenBucket(float64(capacityRPM), now)
		a.buckets[tenantID] = bucket
	}
	a.mu.Unlock()

	return bucket.take(now)
}

// QuotaStore counts requests against a tenant's monthly quota.
type QuotaStore interface {
	// Consume increments the tenant's counter for the current month and
	// reports whether the request is within the limit. A limit of zero
	// or less means unlimited.
	Consume(ctx context.Context, tenantID string, limit int64) (bool, error)
}

// quotaKey is shared by both backends so a Redis-backed deployment and
// its tests agree on the key shape.
func quotaKey(tenantID string, now time.Time) string {
	return fmt.Sprintf("quota:%s:%s", tenantID, now.UTC().Format("2006-01"))
}

// RedisQuotaStore keeps monthly counters in Redis so all gateway
// instances share one view of a tenant's consumption.
type RedisQuotaStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisQuotaStore wraps an existing client.
func NewRedisQuotaStore(client *redis.Client) *RedisQuotaStore {
	return &RedisQuotaStore{client: client, now: time.Now}
}

// Consume increments the month's counter. The key expires well past
// month rollover so stale counters clean themselves up.
func (s *RedisQuotaStore) Consume(ctx context.Context, tenantID string, limit int64) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	key := quotaKey(tenantID, s.now())
	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("incrementing quota counter: %w", err)
	}
	if count == 1 {
		s.client.Expire(ctx, key, 32*24*time.Hour)
	}
	if count > limit {
		return false, nil
	}
	return true, nil
}

// MemoryQuotaStore is the process-local fallback used when Redis is
// not configured.
type MemoryQuotaStore struct {
	mu     sync.Mutex
	counts map[string]int64
	now    func() time.Time
}

// NewMemoryQuotaStore creates an empty store.
func NewMemoryQuotaStore() *MemoryQuotaStore {
	return &MemoryQuotaStore{counts: make(map[string]int64), now: time.Now}
}

// Consume increments the month's counter.
func (s *MemoryQuotaStore) Consume(ctx context.Context, tenantID string, limit int64) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	key := quotaKey(tenantID, s.now())
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[key]++
	return s.counts[key] <= limit, nil
}
