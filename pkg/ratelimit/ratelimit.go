// Package ratelimit bounds concurrent in-flight submissions per provider.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter gates provider submissions. Acquire reserves a slot for key and
// reports whether one was available; Release frees it once the provider-side
// task settles.
type Limiter interface {
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// counterTTL caps how long a leaked reservation can suppress capacity when a
// worker dies between Acquire and Release.
const counterTTL = 30 * time.Minute

// RedisLimiter implements Limiter with a shared Redis counter per provider,
// so the cap holds across all workers.
type RedisLimiter struct {
	client *redis.Client
	limit  int64
}

func NewRedisLimiter(client *redis.Client, limit int) *RedisLimiter {
	return &RedisLimiter{client: client, limit: int64(limit)}
}

func (l *RedisLimiter) Acquire(ctx context.Context, key string) (bool, error) {
	counterKey := l.key(key)

	count, err := l.client.Incr(ctx, counterKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to increment inflight counter: %w", err)
	}

	l.client.Expire(ctx, counterKey, counterTTL)

	if count > l.limit {
		err = l.client.Decr(ctx, counterKey).Err()
		if err != nil {
			return false, fmt.Errorf("failed to roll back inflight counter: %w", err)
		}

		return false, nil
	}

	return true, nil
}

func (l *RedisLimiter) Release(ctx context.Context, key string) error {
	count, err := l.client.Decr(ctx, l.key(key)).Result()
	if err != nil {
		return fmt.Errorf("failed to decrement inflight counter: %w", err)
	}

	// Guard against double release pushing the counter negative.
	if count < 0 {
		return l.client.Set(ctx, l.key(key), 0, counterTTL).Err()
	}

	return nil
}

func (l *RedisLimiter) key(key string) string {
	return "fabriq:inflight:" + key
}

// NoopLimiter never refuses a slot. Used when no inflight cap is configured.
type NoopLimiter struct{}

func (NoopLimiter) Acquire(ctx context.Context, key string) (bool, error) {
	return true, nil
}

func (NoopLimiter) Release(ctx context.Context, key string) error {
	return nil
}
