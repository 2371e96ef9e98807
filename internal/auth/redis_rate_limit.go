package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRateLimiter is a fixed-window limiter shared across instances.
type RedisRateLimiter struct {
	client  *redis.Client
	maxHits int
	window  time.Duration
}

func NewRedisRateLimiter(client *redis.Client, maxHits int, window time.Duration) *RedisRateLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return &RedisRateLimiter{client: client, maxHits: maxHits, window: window}
}

func (l *RedisRateLimiter) Allow(ctx context.Context, scope, key string) (bool, time.Duration, error) {
	bucket := fmt.Sprintf("ratelimit:%s:%s", scope, key)

	count, err := l.client.Incr(ctx, bucket).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit incr: %w", err)
	}

	if count == 1 {
		if err := l.client.Expire(ctx, bucket, l.window).Err(); err != nil {
			return false, 0, fmt.Errorf("rate limit expire: %w", err)
		}
	}

	if count > int64(l.maxHits) {
		ttl, err := l.client.TTL(ctx, bucket).Result()
		if err != nil || ttl < time.Second {
			ttl = l.window
		}
		return false, ttl, nil
	}

	return true, 0, nil
}
