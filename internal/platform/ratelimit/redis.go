package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter is the subset of *redis.Client used by Redis.
type Counter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

// Redis is a fixed-window counter shared by every process pointing at the
// same Redis. At most Limit requests per key are admitted per Window.
type Redis struct {
	client Counter
	limit  int64
	window time.Duration
	prefix string
	now    func() time.Time
}

// NewRedis returns a Redis limiter. limit <= 0 admits everything.
func NewRedis(client Counter, limit int64, window time.Duration) *Redis {
	if window <= 0 {
		window = time.Second
	}
	return &Redis{
		client: client,
		limit:  limit,
		window: window,
		prefix: "fhirsync:ratelimit:",
		now:    time.Now,
	}
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (r *Redis) Wait(ctx context.Context, key string) error {
	if r.limit <= 0 {
		return ctx.Err()
	}
	for {
		now := r.now()
		windowStart := now.Truncate(r.window)
		k := fmt.Sprintf("%s%s:%d", r.prefix, key, windowStart.Unix())

		count, err := r.client.Incr(ctx, k).Result()
		if err != nil {
			return fmt.Errorf("rate limit incr: %w", err)
		}
		if count == 1 {
			r.client.Expire(ctx, k, 2*r.window)
		}
		if count <= r.limit {
			return nil
		}

		wait := windowStart.Add(r.window).Sub(now)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
