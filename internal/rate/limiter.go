package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter is a Redis fixed-window counter. Keys are namespaced by prefix.
type Counter struct {
	redis  redis.UniversalClient
	prefix string
}

// New creates a [Counter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, prefix string) *Counter {
	return &Counter{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (c *Counter) key(k string) string {
	return c.prefix + ":" + k
}

// Hit increments key and returns the new count. The window starts on the
// first hit.
func (c *Counter) Hit(ctx context.Context, key string, window time.Duration) (int64, error) {
	k := c.key(key)
	count, err := c.redis.Incr(ctx, k).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := c.redis.Expire(ctx, k, window).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}

// Allow records a hit and returns ErrRateLimited once the count exceeds limit.
func (c *Counter) Allow(ctx context.Context, key string, limit int, window time.Duration) error {
	count, err := c.Hit(ctx, key, window)
	if err != nil {
		return err
	}
	if count > int64(limit) {
		return ErrRateLimited
	}
	return nil
}

// Peek returns the current count without incrementing. Missing keys are zero.
func (c *Counter) Peek(ctx context.Context, key string) (int64, error) {
	count, err := c.redis.Get(ctx, c.key(key)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return count, nil
}

// Reset deletes the given counters.
func (c *Counter) Reset(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}
	if err := c.redis.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
