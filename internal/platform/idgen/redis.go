package idgen

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKeyPrefix = "lis:seq:"

// dailyKeyTTL keeps per-day counters around long enough to cover clock skew
// between instances at midnight.
const dailyKeyTTL = 48 * time.Hour

// RedisCounter is a Counter backed by Redis INCR, shared by every instance
// pointing at the same Redis.
type RedisCounter struct {
	client redis.Cmdable
	prefix string
}

// RedisCounterOption configures a RedisCounter.
type RedisCounterOption func(*RedisCounter)

// WithKeyPrefix namespaces counter keys.
func WithKeyPrefix(prefix string) RedisCounterOption {
	return func(c *RedisCounter) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}

// NewRedisCounter constructs a Redis-backed counter.
func NewRedisCounter(client redis.Cmdable, opts ...RedisCounterOption) *RedisCounter {
	c := &RedisCounter{client: client, prefix: defaultRedisKeyPrefix}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

func (c *RedisCounter) Next(ctx context.Context, key string) (int64, error) {
	full := c.prefix + key
	n, err := c.client.Incr(ctx, full).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s: %w", full, err)
	}
	if n == 1 && strings.HasPrefix(key, "specimen:") {
		if err := c.client.Expire(ctx, full, dailyKeyTTL).Err(); err != nil {
			return 0, fmt.Errorf("redis expire %s: %w", full, err)
		}
	}
	return n, nil
}
