package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const counterPrefix = "anima:counter:"

// Counter keys outlive their day by a margin so a process straddling
// midnight still sees yesterday's totals, then Redis reaps them.
const counterTTL = 48 * time.Hour

// RedisCounters implements Counters on Redis. INCR carries the
// atomicity: concurrent cycles can both reserve the last slot's
// increment, but only one sees a value within the limit.
type RedisCounters struct {
	rdb    *redis.Client
	prefix string
	limits Limits
	logger *zap.Logger
	now    func() time.Time
}

// NewRedisCounters connects to Redis and verifies the connection.
// Counters are namespaced by agent so personas sharing one Redis never
// share budgets.
func NewRedisCounters(redisURL, agent string, limits Limits, logger *zap.Logger) (*RedisCounters, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := counterPrefix
	if agent != "" {
		prefix += agent + ":"
	}
	return &RedisCounters{rdb: rdb, prefix: prefix, limits: limits, logger: logger, now: time.Now}, nil
}

func (c *RedisCounters) key(kind Kind) string {
	return c.prefix + string(kind) + ":" + dayKey(c.now())
}

// Reserve increments the day's counter and checks it against the cap
// in one round trip per branch. Over the cap it decrements back and
// reports false.
func (c *RedisCounters) Reserve(ctx context.Context, kind Kind) (bool, error) {
	key := c.key(kind)
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("incr %s: %w", key, err)
	}
	if n == 1 {
		if err := c.rdb.Expire(ctx, key, counterTTL).Err(); err != nil {
			c.logger.Warn("counter ttl not set", zap.String("key", key), zap.Error(err))
		}
	}
	if int(n) > c.limits.For(kind) {
		if err := c.rdb.Decr(ctx, key).Err(); err != nil {
			return false, fmt.Errorf("decr %s after limit: %w", key, err)
		}
		c.logger.Info("daily limit reached",
			zap.String("kind", string(kind)),
			zap.Int("limit", c.limits.For(kind)))
		return false, nil
	}
	return true, nil
}

// Release refunds one reserved slot after a failed publish.
func (c *RedisCounters) Release(ctx context.Context, kind Kind) error {
	key := c.key(kind)
	n, err := c.rdb.Decr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("decr %s: %w", key, err)
	}
	// A refund racing the midnight rollover can underflow the new
	// day's key; clamp instead of counting into the negatives.
	if n < 0 {
		if err := c.rdb.Incr(ctx, key).Err(); err != nil {
			return fmt.Errorf("clamp %s: %w", key, err)
		}
	}
	return nil
}

// Remaining returns how many actions of this kind the day still allows.
func (c *RedisCounters) Remaining(ctx context.Context, kind Kind) (int, error) {
	used, err := c.used(ctx, kind)
	if err != nil {
		return 0, err
	}
	remaining := c.limits.For(kind) - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Usage snapshots both counters for reports.
func (c *RedisCounters) Usage(ctx context.Context) (Usage, error) {
	posts, err := c.used(ctx, KindPost)
	if err != nil {
		return Usage{}, err
	}
	replies, err := c.used(ctx, KindReply)
	if err != nil {
		return Usage{}, err
	}
	return Usage{
		Day:        dayKey(c.now()),
		Posts:      posts,
		PostLimit:  c.limits.Posts,
		Replies:    replies,
		ReplyLimit: c.limits.Replies,
	}, nil
}

func (c *RedisCounters) used(ctx context.Context, kind Kind) (int, error) {
	key := c.key(kind)
	n, err := c.rdb.Get(ctx, key).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	return n, nil
}

// Close shuts down the Redis connection.
func (c *RedisCounters) Close() error {
	return c.rdb.Close()
}
