package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const defaultPrefix = "solpay:rate:"

// RedisLimiter shares the counters between instances through Redis. Each key
// is INCR'd and expires with its window.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
}

var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter connects to the Redis server at url (redis://host:port/db).
func NewRedisLimiter(ctx context.Context, url string, limit int, per time.Duration) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 800 * time.Millisecond
	opts.ReadTimeout = 500 * time.Millisecond
	opts.WriteTimeout = 500 * time.Millisecond
	opts.MaxRetries = 3

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisLimiterFromClient(client, limit, per), nil
}

// NewRedisLimiterFromClient uses an existing client. Close closes it.
func NewRedisLimiterFromClient(client *redis.Client, limit int, per time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		limit:  limit,
		window: per,
		prefix: defaultPrefix,
	}
}

func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if r.limit <= 0 {
		return true, nil
	}

	k := r.prefix + key

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	ttl := pipe.TTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate counter %s: %w", key, err)
	}

	// a fresh key, or one whose EXPIRE was lost, has no ttl yet
	if ttl.Val() < 0 {
		if err := r.client.Expire(ctx, k, r.window).Err(); err != nil {
			return false, fmt.Errorf("rate counter %s: %w", key, err)
		}
	}

	return incr.Val() <= int64(r.limit), nil
}

func (r *RedisLimiter) Close() error {
	return r.client.Close()
}
