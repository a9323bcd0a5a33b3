package ratelimit

import (
	"context"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "devicegate:rate:"

// RedisLimiter shares windows between replicas using INCR with a millisecond
// expiry set on the first hit of each window.
type RedisLimiter struct {
	client redis.UniversalClient
	cfg    Config
	prefix string
}

// NewRedisLimiter wraps an existing client. The caller owns the client.
func NewRedisLimiter(client redis.UniversalClient, cfg Config, prefix string) (*RedisLimiter, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisLimiter{client: client, cfg: cfg, prefix: prefix}, nil
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	if key == "" {
		return Result{}, ErrKeyRequired
	}
	redisKey := l.prefix + key

	var incr *redis.IntCmd
	var pttl *redis.DurationCmd
	_, err := l.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		pttl = pipe.PTTL(ctx, redisKey)
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("count rate window: %w", err)
	}
	count := incr.Val()
	reset := pttl.Val()

	// A counter without expiry is either new or lost its PEXPIRE; either way
	// the window starts now.
	if count == 1 || reset < 0 {
		if err := l.client.PExpire(ctx, redisKey, l.cfg.Window).Err(); err != nil {
			return Result{}, fmt.Errorf("start rate window: %w", err)
		}
		reset = l.cfg.Window
	}
	return newResult(l.cfg, int(count), reset), nil
}
