package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig describes the counter backend connection.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	Limit    int
	Window   time.Duration
}

// Redis implements a fixed-window counter shared across processes.
// INCR/EXPIRE run in one pipeline, so concurrent requests for the same key
// never undercount.
type Redis struct {
	client *redis.Client
	prefix string
	limit  int64
	window time.Duration
}

// NewRedis connects to the counter backend and verifies it is reachable.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address 不能为空")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "amorce:ratelimit"
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = 60
	}
	window := cfg.Window
	if window <= 0 {
		window = time.Minute
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return &Redis{client: client, prefix: prefix, limit: int64(limit), window: window}, nil
}

// Allow implements Limiter.
func (r *Redis) Allow(ctx context.Context, key string) (bool, error) {
	bucket := time.Now().Unix() / int64(r.window.Seconds())
	counter := fmt.Sprintf("%s:%s:%d", r.prefix, key, bucket)

	pipe := r.client.TxPipeline()
	count := pipe.Incr(ctx, counter)
	pipe.Expire(ctx, counter, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("限流计数失败: %w", err)
	}
	return count.Val() <= r.limit, nil
}

// Close releases the connection.
func (r *Redis) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

var _ Limiter = (*Redis)(nil)
