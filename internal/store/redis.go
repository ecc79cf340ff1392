package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient adapts go-redis v9 to the Client interface. Pool sizing and
// timeouts follow the wire contract: 20 connections, 5s per operation, 5s
// connect, retry on timeout, background health ping every 30s.
type RedisClient struct {
	rdb    *redis.Client
	cancel context.CancelFunc
}

func NewRedisClient(url string) (*RedisClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.PoolSize = 20
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 5 * time.Second
	opts.WriteTimeout = 5 * time.Second
	opts.MaxRetries = 3

	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithCancel(context.Background())
	c := &RedisClient{rdb: rdb, cancel: cancel}
	go c.healthLoop(ctx)
	return c, nil
}

func (c *RedisClient) Close() error {
	c.cancel()
	return c.rdb.Close()
}

// healthLoop pings every 30s so dead pool connections are noticed and
// re-dialed between bursts of traffic.
func (c *RedisClient) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := c.rdb.Ping(pingCtx).Err(); err != nil {
				slog.Warn("redis health ping failed", "err", err)
			}
			cancel()
		}
	}
}

func (c *RedisClient) SlotAdd(ctx context.Context, key, member string, at time.Time, retention time.Duration) (int64, int64, error) {
	pipe := c.rdb.TxPipeline()
	addCmd := pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixNano()) / 1e9, Member: member})
	cardCmd := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return addCmd.Val(), cardCmd.Val(), nil
}

func (c *RedisClient) ZRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return c.rdb.ZRange(ctx, key, start, stop).Result()
}

func (c *RedisClient) ZRem(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.rdb.ZRem(ctx, key, args...).Err()
}

func (c *RedisClient) SetEx(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.SetEx(ctx, key, value, ttl).Err()
}

func (c *RedisClient) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (c *RedisClient) Del(ctx context.Context, keys ...string) (int64, error) {
	return c.rdb.Del(ctx, keys...).Result()
}

func (c *RedisClient) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	return c.rdb.Scan(ctx, cursor, match, count).Result()
}

func (c *RedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	return c.rdb.TTL(ctx, key).Result()
}

func (c *RedisClient) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
