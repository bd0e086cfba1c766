package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the client behind the dispatch queue.
// Zero values take defaults.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	PoolSize int
	// IOTimeout applies to dial, read and write.
	IOTimeout   time.Duration
	PingTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.DB < 0 {
		c.DB = 0
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 20
	}
	if c.IOTimeout <= 0 {
		c.IOTimeout = 3 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 2 * time.Second
	}
	return c
}

func (c RedisConfig) options() *redis.Options {
	return &redis.Options{
		Addr:            c.Addr,
		Password:        c.Password,
		DB:              c.DB,
		PoolSize:        c.PoolSize,
		DialTimeout:     c.IOTimeout,
		ReadTimeout:     c.IOTimeout,
		WriteTimeout:    c.IOTimeout,
		PoolTimeout:     c.IOTimeout + time.Second,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// OpenRedis builds a client and fails fast if PING does not answer.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis: addr is required")
	}
	cfg = cfg.withDefaults()

	rdb := redis.NewClient(cfg.options())
	if err := RedisHealthCheck(ctx, rdb, cfg.PingTimeout); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

// RedisHealthCheck pings the client. Used at startup and by /ready.
func RedisHealthCheck(ctx context.Context, rdb redis.UniversalClient, timeout time.Duration) error {
	if rdb == nil {
		return errors.New("redis: client is nil")
	}
	err := pingWithin(ctx, timeout, 2*time.Second, func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	})
	if err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}
