// Package redisx connects to Redis, which backs the shared notification
// dedup set when several BotCareU instances consume the same broker.
package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/botcareu/botcareu-core/internal/infrastructure/config"
)

const pingTimeout = 5 * time.Second

// ErrDisabled is returned when redis.enabled is false.
var ErrDisabled = errors.New("redis: disabled in configuration")

// Client wraps a go-redis client.
type Client struct {
	*redis.Client
	prefix string
}

// Connect creates the client and verifies it with PING.
func Connect(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close() //nolint:errcheck // best effort cleanup on error path
		return nil, fmt.Errorf("redis not reachable at %s: %w", cfg.Addr, err)
	}

	return &Client{Client: rdb, prefix: cfg.KeyPrefix}, nil
}

// KeyPrefix returns the configured key prefix.
func (c *Client) KeyPrefix() string {
	return c.prefix
}

// HealthCheck pings Redis.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}
