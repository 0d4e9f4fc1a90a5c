// Package redis backs the push API's idempotent sends and per-caller rate limits.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "propush"

// Config holds Redis connection settings. Zero pool values use go-redis defaults.
type Config struct {
	Host         string
	Port         int
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
}

func (c Config) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Client is a go-redis client shared by the idempotency store and the rate limiter.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects and pings. A failed ping closes the client.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", cfg.addr(), err)
	}

	logger.Info("redis connected", zap.String("addr", cfg.addr()), zap.Int("db", cfg.DB))
	return &Client{rdb: rdb, logger: logger}, nil
}

// NewFromAddr connects without a ping. Used by tests against miniredis.
func NewFromAddr(addr string, logger *zap.Logger) *Client {
	return &Client{rdb: redis.NewClient(&redis.Options{Addr: addr}), logger: logger}
}

// key joins parts under the service prefix, e.g. propush:ratelimit:user:42.
func key(parts ...string) string {
	return keyPrefix + ":" + strings.Join(parts, ":")
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// OpenConns reports the pool's open connections.
func (c *Client) OpenConns() int {
	return int(c.rdb.PoolStats().TotalConns)
}
