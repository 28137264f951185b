// Package rediscoord provides the cache-as-hint and distributed-lock
// coordination this module uses across pipeline nodes, grounded on the
// teacher's internal/infrastructure/cache.RedisCache (connection setup,
// JSON marshal/unmarshal, structured logging per operation) and
// internal/infrastructure/lock.DistributedLock (SET NX acquire, Lua
// compare-and-delete release).
package rediscoord

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config configures the Redis connection backing both the cache and lock
// halves of this package.
type Config struct {
	URL      string
	Password string
	DB       int
	PoolSize int
}

// Client wraps a go-redis client with the checkpoint/breaker cache-as-hint
// surface (§6.3) and the outbox-publisher lock (§6.4). A nil *redis.Client
// (constructed via NewDisabled) makes every cache method a harmless no-op
// and every lock acquisition fall back to an in-process lock that admits
// one holder per key at a time — this module's
// correctness never depends on Redis being reachable, only its efficiency
// does (spec.md §9: "cache is a hint, never an authority").
type Client struct {
	rdb    *redis.Client
	local  *localLock
	logger *slog.Logger
}

// New dials Redis eagerly so Connect-time failures surface at boot rather
// than on first use.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		opts = &redis.Options{Addr: cfg.URL}
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB != 0 {
		opts.DB = cfg.DB
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("rediscoord: connect: %w", err)
	}
	logger.Info("rediscoord: connected", "addr", opts.Addr, "db", opts.DB)
	return &Client{rdb: rdb, logger: logger}, nil
}

// NewDisabled returns a Client with no backing Redis connection: cache
// reads always miss, cache writes no-op, and locks fall back to an
// in-process mutex. Used when REDIS_URL is unset (§6.3 treats Redis as
// optional infrastructure).
func NewDisabled(logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{local: newLocalLock(), logger: logger}
}

func (c *Client) Close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}

func (c *Client) Health(ctx context.Context) error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) enabled() bool { return c.rdb != nil }
