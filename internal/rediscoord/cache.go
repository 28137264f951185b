package rediscoord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned when a cache lookup finds nothing — never treated as
// a hard failure by callers, since the cache is a hint (§6.3).
var ErrMiss = errors.New("rediscoord: cache miss")

const (
	checkpointKeyPrefix = "checkpoint:"
	checkpointTTL       = time.Hour
	breakerKeyPrefix    = "breaker:"
)

// CheckpointKey returns the cache key for a checkpoint's latest known
// status, namespaced per spec.md §6.3.
func CheckpointKey(checkpointID string) string {
	return checkpointKeyPrefix + checkpointID
}

// BreakerKey returns the cache key used to fan a circuit breaker's state
// out to other pipeline nodes.
func BreakerKey(stage string) string {
	return breakerKeyPrefix + stage + ":state"
}

// GetJSON reads key and unmarshals it into dest. Returns ErrMiss on a
// cache miss or when Redis is disabled — callers always have a
// durable-storage fallback for both cases.
func (c *Client) GetJSON(ctx context.Context, key string, dest interface{}) error {
	if !c.enabled() {
		return ErrMiss
	}
	val, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrMiss
		}
		return fmt.Errorf("rediscoord: get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("rediscoord: unmarshal %s: %w", key, err)
	}
	return nil
}

// SetJSON writes value under key with ttl. A no-op when Redis is disabled.
func (c *Client) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if !c.enabled() {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("rediscoord: marshal %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		c.logger.Warn("rediscoord: cache write failed, continuing without cache", "key", key, "error", err)
		return nil
	}
	return nil
}

// CheckpointTTL is exported so callers cache-writing a checkpoint hint use
// the same TTL this package reads back with.
func CheckpointTTL() time.Duration { return checkpointTTL }

// Invalidate deletes key. A no-op when Redis is disabled.
func (c *Client) Invalidate(ctx context.Context, key string) error {
	if !c.enabled() {
		return nil
	}
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		c.logger.Warn("rediscoord: cache invalidate failed", "key", key, "error", err)
	}
	return nil
}
