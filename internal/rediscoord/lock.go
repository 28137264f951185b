package rediscoord

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

// OutboxPublisherLockKey is the single-claimer lock guarding the outbox
// publisher's claim-batch step (§6.4) so at most one pipeline node drains
// the outbox at a time.
const OutboxPublisherLockKey = "lock:outbox-publisher"

// Lock is a held distributed (or local-fallback) lock; callers must call
// Release when done, typically via defer.
type Lock struct {
	client *Client
	key    string
	value  string
	local  bool
}

// TryAcquire attempts to claim key for ttl using SET NX, returning
// (nil, false, nil) if another holder already has it. When the Client has
// no Redis connection, acquisition is served by an in-process mutex
// instead — single-node operation still gets mutual exclusion, it just
// can't coordinate across nodes.
func (c *Client) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lock, bool, error) {
	if !c.enabled() {
		if c.local.tryAcquire(key) {
			return &Lock{client: c, key: key, local: true}, true, nil
		}
		return nil, false, nil
	}

	value, err := randomToken()
	if err != nil {
		return nil, false, fmt.Errorf("rediscoord: generate lock token: %w", err)
	}
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("rediscoord: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{client: c, key: key, value: value}, true, nil
}

// Release drops the lock, verifying ownership via a compare-and-delete
// Lua script so a lock extended past its holder's lifetime is never
// released out from under a new holder.
func (l *Lock) Release(ctx context.Context) error {
	if l.local {
		l.client.local.release(l.key)
		return nil
	}
	if err := l.client.rdb.Eval(ctx, releaseScript, []string{l.key}, l.value).Err(); err != nil {
		return fmt.Errorf("rediscoord: release %s: %w", l.key, err)
	}
	return nil
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// localLock backs lock acquisition when no Redis connection is configured.
type localLock struct {
	mu   sync.Mutex
	held map[string]bool
}

func newLocalLock() *localLock {
	return &localLock{held: make(map[string]bool)}
}

func (l *localLock) tryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false
	}
	l.held[key] = true
	return true
}

func (l *localLock) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}
