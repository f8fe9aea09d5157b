// Package redisdenial provides a Redis-backed llmledger.DenialCache so that a
// fleet of processes sharing one accounting database also shares memoized
// deny decisions.
package redisdenial

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/llmledger/llmledger/pkg/llmledger"
)

const keyPrefix = "llmledger:denial:"

// Cache implements llmledger.DenialCache on Redis. Entries expire via Redis
// TTLs set to the denial's reset instant, so lazy eviction is handled by the
// server.
type Cache struct {
	client redis.UniversalClient
}

// New wraps an existing Redis client.
func New(client redis.UniversalClient) *Cache {
	return &Cache{client: client}
}

type storedDenial struct {
	Reason  string    `json:"reason"`
	ResetAt time.Time `json:"reset_at"`
}

func redisKey(key llmledger.DenialKey) string {
	return keyPrefix + key.String()
}

// Get implements llmledger.DenialCache.
func (c *Cache) Get(ctx context.Context, key llmledger.DenialKey, now time.Time) (*llmledger.Denial, error) {
	data, err := c.client.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("denial cache get: %w", err)
	}

	var stored storedDenial
	if err := json.Unmarshal(data, &stored); err != nil {
		// A corrupt entry is dropped rather than surfaced; the next check
		// recomputes from storage.
		_ = c.client.Del(ctx, redisKey(key)).Err()
		return nil, nil
	}
	// The TTL usually evicts first, but clock skew between processes can
	// leave an expired entry briefly visible.
	if !now.Before(stored.ResetAt) {
		_ = c.client.Del(ctx, redisKey(key)).Err()
		return nil, nil
	}
	return &llmledger.Denial{Reason: stored.Reason, ResetAt: stored.ResetAt}, nil
}

// Set implements llmledger.DenialCache.
func (c *Cache) Set(ctx context.Context, key llmledger.DenialKey, d llmledger.Denial) error {
	ttl := time.Until(d.ResetAt)
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(storedDenial{Reason: d.Reason, ResetAt: d.ResetAt})
	if err != nil {
		return fmt.Errorf("denial cache marshal: %w", err)
	}
	if err := c.client.Set(ctx, redisKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("denial cache set: %w", err)
	}
	return nil
}

// Delete implements llmledger.DenialCache.
func (c *Cache) Delete(ctx context.Context, key llmledger.DenialKey) error {
	if err := c.client.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("denial cache delete: %w", err)
	}
	return nil
}
