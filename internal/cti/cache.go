package cti

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryCache is an in-memory summary cache for single-instance runs and tests.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

type memoryEntry struct {
	summary   *Summary
	expiresAt time.Time
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache creates an in-memory CTI cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry)}
}

// Get returns the cached summary if present and fresh.
func (c *MemoryCache) Get(_ context.Context, ip string) (*Summary, bool, error) {
	c.mu.RLock()
	e, ok := c.entries[ip]
	c.mu.RUnlock()

	if !ok || time.Now().After(e.expiresAt) {
		return nil, false, nil
	}
	out := *e.summary
	return &out, true, nil
}

// Set stores a summary. Expired entries for other IPs are dropped
// opportunistically to bound growth.
func (c *MemoryCache) Set(_ context.Context, ip string, summary *Summary, ttl time.Duration) error {
	stored := *summary
	now := time.Now()

	c.mu.Lock()
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
		}
	}
	c.entries[ip] = memoryEntry{summary: &stored, expiresAt: now.Add(ttl)}
	c.mu.Unlock()
	return nil
}

// RedisCache shares CTI summaries across FDS instances.
type RedisCache struct {
	client *redis.Client
	prefix string
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache creates a Redis-backed CTI cache.
func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client, prefix: "cti:"}
}

// Get returns the cached summary if present.
func (c *RedisCache) Get(ctx context.Context, ip string) (*Summary, bool, error) {
	data, err := c.client.Get(ctx, c.prefix+ip).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cti: redis get: %w", err)
	}

	var summary Summary
	if err := json.Unmarshal(data, &summary); err != nil {
		_ = c.client.Del(ctx, c.prefix+ip).Err()
		return nil, false, nil
	}
	return &summary, true, nil
}

// Set stores a summary with the given TTL.
func (c *RedisCache) Set(ctx context.Context, ip string, summary *Summary, ttl time.Duration) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("cti: marshal summary: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+ip, data, ttl).Err(); err != nil {
		return fmt.Errorf("cti: redis set: %w", err)
	}
	return nil
}
