// internal/pricing/cache.go
package pricing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// MemoryCache is a per-process RateCache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]CachedRate
}

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]CachedRate)}
}

func (c *MemoryCache) Get(_ context.Context, key string) (CachedRate, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	return entry, ok, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, rate CachedRate) error {
	c.mu.Lock()
	c.entries[key] = rate
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

// redisKeyPrefix namespaces rate entries in a shared Redis.
const redisKeyPrefix = "coinsettle:rate:"

// RedisCache shares the last fetched rate between processes.
// Entries are kept for retention, which should be much longer than the oracle TTL.
type RedisCache struct {
	client    redis.UniversalClient
	retention time.Duration
}

// NewRedisCache creates a RedisCache on an existing client.
func NewRedisCache(client redis.UniversalClient, retention time.Duration) *RedisCache {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisCache{client: client, retention: retention}
}

func (c *RedisCache) Get(ctx context.Context, key string) (CachedRate, bool, error) {
	raw, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return CachedRate{}, false, nil
	}
	if err != nil {
		return CachedRate{}, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	var entry CachedRate
	if err := json.Unmarshal(raw, &entry); err != nil {
		return CachedRate{}, false, fmt.Errorf("decode cached rate %s: %w", key, err)
	}
	return entry, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, rate CachedRate) error {
	raw, err := json.Marshal(rate)
	if err != nil {
		return fmt.Errorf("encode cached rate %s: %w", key, err)
	}
	if err := c.client.Set(ctx, redisKeyPrefix+key, raw, c.retention).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}
