package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/stocktake/internal/model"
)

// Cache stores resolved identities by normalized code. Entries are scoped to
// a version; bumping the version invalidates every entry at once.
type Cache interface {
	Get(ctx context.Context, code string) (model.ItemIdentity, bool, error)
	Put(ctx context.Context, code string, id model.ItemIdentity) error
	Version(ctx context.Context) (int64, error)
	Invalidate(ctx context.Context) (int64, error)
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	version int64
	entries map[string]model.ItemIdentity
}

// NewMemoryCache creates an empty cache at version 1.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{version: 1, entries: make(map[string]model.ItemIdentity)}
}

func (c *MemoryCache) key(code string) string { return fmt.Sprintf("%d:%s", c.version, code) }

func (c *MemoryCache) Get(_ context.Context, code string) (model.ItemIdentity, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.entries[c.key(code)]
	return id, ok, nil
}

func (c *MemoryCache) Put(_ context.Context, code string, id model.ItemIdentity) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.key(code)] = id
	return nil
}

func (c *MemoryCache) Version(context.Context) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version, nil
}

// Invalidate bumps the version and drops the old entries.
func (c *MemoryCache) Invalidate(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version++
	c.entries = make(map[string]model.ItemIdentity)
	return c.version, nil
}

const (
	redisEntryPrefix = "lookup:v:"
	redisVersionKey  = "lookup:version"
)

// DefaultTTL bounds how long a Redis entry outlives its last write.
const DefaultTTL = 24 * time.Hour

// RedisCache shares resolved codes between terminals. Old-version entries
// are left to expire.
type RedisCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisCache creates a cache. A non-positive ttl selects DefaultTTL.
func NewRedisCache(client redis.Cmdable, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func entryKey(version int64, code string) string {
	return fmt.Sprintf("%s%d:%s", redisEntryPrefix, version, code)
}

func (c *RedisCache) Get(ctx context.Context, code string) (model.ItemIdentity, bool, error) {
	version, err := c.Version(ctx)
	if err != nil {
		return model.ItemIdentity{}, false, err
	}
	raw, err := c.client.Get(ctx, entryKey(version, code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.ItemIdentity{}, false, nil
	}
	if err != nil {
		return model.ItemIdentity{}, false, fmt.Errorf("lookup cache get: %w", err)
	}
	var id model.ItemIdentity
	if err := json.Unmarshal(raw, &id); err != nil {
		return model.ItemIdentity{}, false, nil
	}
	return id, true, nil
}

func (c *RedisCache) Put(ctx context.Context, code string, id model.ItemIdentity) error {
	version, err := c.Version(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(id)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, entryKey(version, code), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("lookup cache put: %w", err)
	}
	return nil
}

// Version returns the current version, initializing it to 1 when absent.
func (c *RedisCache) Version(ctx context.Context) (int64, error) {
	ver, err := c.client.Get(ctx, redisVersionKey).Int64()
	if err == nil && ver > 0 {
		return ver, nil
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("lookup cache version: %w", err)
	}
	// SETNX: a concurrent Invalidate may have created the key already.
	if err := c.client.SetNX(ctx, redisVersionKey, 1, 0).Err(); err != nil {
		return 0, fmt.Errorf("lookup cache version: %w", err)
	}
	ver, err = c.client.Get(ctx, redisVersionKey).Int64()
	if err != nil {
		return 0, fmt.Errorf("lookup cache version: %w", err)
	}
	return ver, nil
}

// Invalidate bumps the version.
func (c *RedisCache) Invalidate(ctx context.Context) (int64, error) {
	ver, err := c.client.Incr(ctx, redisVersionKey).Result()
	if err != nil {
		return 0, fmt.Errorf("lookup cache invalidate: %w", err)
	}
	return ver, nil
}
