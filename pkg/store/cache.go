package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultCachePrefix namespaces every key the shop writes to a shared redis.
const DefaultCachePrefix = "remnashop:cache:"

// ErrCacheMiss is returned by Get for absent or expired keys. It aliases
// redis.Nil so callers can check either.
var ErrCacheMiss = redis.Nil

// Cache holds short-lived markers such as reminder dedupe keys.
type Cache interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// RedisCache wraps go-redis.
type RedisCache struct {
	Client *redis.Client
	Prefix string
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{Client: client, Prefix: DefaultCachePrefix}
}

func (r *RedisCache) key(k string) string { return r.Prefix + k }

func (r *RedisCache) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	return r.Client.SetNX(ctx, r.key(key), value, ttl).Result()
}

func (r *RedisCache) Get(ctx context.Context, key string) (string, error) {
	res, err := r.Client.Get(ctx, r.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	return res, err
}

func (r *RedisCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.Client.Set(ctx, r.key(key), value, ttl).Err()
}

func (r *RedisCache) Del(ctx context.Context, key string) error {
	return r.Client.Del(ctx, r.key(key)).Err()
}

// MemoryCache is an in-process TTL cache. A zero ttl never expires.
type MemoryCache struct {
	mu    sync.Mutex
	items map[string]memItem
	now   func() time.Time
}

type memItem struct {
	value     string
	expiresAt time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{items: map[string]memItem{}, now: time.Now}
}

func (m *MemoryCache) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryCache) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	if _, ok := m.items[key]; ok {
		return false, nil
	}
	m.items[key] = memItem{value: value, expiresAt: m.expiry(ttl)}
	return true, nil
}

func (m *MemoryCache) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	item, ok := m.items[key]
	if !ok {
		return "", ErrCacheMiss
	}
	return item.value, nil
}

func (m *MemoryCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanupLocked()
	m.items[key] = memItem{value: value, expiresAt: m.expiry(ttl)}
	return nil
}

func (m *MemoryCache) Del(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *MemoryCache) cleanupLocked() {
	now := m.now()
	for k, v := range m.items {
		if !v.expiresAt.IsZero() && now.After(v.expiresAt) {
			delete(m.items, k)
		}
	}
}

// NewCache tries redis, falls back to memory.
func NewCache(ctx context.Context, client *redis.Client) Cache {
	if client != nil {
		if err := client.Ping(ctx).Err(); err == nil {
			return NewRedisCache(client)
		}
	}
	return NewMemoryCache()
}
