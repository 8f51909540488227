package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache stores ranked search results and details by key until the TTL passes
type Cache interface {
	Get(ctx context.Context, key string) ([]Listing, bool, error)
	Set(ctx context.Context, key string, listings []Listing) error
	Clear(ctx context.Context) error
	Len(ctx context.Context) (int, error)
}

// LRUCache is an in-process cache with per-entry expiry
type LRUCache struct {
	cache *lru.LRU[string, []Listing]
}

// NewLRUCache creates a cache of at most size entries living for ttl
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size < 10 {
		size = 10
	}
	return &LRUCache{cache: lru.NewLRU[string, []Listing](size, nil, ttl)}
}

// Get implements Cache
func (c *LRUCache) Get(_ context.Context, key string) ([]Listing, bool, error) {
	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	return append([]Listing(nil), v...), true, nil
}

// Set implements Cache
func (c *LRUCache) Set(_ context.Context, key string, listings []Listing) error {
	c.cache.Add(key, append([]Listing(nil), listings...))
	return nil
}

// Clear implements Cache
func (c *LRUCache) Clear(context.Context) error {
	c.cache.Purge()
	return nil
}

// Len implements Cache
func (c *LRUCache) Len(context.Context) (int, error) {
	return c.cache.Len(), nil
}

// redisKeyPrefix namespaces marketplace keys in a shared Redis
const redisKeyPrefix = "cloudcraver:marketplace:"

// RedisCache shares results between processes through Redis
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache connects to redisURL
func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	return NewRedisCacheWithClient(redis.NewClient(opts), ttl), nil
}

// NewRedisCacheWithClient wraps an existing client
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

// Client returns the underlying client
func (c *RedisCache) Client() *redis.Client { return c.client }

// Get implements Cache
func (c *RedisCache) Get(ctx context.Context, key string) ([]Listing, bool, error) {
	data, err := c.client.Get(ctx, redisKeyPrefix+key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cache entry: %w", err)
	}

	var listings []Listing
	if err := json.Unmarshal([]byte(data), &listings); err != nil {
		return nil, false, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	return listings, true, nil
}

// Set implements Cache
func (c *RedisCache) Set(ctx context.Context, key string, listings []Listing) error {
	data, err := json.Marshal(listings)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	return c.client.Set(ctx, redisKeyPrefix+key, data, c.ttl).Err()
}

// Clear implements Cache. Only marketplace keys are removed.
func (c *RedisCache) Clear(ctx context.Context) error {
	keys, err := c.keys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

// Len implements Cache
func (c *RedisCache) Len(ctx context.Context) (int, error) {
	keys, err := c.keys(ctx)
	return len(keys), err
}

func (c *RedisCache) keys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, redisKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan cache keys: %w", err)
	}
	return keys, nil
}

// Close closes the client
func (c *RedisCache) Close() error {
	return c.client.Close()
}
