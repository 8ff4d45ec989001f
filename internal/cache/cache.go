// Package cache holds the last successful GET payload per endpoint so reads can
// fall back to it when the network is unavailable.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Cache stores response payloads keyed by endpoint.
type Cache interface {
	// Get returns the cached payload and true, or false when there is no entry.
	Get(ctx context.Context, key string) (json.RawMessage, bool, error)

	// Set stores payload under key.
	Set(ctx context.Context, key string, payload json.RawMessage) error

	// Delete removes the entry for key, if any.
	Delete(ctx context.Context, key string) error

	// Clear removes every entry.
	Clear(ctx context.Context) error
}

// DefaultLRUSize bounds the in-memory cache.
const DefaultLRUSize = 512

// LRUCache is a bounded in-memory Cache. Entries never expire when ttl is zero.
type LRUCache struct {
	lru *expirable.LRU[string, json.RawMessage]
}

// NewLRUCache creates an in-memory cache holding at most size entries.
func NewLRUCache(size int, ttl time.Duration) *LRUCache {
	if size <= 0 {
		size = DefaultLRUSize
	}
	return &LRUCache{lru: expirable.NewLRU[string, json.RawMessage](size, nil, ttl)}
}

// Get returns the cached payload for key.
func (c *LRUCache) Get(_ context.Context, key string) (json.RawMessage, bool, error) {
	v, ok := c.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	return append(json.RawMessage(nil), v...), true, nil
}

// Set stores a copy of payload under key.
func (c *LRUCache) Set(_ context.Context, key string, payload json.RawMessage) error {
	c.lru.Add(key, append(json.RawMessage(nil), payload...))
	return nil
}

// Delete removes the entry for key.
func (c *LRUCache) Delete(_ context.Context, key string) error {
	c.lru.Remove(key)
	return nil
}

// Clear removes every entry.
func (c *LRUCache) Clear(_ context.Context) error {
	c.lru.Purge()
	return nil
}

// Len returns the number of entries.
func (c *LRUCache) Len() int {
	return c.lru.Len()
}

// RedisCache is a Cache shared through Redis, so cached reads survive restarts.
type RedisCache struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisCache creates a Redis-backed cache. Keys are namespaced by prefix.
func NewRedisCache(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = "netlayer:cache:"
	}
	return &RedisCache{rdb: rdb, prefix: prefix, ttl: ttl}
}

// Get returns the cached payload for key.
func (c *RedisCache) Get(ctx context.Context, key string) (json.RawMessage, bool, error) {
	v, err := c.rdb.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return json.RawMessage(v), true, nil
}

// Set stores payload under key.
func (c *RedisCache) Set(ctx context.Context, key string, payload json.RawMessage) error {
	if err := c.rdb.Set(ctx, c.prefix+key, []byte(payload), c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Delete removes the entry for key.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, c.prefix+key).Err(); err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

// Clear deletes every key under the cache prefix.
func (c *RedisCache) Clear(ctx context.Context) error {
	iter := c.rdb.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache scan: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache clear: %w", err)
	}
	return nil
}

var (
	_ Cache = (*LRUCache)(nil)
	_ Cache = (*RedisCache)(nil)
)
