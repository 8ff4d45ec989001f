package main

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breatheroute/netlayer/internal/cache"
	"github.com/breatheroute/netlayer/internal/config"
	"github.com/breatheroute/netlayer/internal/storage"
)

func TestOpenBackends_Memory(t *testing.T) {
	cfg := &config.Config{
		Storage: config.StorageConfig{Backend: config.BackendMemory},
		Cache:   config.CacheConfig{Backend: config.BackendLRU, Size: 8},
	}

	b, err := openBackends(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer b.Close()

	assert.IsType(t, &storage.MemoryStore{}, b.Store)
	assert.IsType(t, &cache.LRUCache{}, b.Cache)
}

func TestOpenBackends_RedisSharesClient(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	cfg := &config.Config{
		Storage: config.StorageConfig{
			Backend:   config.BackendRedis,
			SecureKey: "secret",
			Redis:     storage.RedisConfig{Addr: mr.Addr(), KeyPrefix: "netlayer:"},
		},
		Cache: config.CacheConfig{Backend: config.BackendRedis},
	}

	b, err := openBackends(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer b.Close()

	assert.IsType(t, &storage.SecureStore{}, b.Store)
	assert.IsType(t, &cache.RedisCache{}, b.Cache)

	require.NoError(t, b.Store.Set(ctx, "session", []byte("tokens")))
	raw, err := mr.Get("netlayer:session")
	require.NoError(t, err)
	assert.NotEqual(t, "tokens", raw, "values are encrypted at rest")

	require.NoError(t, b.Cache.Set(ctx, "/feed", []byte(`[1]`)))
	assert.True(t, mr.Exists("netlayer:cache:/feed"))
}

func TestOpenBackends_RedisUnreachable(t *testing.T) {
	cfg := &config.Config{
		Storage: config.StorageConfig{
			Backend: config.BackendRedis,
			Redis:   storage.RedisConfig{Addr: "127.0.0.1:1"},
		},
	}

	_, err := openBackends(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}
