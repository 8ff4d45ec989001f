package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/breatheroute/netlayer/internal/cache"
	"github.com/breatheroute/netlayer/internal/config"
	"github.com/breatheroute/netlayer/internal/storage"
)

// backends holds the durable store and response cache selected by config,
// plus the connections behind them.
type backends struct {
	Store storage.Store
	Cache cache.Cache

	redis *redis.Client
	pool  *pgxpool.Pool
}

// Close releases the underlying connections.
func (b *backends) Close() {
	if b.redis != nil {
		_ = b.redis.Close()
	}
	if b.pool != nil {
		b.pool.Close()
	}
}

func openBackends(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*backends, error) {
	b := &backends{}

	var store storage.Store
	switch cfg.Storage.Backend {
	case config.BackendRedis:
		rdb, err := b.redisClient(ctx, cfg.Storage.Redis)
		if err != nil {
			return nil, err
		}
		store = storage.NewRedisStore(rdb, cfg.Storage.Redis.KeyPrefix, cfg.Storage.Redis.TTL)
		log.Info().Str("addr", cfg.Storage.Redis.Addr).Msg("redis storage connected")

	case config.BackendPostgres:
		pool, err := storage.ConnectPostgres(ctx, cfg.Storage.Postgres)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		b.pool = pool
		pg := storage.NewPostgresStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("migrate postgres store: %w", err)
		}
		store = pg
		log.Info().
			Str("host", cfg.Storage.Postgres.Host).
			Int("port", cfg.Storage.Postgres.Port).
			Str("database", cfg.Storage.Postgres.Database).
			Msg("postgres storage connected")

	default:
		store = storage.NewMemoryStore()
		log.Warn().Msg("using in-memory storage - session and queue are lost on restart")
	}

	if cfg.Storage.SecureKey != "" {
		store = storage.NewSecureStore(store, storage.DeriveKey(cfg.Storage.SecureKey))
	}
	b.Store = store

	switch cfg.Cache.Backend {
	case config.BackendRedis:
		rdb, err := b.redisClient(ctx, cfg.Storage.Redis)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.Cache = cache.NewRedisCache(rdb, cfg.Storage.Redis.KeyPrefix+"cache:", cfg.Cache.TTL)
	default:
		b.Cache = cache.NewLRUCache(cfg.Cache.Size, cfg.Cache.TTL)
	}

	return b, nil
}

// redisClient connects once and shares the client between store and cache.
func (b *backends) redisClient(ctx context.Context, cfg storage.RedisConfig) (*redis.Client, error) {
	if b.redis != nil {
		return b.redis, nil
	}
	rdb, err := storage.NewRedisClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	b.redis = rdb
	return rdb, nil
}
