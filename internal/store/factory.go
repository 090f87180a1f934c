package store

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"lsh.app/jobd/core/config"
	"lsh.app/jobd/core/db"
)

// New opens the backend selected by cfg.Store.Backend. The returned store
// owns its connections and releases them on Close.
func New(ctx context.Context, cfg config.Config) (JobStore, error) {
	limit := cfg.Store.HistoryLimit

	switch cfg.Store.Backend {
	case "", config.StoreMemory:
		return NewMemoryStore(limit), nil

	case config.StorePostgres:
		database, err := db.New(ctx, cfg.DB)
		if err != nil {
			return nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		s := NewPostgresStore(database, limit)
		if err := s.EnsureSchema(ctx); err != nil {
			database.Close()
			return nil, err
		}
		return s, nil

	case config.StoreRedis:
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("parsing REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		return NewRedisStore(rdb, cfg.Store.RedisPrefix, limit), nil
	}

	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

// Name reports the backend kind of s, for status output.
func Name(s JobStore) string {
	switch s.(type) {
	case *MemoryStore:
		return config.StoreMemory
	case *PostgresStore:
		return config.StorePostgres
	case *RedisStore:
		return config.StoreRedis
	}
	return fmt.Sprintf("%T", s)
}
