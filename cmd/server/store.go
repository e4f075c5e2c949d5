package main

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/georgeshao/inference-gate/internal/config"
	"github.com/georgeshao/inference-gate/internal/storage"
	"github.com/georgeshao/inference-gate/internal/storage/pebbledb"
	"github.com/georgeshao/inference-gate/internal/storage/redis"
	"github.com/georgeshao/inference-gate/internal/storage/sqlite"
)

// purger is implemented by backends without server-side expiry.
type purger interface {
	Purge(ctx context.Context) (int64, error)
}

func openStore(cfg config.StoreConfig, log *zap.Logger) (storage.Store, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		return sqlite.New(cfg.Path)
	case config.BackendPebble:
		return pebbledb.New(cfg.Path, pebbledb.WithLogger(log.Named("pebble")))
	case config.BackendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		return &redisStore{Store: redis.New(client, redis.WithKeyPrefix(cfg.KeyPrefix)), client: client}, nil
	case config.BackendMemory:
		log.Warn("using in-memory store; admission state is not shared between processes")
		return storage.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// redisStore closes the client it was opened with.
type redisStore struct {
	*redis.Store
	client *goredis.Client
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

// runJanitor deletes expired rows until ctx is done.
func runJanitor(ctx context.Context, p purger, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Purge(ctx)
			if err != nil {
				log.Warn("purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Debug("purged expired keys", zap.Int64("count", n))
			}
		}
	}
}
