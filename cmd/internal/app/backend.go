package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"portalsync/cmd/internal/storage"
)

// OpenBackend builds the session storage backend named by cfg.Storage,
// sealed when a seal key is configured. The returned close func releases
// pools and connections and is never nil.
func OpenBackend(ctx context.Context, cfg ClientConfig, log Logger) (storage.Backend, func(), error) {
	var (
		backend storage.Backend
		closeFn = func() {}
	)

	switch cfg.Storage {
	case "memory":
		backend = storage.NewMemoryBackend()

	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err = client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		backend = storage.NewRedisBackend(client, cfg.RedisPrefix, cfg.RedisTTL)
		closeFn = func() { _ = client.Close() }

	case "postgres":
		pool, err := NewDBPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return nil, nil, err
		}
		pg, err := storage.NewPostgresBackend(pool, storage.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		backend = pg
		closeFn = pool.Close

	default:
		fb, err := storage.NewFileBackend(cfg.StateDir)
		if err != nil {
			return nil, nil, err
		}
		backend = fb
	}

	if cfg.SealKey != "" {
		key, err := cfg.sealKey()
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		sealed, err := storage.NewSealed(backend, key)
		if err != nil {
			closeFn()
			return nil, nil, err
		}
		backend = sealed
	}

	log.Debug("storage.open", "backend", cfg.Storage, "sealed", cfg.SealKey != "")
	return backend, closeFn, nil
}

// NewDBPool builds a pgxpool and validates connectivity.
// It does NOT create the client_state table; see storage.PostgresBackend.
func NewDBPool(ctx context.Context, databaseURL string, maxConns int32) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		pcfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}
	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// PingDB checks if we can acquire a connection within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("database ping: %w", err)
	}
	conn.Release()
	return nil
}
