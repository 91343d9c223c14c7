package main

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/barber-sync/internal/config"
	"github.com/wolfman30/barber-sync/internal/localstore"
	"github.com/wolfman30/barber-sync/internal/syncengine"
	"github.com/wolfman30/barber-sync/pkg/logging"
)

// openedStore is the local store the agent runs on plus what came with it.
type openedStore struct {
	store    localstore.Store
	degraded bool
	guard    syncengine.Guard
}

// openStore builds the configured backend and falls back to memory when it
// cannot be reached.
func openStore(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger) (openedStore, error) {
	var (
		primary localstore.Store
		rdb     *redis.Client
	)
	switch cfg.StoreBackend {
	case appconfig.StoreMemory, "":
		primary = localstore.NewMemoryStore()
	case appconfig.StoreRedis:
		opts := &redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
		if cfg.RedisTLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		rdb = redis.NewClient(opts)
		primary = localstore.NewRedisStore(rdb, cfg.StoreNamespace)
	case appconfig.StorePostgres:
		if cfg.DatabaseURL == "" {
			return openedStore{}, fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return openedStore{}, fmt.Errorf("postgres pool: %w", err)
		}
		primary = localstore.NewPostgresStore(pool, cfg.StoreNamespace, pool.Close)
	default:
		return openedStore{}, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}

	store, degraded, err := localstore.OpenWithFallback(ctx, primary, logger)
	if err != nil {
		return openedStore{}, err
	}
	out := openedStore{store: store, degraded: degraded}
	if rdb != nil && !degraded {
		out.guard = syncengine.NewRedisGuard(rdb, cfg.StoreNamespace, cfg.DrainLockTTL)
	}
	logger.Info("local store ready", "backend", cfg.StoreBackend, "degraded", degraded, "shared_lock", out.guard != nil)
	return out, nil
}
