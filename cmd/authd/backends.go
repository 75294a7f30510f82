package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"wattguard.io/internal/auth"
	"wattguard.io/internal/authz"
	"wattguard.io/internal/config"
	"wattguard.io/internal/httpapi"
	"wattguard.io/internal/migrate"
	"wattguard.io/internal/obs"
	"wattguard.io/internal/ratelimit"
	"wattguard.io/internal/session"
	"wattguard.io/internal/store/memory"
	"wattguard.io/internal/store/pg"
)

type backends struct {
	store    auth.Store
	sessions session.Store
	limiter  authz.RateLimiter
	probes   []httpapi.ReadyProbe
	closers  []func() error
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			obs.Logger().Warn("close backend", zap.Error(err))
		}
	}
}

// openBackends connects the repository store, the session store and the rate limiter. An
// empty redis.addr keeps sessions and rate windows in process, which only suits one replica.
func openBackends(ctx context.Context, cfg *config.Config, migrateUp bool) (*backends, error) {
	b := &backends{}
	log := obs.Logger()

	switch cfg.Store.Driver {
	case "memory":
		log.Warn("using in-memory repositories; data is lost on restart")
		b.store = memory.New()
	default:
		st, err := pg.Open(cfg.Postgres.DSN, pg.PoolConfig{
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		b.closers = append(b.closers, st.Close)
		b.store = st
		b.probes = append(b.probes, httpapi.ReadyFunc(st.DB().PingContext))
		if migrateUp {
			applied, err := migrate.NewManager(st.DB()).Up(ctx)
			if err != nil {
				b.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			for _, name := range applied {
				log.Info("migration applied", zap.String("name", name))
			}
		}
	}

	rlCfg := ratelimit.Config{
		Window:        cfg.RateLimit.Window,
		StandardLimit: cfg.RateLimit.StandardLimit,
		ElevatedLimit: cfg.RateLimit.ElevatedLimit,
		ElevatedRoles: cfg.RateLimit.ElevatedRoles,
	}
	if cfg.Redis.Addr == "" {
		log.Warn("redis.addr is empty; sessions and rate limits are kept in process")
		lim, err := ratelimit.NewMemory(rlCfg)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.sessions = session.NewMemoryStore()
		b.limiter = lim
		return b, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	b.closers = append(b.closers, rdb.Close)
	b.probes = append(b.probes, httpapi.ReadyFunc(func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}))
	lim, err := ratelimit.New(rdb, rlCfg)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.sessions = session.NewRedisStore(rdb, "")
	b.limiter = lim
	return b, nil
}
