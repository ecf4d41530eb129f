package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MrEthical07/tokenguard"
	"github.com/MrEthical07/tokenguard/internal/config"
	"github.com/MrEthical07/tokenguard/internal/logger"
	"github.com/MrEthical07/tokenguard/internal/stores/postgres"
)

var errNoPostgres = errors.New("postgres.dsn is required for this command")

// app holds the process-wide dependencies shared by every command.
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	redis  *redis.Client
	pool   *pgxpool.Pool
	keys   *postgres.KeyStore
	engine *tokenguard.Engine
}

type appOptions struct {
	requirePostgres bool
	engine          bool
}

func newApp(ctx context.Context, flags *rootFlags, opts appOptions) (*app, error) {
	cfg, err := config.Load(flags.configPath, flags.envFile)
	if err != nil {
		return nil, err
	}

	log, err := logger.New(logger.Config{
		Level:   cfg.Log.Level,
		Pretty:  cfg.Log.Pretty,
		Service: "tokenguard",
		Env:     cfg.Log.Env,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &app{cfg: cfg, log: log}
	if cfg.Postgres.DSN == "" {
		if opts.requirePostgres {
			a.close()
			return nil, errNoPostgres
		}
	} else {
		pool, err := postgres.Open(ctx, cfg.Postgres.DSN)
		if err != nil {
			a.close()
			return nil, err
		}
		a.pool = pool
		a.keys = postgres.NewKeyStore(pool)
		if cfg.Postgres.AutoMigrate {
			if err := postgres.Migrate(ctx, pool); err != nil {
				a.close()
				return nil, err
			}
		}
	}

	if !opts.engine {
		return a, nil
	}

	a.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		a.close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	engCfg, err := cfg.Engine()
	if err != nil {
		a.close()
		return nil, err
	}
	b := tokenguard.New().
		WithConfig(engCfg).
		WithRedis(a.redis).
		WithLogger(log)
	if a.pool != nil {
		b = b.WithKeyStore(a.keys).WithRefreshStore(postgres.NewRefreshStore(a.pool))
	}
	engine, err := b.Build()
	if err != nil {
		a.close()
		return nil, fmt.Errorf("build engine: %w", err)
	}
	a.engine = engine
	return a, nil
}

func (a *app) close() {
	if a.engine != nil {
		a.engine.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.log != nil {
		_ = a.log.Sync()
	}
}
