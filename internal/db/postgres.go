package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/dental-practice-core/internal/config"
)

// ConnectPostgres opens the shared pool every tenant schema is reached
// through and pings it within ctx's deadline.
func ConnectPostgres(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return pool, nil
}

func poolConfig(cfg config.Config) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	if cfg.PostgresMaxConns < 1 {
		return nil, fmt.Errorf("POSTGRES_MAX_CONNS must be >= 1, got %d", cfg.PostgresMaxConns)
	}
	if cfg.PostgresMinConns < 0 || cfg.PostgresMinConns > cfg.PostgresMaxConns {
		return nil, fmt.Errorf("POSTGRES_MIN_CONNS must be between 0 and %d, got %d", cfg.PostgresMaxConns, cfg.PostgresMinConns)
	}

	poolCfg.MaxConns = int32(cfg.PostgresMaxConns)
	poolCfg.MinConns = int32(cfg.PostgresMinConns)
	poolCfg.MaxConnLifetime = cfg.PostgresConnLifetime
	poolCfg.MaxConnIdleTime = cfg.PostgresConnIdleTime
	poolCfg.HealthCheckPeriod = 30 * time.Second

	return poolCfg, nil
}
