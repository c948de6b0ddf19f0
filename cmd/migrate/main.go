package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/dental-practice-core/internal/config"
	"github.com/hackgods/dental-practice-core/internal/db"
	"github.com/hackgods/dental-practice-core/internal/logging"
)

// migrate applies the embedded schema migrations to each tenant. Tenants come
// from the command line, or TENANTS when none are given.
func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("config load error")
	}
	log := logging.New(cfg.Env, cfg.LogLevel).With().Str("service", "migrate").Logger()

	tenants := cfg.Tenants
	if len(os.Args) > 1 {
		tenants = os.Args[1:]
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg)
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()

	failed := 0
	for _, tenant := range tenants {
		start := time.Now()
		applied, err := db.MigrateTenant(rootCtx, pgPool, tenant)
		if err != nil {
			failed++
			log.Error().Err(err).Str("tenant", tenant).Ints("applied", applied).Msg("migration failed")
			continue
		}
		log.Info().
			Str("tenant", tenant).
			Ints("applied", applied).
			Dur("duration", time.Since(start)).
			Msg("tenant schema up to date")
	}

	if failed > 0 {
		pgPool.Close()
		log.Fatal().Int("failed", failed).Msg("some tenants were not migrated")
	}
}
