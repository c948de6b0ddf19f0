package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/dental-practice-core/internal/appointment"
	"github.com/hackgods/dental-practice-core/internal/config"
	"github.com/hackgods/dental-practice-core/internal/db"
	"github.com/hackgods/dental-practice-core/internal/ledger"
	"github.com/hackgods/dental-practice-core/internal/logging"
)

// slot-worker keeps the slot ledger materialized for the next
// LEDGER_HORIZON_DAYS days of every professional's working hours.
func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("config load error")
	}

	log := logging.New(cfg.Env, cfg.LogLevel).With().Str("service", "slot-worker").Logger()
	log.Info().
		Str("env", cfg.Env).
		Dur("interval", cfg.WorkerInterval).
		Int("horizon_days", cfg.LedgerHorizonDays).
		Strs("tenants", cfg.Tenants).
		Msg("slot-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg)
	cancelPg()
	if err != nil {
		log.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()
	log.Info().Msg("connected to Postgres")

	w := worker{
		repo:    appointment.NewPgRepository(pgPool),
		tenants: cfg.Tenants,
		horizon: cfg.LedgerHorizonDays,
		log:     log,
	}

	// Run once at startup
	w.runOnce(rootCtx)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			log.Info().Msg("shutdown signal received, stopping slot-worker")
			return
		case <-ticker.C:
			w.runOnce(rootCtx)
		}
	}
}

type worker struct {
	repo    *appointment.PgRepository
	tenants []string
	horizon int
	log     zerolog.Logger
}

func (w worker) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	start := time.Now()
	var total int64
	for _, tenant := range w.tenants {
		created, err := w.materialize(db.WithTenant(runCtx, tenant))
		total += created
		if err != nil {
			w.log.Error().Err(err).Str("tenant", tenant).Msg("ledger run error")
			continue
		}
		w.log.Debug().Str("tenant", tenant).Int64("created", created).Msg("tenant ledger materialized")
	}
	w.log.Info().Int64("created", total).Dur("duration", time.Since(start)).Msg("ledger run complete")
}

func (w worker) materialize(ctx context.Context) (int64, error) {
	pros, err := w.repo.Professionals(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	var created int64
	for _, pro := range pros {
		keys := ledger.Plan(pro.ID, pro.Hours, now, w.horizon)
		n, err := w.repo.MaterializeLedger(ctx, keys)
		if err != nil {
			return created, err
		}
		created += n
	}
	return created, nil
}
