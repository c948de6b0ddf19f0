package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/dental-practice-core/internal/api"
	"github.com/hackgods/dental-practice-core/internal/appointment"
	"github.com/hackgods/dental-practice-core/internal/availability"
	"github.com/hackgods/dental-practice-core/internal/config"
	"github.com/hackgods/dental-practice-core/internal/db"
	"github.com/hackgods/dental-practice-core/internal/events"
	"github.com/hackgods/dental-practice-core/internal/insurance"
	"github.com/hackgods/dental-practice-core/internal/invoice"
	"github.com/hackgods/dental-practice-core/internal/logging"
	redisclient "github.com/hackgods/dental-practice-core/internal/redis"
	"github.com/hackgods/dental-practice-core/internal/tariff"
)

const version = "0.3.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("config load error")
	}

	log := logging.New(cfg.Env, cfg.LogLevel).With().Str("service", "api-server").Logger()
	log.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Msg("api-server starting up")

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

	// Connect Redis
	rdb, err := redisclient.NewRedisClient(rootCtx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("redis connection error")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Warn().Err(err).Msg("error closing redis")
		}
	}()
	log.Info().Msg("connected to Redis")

	health := api.NewHealthHandler(cfg.Env, version).
		Require("postgres", pgPool.Ping).
		Prefer("redis", func(ctx context.Context) error { return rdb.Ping(ctx).Err() })

	var publisher events.Publisher = events.LogPublisher{Log: log}
	if cfg.AMQPURL != "" {
		amqpPub, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			log.Fatal().Err(err).Msg("amqp connection error")
		}
		defer amqpPub.Close()
		publisher = amqpPub
		health.Prefer("amqp", func(context.Context) error {
			if !amqpPub.Healthy() {
				return errors.New("amqp connection closed")
			}
			return nil
		})
		log.Info().Str("exchange", cfg.AMQPExchange).Msg("connected to AMQP")
	}

	catalog := tariff.NewPgCatalog(pgPool)
	apptRepo := appointment.NewPgRepository(pgPool)
	locker := redisclient.NewRedisLocker(rdb, cfg.LockTTL)
	resolver := insurance.NewResolver(insurance.NewPgRepository(pgPool), cfg.InsuranceFallback, log)

	router := api.NewRouter(api.RouterConfig{
		Appointments:  appointment.NewService(apptRepo, catalog, locker, log),
		Availability:  availability.NewCalculator(apptRepo, catalog),
		Invoices:      invoice.NewService(invoice.NewPgRepository(pgPool), apptRepo, catalog, resolver, publisher, log),
		Tariffs:       catalog,
		Health:        health,
		Log:           log,
		DefaultTenant: cfg.DefaultTenant,
		RateLimitRPS:  cfg.RateLimitRPS,
		CORSOrigins:   cfg.CORSOrigins,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-rootCtx.Done()
	log.Info().Msg("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
