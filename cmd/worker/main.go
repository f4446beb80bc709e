package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"meshforge/internal/adapter/repo"
	"meshforge/internal/infra"
	"meshforge/internal/jobs"
	"meshforge/internal/ledger"
	"meshforge/internal/providers/mesh"
	"meshforge/internal/queue"
	"meshforge/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	if cfg.QueueDriver != infra.QueueDriverNats {
		logger.Fatal().Msg("worker: QUEUE_DRIVER must be 'nats', the tick driver advances jobs in-process")
	}
	if cfg.StoreBackend != infra.StoreBackendPostgres {
		logger.Fatal().Msg("worker: STORE_BACKEND must be 'postgres', the memory store is not shared across processes")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	nc, err := infra.NewNatsConn(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: nats connection failed")
	}
	defer nc.Close()

	jobStore := repo.NewJobRepository(pool)
	ledgerStore := repo.NewLedgerRepository(pool, cfg.DefaultCreditBalance)

	lgr := ledger.New(ledgerStore, logger, "worker")
	machine := jobs.NewMachine(jobStore, logger)

	var provider mesh.Generator
	if cfg.MeshAPIKey != "" {
		provider, err = mesh.NewClient(mesh.Options{
			APIKey:  cfg.MeshAPIKey,
			BaseURL: cfg.MeshBaseURL,
			Logger:  &logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("worker: failed to build mesh client")
		}
	} else {
		provider = mesh.NewSynthetic()
	}

	backoff := queue.BackoffPolicy{
		BaseInterval: cfg.PollBaseInterval,
		SlowInterval: cfg.PollSlowInterval,
		HighWater:    cfg.ProgressHighWater,
	}
	advancer := worker.NewAdvancer(jobStore, machine, lgr, provider, cfg.WorkerMaxAttempts, logger)
	adapter := queue.NewNatsDriver(nc, logger)

	runner := worker.NewRunner(nc, adapter, advancer, backoff, cfg.WorkerConcurrency, logger)

	logger.Info().
		Str("subject", queue.SubjectAdvance).
		Int("concurrency", cfg.WorkerConcurrency).
		Msg("worker: started")

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: runner failed")
	}
	logger.Info().Msg("worker: stopped")
}
