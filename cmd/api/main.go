package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"meshforge/internal/adapter/repo"
	"meshforge/internal/domain"
	"meshforge/internal/http/handlers"
	httpapi "meshforge/internal/http/httpapi"
	"meshforge/internal/infra"
	"meshforge/internal/jobs"
	"meshforge/internal/ledger"
	"meshforge/internal/providers/mesh"
	"meshforge/internal/queue"
	"meshforge/internal/ratelimit"
	"meshforge/internal/service"
	"meshforge/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence backend.
	var (
		ledgerStore domain.LedgerStore
		jobStore    domain.JobStore
	)
	switch cfg.StoreBackend {
	case infra.StoreBackendPostgres:
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect database")
		}
		defer pool.Close()
		ledgerStore = repo.NewLedgerRepository(pool, cfg.DefaultCreditBalance)
		jobStore = repo.NewJobRepository(pool)
	case infra.StoreBackendMemory:
		ledgerStore = repo.NewMemoryLedgerStore(cfg.DefaultCreditBalance)
		jobStore = repo.NewMemoryJobStore()
	}

	// Rate-limit counter backend.
	var counter ratelimit.Counter
	switch cfg.RateLimitBackend {
	case infra.RateLimitBackendRedis:
		rdb, err := infra.NewRedisClient(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer func() { _ = rdb.Close() }()
		counter = ratelimit.NewRedisCounter(rdb)
	case infra.RateLimitBackendMemory:
		mem := ratelimit.NewMemoryCounter()
		go mem.Run(ctx, time.Minute)
		counter = mem
	}
	limiter := ratelimit.New(counter, cfg.RateLimitFailClosed, logger)

	lgr := ledger.New(ledgerStore, logger, "api")
	machine := jobs.NewMachine(jobStore, logger)

	var provider mesh.Generator
	if cfg.MeshAPIKey != "" {
		provider, err = mesh.NewClient(mesh.Options{
			APIKey:  cfg.MeshAPIKey,
			BaseURL: cfg.MeshBaseURL,
			Logger:  &logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to build mesh client")
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

	// Queue driver. The tick driver folds job advancement into status reads;
	// the nats driver hands jobs to the worker pool instead.
	var (
		adapter queue.Adapter
		tick    *queue.TickDriver
	)
	switch cfg.QueueDriver {
	case infra.QueueDriverNats:
		nc, err := infra.NewNatsConn(cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect nats")
		}
		defer nc.Close()
		adapter = queue.NewNatsDriver(nc, logger)
	case infra.QueueDriverTick:
		tick = queue.NewTickDriver(jobStore, advancer, backoff, cfg.TickBatch, logger)
		adapter = tick
	}

	svc := service.New(limiter, lgr, jobStore, machine, adapter, tick, service.Options{
		Costs: map[domain.JobMode]int64{
			domain.JobModePreview: cfg.CostPreview,
			domain.JobModeRefine:  cfg.CostRefine,
		},
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		DefaultProvider: cfg.MeshProvider,
		TickBatch:       cfg.TickBatch,
	}, logger)

	app := handlers.NewApp(svc, logger)
	router := httpapi.NewRouter(app, httpapi.Options{
		Limiter:         limiter,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		AllowedOrigins:  cfg.AllowedOrigins,
		DefaultLocale:   cfg.DefaultLocale,
	})

	server := infra.NewHTTPServer(infra.HTTPServerOptions{
		Addr:         ":" + cfg.Port,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}, router)

	go func() {
		logger.Info().Msgf("API listening on %s", server.Addr())
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
