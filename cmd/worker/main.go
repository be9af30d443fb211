package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"pinehill/internal/config"
	"pinehill/internal/ops"
	"pinehill/internal/pkg/logger"
	"pinehill/internal/pkg/shutdown"
	"pinehill/internal/storage"
	"pinehill/internal/store/postgres"
	"pinehill/internal/worker"
	"pinehill/internal/worker/assetgen"
	"pinehill/internal/worker/progress"
	"pinehill/internal/worker/quality"
	"pinehill/internal/worker/renderer"
	"pinehill/internal/worker/stall"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault().LogFatal("failed to load configuration", err)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Server.LogLevel,
		Format:      "json",
		ServiceName: "pinehill-video-worker",
	})
	log.Info("starting video worker", "env", cfg.Server.Env)

	if cfg.Database.URL == "" {
		log.LogFatal("DATABASE_URL is required", nil)
	}
	if cfg.Executor.BaseURL == "" {
		log.LogFatal("RENDER_EXECUTOR_BASEURL is required", nil)
	}

	ctx := context.Background()
	shutdownMgr := shutdown.NewManager(log, 30*time.Second)

	// Everything below runs until the shutdown manager cancels this context.
	runCtx, cancelRun := context.WithCancel(ctx)
	shutdownMgr.Register("run-context", func(ctx context.Context) error {
		cancelRun()
		return nil
	})

	log.Info("connecting to PostgreSQL")
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		log.LogFatal("failed to connect to PostgreSQL", err)
	}
	shutdownMgr.RegisterSimple("postgres", pool.Close)
	if err := pool.Ping(ctx); err != nil {
		log.LogFatal("failed to ping PostgreSQL", err)
	}
	log.Info("PostgreSQL connected")

	log.Info("connecting to Redis")
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	shutdownMgr.Register("redis", func(ctx context.Context) error {
		return rdb.Close()
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.LogFatal("failed to ping Redis", err)
	}
	log.Info("Redis connected")

	sp, err := storage.NewProvider(cfg.Storage)
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}
	log.Info("storage provider initialized", "provider", sp.Provider())

	store := postgres.NewJobStore(pool)
	publisher := progress.NewPublisher(rdb, cfg.Redis.StatusTTL)

	driver := worker.NewDriver(worker.Deps{
		Store:     store,
		Executor:  renderer.NewHTTPClient(cfg.Executor.BaseURL),
		AssetGen:  assetgen.NewHTTPClient(cfg.AssetGen.BaseURL, cfg.AssetGen.Timeout),
		Quality:   quality.NewHTTPClient(cfg.Quality.BaseURL, cfg.Quality.Timeout),
		Storage:   sp,
		Publisher: publisher,
		Cfg:       cfg,
		Log:       log,
	})

	// Pick up renders a previous process left in flight before claiming
	// new work.
	if err := driver.RecoverInFlight(runCtx); err != nil {
		log.WithError(err).Error("startup recovery failed")
	}

	detector := stall.New(store, cfg.Stall, log)
	go func() {
		if err := detector.Run(runCtx); err != nil && err != context.Canceled {
			log.WithError(err).Error("stall detector exited")
		}
	}()

	opsServer := ops.NewServer(pool, rdb, sp, store, publisher, driver, cfg.Gate.MinAggregateScore, log)
	go func() {
		if err := opsServer.Start(runCtx, cfg.Server.OpsAddr); err != nil {
			log.WithError(err).Error("ops server exited")
		}
	}()

	poller := worker.NewPoller(driver, cfg.Poller.TickInterval, log)
	go func() {
		if err := poller.Run(runCtx); err != nil && err != context.Canceled {
			log.WithError(err).Error("poller exited")
		}
	}()

	shutdownMgr.Wait()
}
