package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"vidforge/internal/config"
	"vidforge/internal/janitor"
	"vidforge/internal/jobstore"
	"vidforge/internal/pkg/logger"
	"vidforge/internal/pkg/shutdown"
	"vidforge/internal/queue"
	"vidforge/internal/render"
	"vidforge/internal/storage"
	"vidforge/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log := logger.New(logger.Config{
		Level:       config.Env("LOG_LEVEL", "info"),
		Format:      config.Env("LOG_FORMAT", "json"),
		ServiceName: "vidforge-worker",
		AddSource:   config.BoolEnv("LOG_SOURCE", false),
	})

	log.Info("starting vidforge worker", "version", "0.1.0", "workers", cfg.Workers)

	ctx := context.Background()
	shutdownMgr := shutdown.NewManager(log, 60*time.Second)

	if cfg.DatabaseURL == "" {
		log.LogFatal("DATABASE_URL is required", nil)
	}
	log.Info("connecting to PostgreSQL")
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.LogFatal("failed to connect to PostgreSQL", err)
	}
	if err := pool.Ping(ctx); err != nil {
		log.LogFatal("failed to ping PostgreSQL", err)
	}
	shutdownMgr.Register("postgres", func(ctx context.Context) error {
		pool.Close()
		return nil
	})

	store := jobstore.NewPostgres(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		log.LogFatal("failed to ensure jobs schema", err)
	}

	log.Info("connecting to Redis")
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.LogFatal("failed to ping Redis", err)
	}
	shutdownMgr.Register("redis", func(ctx context.Context) error {
		return rdb.Close()
	})
	q := queue.NewRedis(rdb, cfg.QueueName, int64(cfg.QueueDepth))

	sp, err := storage.NewProvider()
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}
	log.Info("storage provider initialized", "provider", sp.Provider())

	engine := render.NewFFmpeg(cfg.FFmpegPath, cfg.FontFile, log)
	renderPool := worker.NewPool(worker.Deps{
		Store:             store,
		Queue:             q,
		SP:                sp,
		Engine:            engine,
		Log:               log,
		WorkDir:           cfg.WorkDir,
		Workers:           cfg.Workers,
		RenderTimeout:     cfg.RenderTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})
	reaper := worker.NewReaper(worker.ReaperDeps{
		Store:           store,
		Queue:           q,
		Log:             log,
		Interval:        cfg.ReapInterval,
		LivenessTimeout: cfg.LivenessTimeout,
		MaxAttempts:     cfg.MaxAttempts,
	})
	jan := janitor.New(janitor.Deps{
		Store:    store,
		SP:       sp,
		Log:      log,
		TTL:      cfg.RetentionTTL,
		Interval: cfg.RetentionInterval,
	})

	runCtx, cancel := context.WithCancel(ctx)
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		renderPool.Run(runCtx)
	}()
	go reaper.Run(runCtx)
	go jan.Run(runCtx)

	// The pool drains in-flight renders before the store and queue close.
	shutdownMgr.Register("render-pool", func(ctx context.Context) error {
		cancel()
		select {
		case <-poolDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	shutdownMgr.Wait()
}
