package main

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"vidforge/internal/config"
	"vidforge/internal/httpapi"
	"vidforge/internal/intake"
	"vidforge/internal/janitor"
	"vidforge/internal/jobstore"
	"vidforge/internal/pkg/logger"
	"vidforge/internal/pkg/shutdown"
	"vidforge/internal/ports"
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
		ServiceName: "vidforge-api",
		AddSource:   config.BoolEnv("LOG_SOURCE", false),
	})

	log.Info("starting vidforge API", "version", "0.1.0")

	ctx := context.Background()
	shutdownMgr := shutdown.NewManager(log, 30*time.Second)

	store := buildStore(ctx, cfg, log, shutdownMgr)
	q := buildQueue(ctx, cfg, log, shutdownMgr)

	sp, err := storage.NewProvider()
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}
	log.Info("storage provider initialized", "provider", sp.Provider())

	prober := render.NewFFprobe(cfg.FFprobePath)

	svc := intake.New(intake.Deps{
		Store:         store,
		Queue:         q,
		SP:            sp,
		Prober:        prober,
		Log:           log,
		WorkDir:       cfg.WorkDir,
		MaxQueueDepth: int64(cfg.QueueDepth),
	})

	router := httpapi.NewRouter(httpapi.Deps{
		Intake: svc,
		Store:  store,
		Queue:  q,
		SP:     sp,
		Log:    log,
	})

	server := &http.Server{
		Addr:         "0.0.0.0:" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}
	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	if cfg.EmbeddedWorkers {
		startEmbeddedWorkers(cfg, log, shutdownMgr, store, q, sp)
	}

	go func() {
		log.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogFatal("HTTP server failed", err)
		}
	}()

	shutdownMgr.Wait()
}

func buildStore(ctx context.Context, cfg config.Config, log *logger.Logger, mgr *shutdown.Manager) jobstore.Store {
	if cfg.JobStore == "memory" {
		log.Warn("using in-memory job store, jobs will not survive a restart")
		return jobstore.NewMemory()
	}

	if cfg.DatabaseURL == "" {
		log.LogFatal("DATABASE_URL is required for the postgres job store", nil)
	}

	log.Info("connecting to PostgreSQL")
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.LogFatal("failed to connect to PostgreSQL", err)
	}
	if err := pool.Ping(ctx); err != nil {
		log.LogFatal("failed to ping PostgreSQL", err)
	}
	mgr.Register("postgres", func(ctx context.Context) error {
		pool.Close()
		return nil
	})
	log.Info("PostgreSQL connected")

	store := jobstore.NewPostgres(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		log.LogFatal("failed to ensure jobs schema", err)
	}
	return store
}

func buildQueue(ctx context.Context, cfg config.Config, log *logger.Logger, mgr *shutdown.Manager) queue.Queue {
	if cfg.QueueBackend == "memory" {
		log.Warn("using in-memory queue, pending work will not survive a restart")
		return queue.NewMemory(cfg.QueueDepth)
	}

	log.Info("connecting to Redis")
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.LogFatal("failed to ping Redis", err)
	}
	mgr.Register("redis", func(ctx context.Context) error {
		return rdb.Close()
	})
	log.Info("Redis connected")

	return queue.NewRedis(rdb, cfg.QueueName, int64(cfg.QueueDepth))
}

// startEmbeddedWorkers runs the render pool, reaper and janitor inside
// the API process. Meant for development; production deploys the worker
// binary separately.
func startEmbeddedWorkers(cfg config.Config, log *logger.Logger, mgr *shutdown.Manager, store jobstore.Store, q queue.Queue, sp ports.StorageProvider) {
	log.Info("starting embedded workers", "workers", cfg.Workers)

	engine := render.NewFFmpeg(cfg.FFmpegPath, cfg.FontFile, log)
	pool := worker.NewPool(worker.Deps{
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

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		pool.Run(runCtx)
	}()
	go reaper.Run(runCtx)
	go jan.Run(runCtx)

	mgr.Register("embedded-workers", func(ctx context.Context) error {
		cancel()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}
