package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/TheNyokabi/MoranIP-sub003/internal/app"
	"github.com/TheNyokabi/MoranIP-sub003/internal/audit"
	"github.com/TheNyokabi/MoranIP-sub003/internal/platform/cache"
	"github.com/TheNyokabi/MoranIP-sub003/internal/platform/db"
	"github.com/TheNyokabi/MoranIP-sub003/internal/rbac"
	"github.com/TheNyokabi/MoranIP-sub003/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Warmup writes through the snapshot cache; without redis the job would
	// only churn the resolver, so a missing cache backend is fatal here.
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	recorder := audit.NewRecorder()
	store := rbac.NewStore(pool, recorder)
	snapshotCache := rbac.NewSnapshotCache(redisClient, cfg.RBACCacheTTL, cfg.RBACCacheTimeout, logger, nil)
	rbacService := rbac.NewService(store, snapshotCache, logger, nil, nil)

	warmupJob := jobs.NewWarmupJob(rbacService, pool, logger)
	sweepJob := jobs.NewSweepJob(pool, logger)

	warmupTask, err := jobs.NewWarmupTask(jobs.WarmupPayload{})
	if err != nil {
		logger.Error("build warmup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskRBACWarmup, Handler: warmupJob.Handle},
			{Type: jobs.TaskRBACSweep, Handler: sweepJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "*/10 * * * *", Task: warmupTask},
			{Spec: "0 * * * *", Task: jobs.NewSweepTask()},
		},
	})
	if err != nil {
		logger.Error("build worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker started")
	if err := worker.Run(ctx); err != nil {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
