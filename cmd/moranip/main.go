package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TheNyokabi/MoranIP-sub003/internal/app"
	"github.com/TheNyokabi/MoranIP-sub003/internal/audit"
	"github.com/TheNyokabi/MoranIP-sub003/internal/observability"
	"github.com/TheNyokabi/MoranIP-sub003/internal/platform/cache"
	"github.com/TheNyokabi/MoranIP-sub003/internal/platform/db"
	"github.com/TheNyokabi/MoranIP-sub003/internal/rbac"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	// Degraded cache is survivable; every decision falls back to the store.
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, serving without snapshot cache", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()

	recorder := audit.NewRecorder()
	store := rbac.NewStore(dbpool, recorder)
	snapshotCache := rbac.NewSnapshotCache(redisClient, cfg.RBACCacheTTL, cfg.RBACCacheTimeout, logger, metrics)
	rbacService := rbac.NewService(store, snapshotCache, logger, metrics, nil)
	manager := rbac.NewManager(store, snapshotCache, logger, nil)

	if err := rbac.Bootstrap(ctx, store, manager, logger); err != nil {
		logger.Error("rbac bootstrap", slog.Any("error", err))
		os.Exit(1)
	}

	rbacMiddleware := rbac.Middleware{Service: rbacService, Logger: logger}
	rbacHandler := rbac.NewHandler(logger, rbacService, manager, rbacMiddleware)

	auditService := audit.NewService(audit.NewPGRepository(dbpool))
	auditHandler := audit.NewHandler(logger, auditService)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		TokenCodec:     app.NewTokenCodec(cfg.AuthTokenSecret),
		RBACHandler:    rbacHandler,
		RBACMiddleware: rbacMiddleware,
		AuditHandler:   auditHandler,
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("server listening", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", slog.Any("error", err))
	}
	logger.Info("server stopped")
}
