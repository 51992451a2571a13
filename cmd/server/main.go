// Package main is the entrypoint for the diagnosis orchestrator server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jltournay/farmer-power-platform-sub015/internal/api"
	"github.com/jltournay/farmer-power-platform-sub015/internal/api/handler"
	mw "github.com/jltournay/farmer-power-platform-sub015/internal/api/middleware"
	"github.com/jltournay/farmer-power-platform-sub015/internal/cache"
	capreg "github.com/jltournay/farmer-power-platform-sub015/internal/capability"
	"github.com/jltournay/farmer-power-platform-sub015/internal/capability/remote"
	"github.com/jltournay/farmer-power-platform-sub015/internal/config"
	"github.com/jltournay/farmer-power-platform-sub015/internal/publish"
	"github.com/jltournay/farmer-power-platform-sub015/internal/saga"
	"github.com/jltournay/farmer-power-platform-sub015/internal/saga/pgstore"
	"github.com/jltournay/farmer-power-platform-sub015/pkg/capability"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "registry", cfg.Registry.Path)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := pgstore.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := pgstore.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Load the analyzer registry and build remote capabilities
	regFile, err := capreg.LoadFile(cfg.Registry.Path)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}
	registry, err := regFile.BuildRegistry(func(name, endpoint string, timeout time.Duration) capability.Analyzer {
		if timeout == 0 {
			timeout = cfg.Saga.PerBranchTimeout
		}
		return remote.NewAnalyzer(name, endpoint, timeout)
	})
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}
	slog.Info("analyzer registry loaded", "categories", registry.Categories())

	classifier := remote.NewClassifier("triage", cfg.Triage.Endpoint, cfg.Triage.Timeout)

	// 6. Create checkpoint store and controller
	store := pgstore.NewStore(pool)
	publisher := publish.NewRedisPublisher(redisCache.Client())

	sagaCfg := saga.Config{
		RoutingThreshold:   cfg.Saga.RoutingThreshold,
		SecondaryFloor:     cfg.Saga.SecondaryFloor,
		LowConfidenceFloor: cfg.Saga.LowConfidenceFloor,
		PerBranchTimeout:   cfg.Saga.PerBranchTimeout,
		BarrierGrace:       cfg.Saga.BarrierGrace,
		DedupWindow:        cfg.Saga.DedupWindow,
		TriageTimeout:      cfg.Triage.Timeout,
		TriageRetries:      cfg.Triage.Retries,
		TriageBackoff:      cfg.Triage.Backoff,
		LeaseTTL:           cfg.Saga.LeaseTTL,
		SweepInterval:      cfg.Saga.SweepInterval,
		StatusTTL:          cfg.Redis.StatusTTL,
		MaxConcurrentSagas: cfg.Saga.MaxConcurrentSagas,
	}
	route := saga.NewRouter(registry, cfg.Saga.RoutingThreshold, cfg.Saga.PerBranchTimeout)
	controller := saga.NewController(sagaCfg, store, classifier, route, publisher, redisCache)

	// Resume sweeper: reclaims instances orphaned by a crashed worker.
	controller.Start(ctx)

	// 7. Build router with dependencies
	auth := mw.NewAuth(cfg.Auth.APIKeyHash)
	rateLimit := mw.NewRateLimit(redisCache, cfg.Auth.RateLimitPerMinute)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler:       handler.NewHealthHandler(store, redisCache),
		TriggerHandler:      handler.NewTriggerHandler(controller),
		GetInstanceHandler:  handler.NewGetInstanceHandler(controller),
		GetStateHandler:     handler.NewGetStateHandler(controller, redisCache),
		CancelHandler:       handler.NewCancelHandler(controller),
		GetDiagnosisHandler: handler.NewGetDiagnosisHandler(controller),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// Drain in-flight sagas so their checkpoints land before exit.
	if err := controller.Stop(shutdownCtx); err != nil {
		slog.Warn("saga drain incomplete", "error", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
