package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lightfold/deployd/internal/app/migrate"
	"github.com/lightfold/deployd/internal/health"
	httpx "github.com/lightfold/deployd/internal/http"
	"github.com/lightfold/deployd/internal/launcher"
	"github.com/lightfold/deployd/internal/logs"
	"github.com/lightfold/deployd/internal/notify"
	"github.com/lightfold/deployd/internal/pipeline"
	"github.com/lightfold/deployd/internal/project"
	"github.com/lightfold/deployd/internal/repository/postgres"
	"github.com/lightfold/deployd/internal/shell"
	"github.com/lightfold/deployd/internal/ws"
	"github.com/lightfold/deployd/pkg/config"
	"github.com/lightfold/deployd/pkg/logger"
)

func main() {
	cfg := config.LoadServiceConfig()
	log := logger.New("deployd", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	logHub := ws.NewHub()

	logSvc := logs.New(repo, logHub, log)
	projectSvc := project.New(repo, log, cfg.SecretEncryptionKey)
	monitor := health.New(cfg.Pipeline.HealthCheckTimeout, log)

	var notifier notify.Notifier = notify.LogNotifier{Logger: log}
	if url := strings.TrimSpace(cfg.NotifyWebhookURL); url != "" {
		notifier = notify.Multi{
			notify.LogNotifier{Logger: log},
			notify.NewWebhookNotifier(url, cfg.NotifyWebhookTimeout, log),
		}
	}

	orchestrator := pipeline.New(repo, logSvc, monitor, shell.ExecRunner{}, notifier, log, cfg.Pipeline)
	registry := launcher.NewRegistry()
	launcherSvc := launcher.New(repo, repo, orchestrator, registry, notifier, log, cfg.SecretEncryptionKey)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, launcherSvc, projectSvc, repo, logSvc, limiter, cfg.AdminToken, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("deployd server starting", "addr", cfg.Addr, "environment", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("deployd server stopped", "active_deployments", registry.Len())
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
