package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-billing/internal/app"
	"github.com/odyssey-erp/odyssey-billing/internal/asaas"
	"github.com/odyssey-erp/odyssey-billing/internal/billing"
	"github.com/odyssey-erp/odyssey-billing/internal/observability"
	"github.com/odyssey-erp/odyssey-billing/internal/platform/db"
	"github.com/odyssey-erp/odyssey-billing/internal/shared"
	"github.com/odyssey-erp/odyssey-billing/jobs"
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
	metrics := observability.NewMetrics()

	pgPool, err := db.New(ctx, db.PoolConfig{DSN: cfg.PGDSN, MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pgPool.Close()

	provider, err := asaas.NewClient(asaas.Config{
		APIKey:   cfg.Billing.APIKey,
		Sandbox:  cfg.Billing.Sandbox,
		BaseURL:  cfg.Billing.BaseURL,
		Timeout:  cfg.Billing.Timeout,
		Location: cfg.Location(),
		Observer: metrics,
	})
	if err != nil {
		logger.Error("init billing provider", slog.Any("error", err))
		os.Exit(1)
	}
	pool := db.FromPgx(pgPool)
	service := billing.NewService(provider, billing.NewRepository(pool), billing.Options{
		Defaults: cfg.SubscriptionDefaults(),
		Policy:   cfg.DuePolicy(),
		PageSize: cfg.Billing.PageSize,
		Location: cfg.Location(),
		Logger:   logger,
		Metrics:  metrics,
	})

	backfillJob := jobs.NewBackfillJob(service, logger, metrics.Jobs())
	cleanupJob := jobs.NewCleanupJob(shared.NewIdempotencyStore(pool), logger, metrics.Jobs())

	var cron []jobs.CronRegistration
	if cfg.Billing.BackfillCron != "" {
		backfillTask, err := jobs.NewBackfillTask(jobs.BackfillPayload{Limit: cfg.Billing.BackfillLimit})
		if err != nil {
			logger.Error("build backfill task", slog.Any("error", err))
			os.Exit(1)
		}
		cron = append(cron, jobs.CronRegistration{
			Spec:    cfg.Billing.BackfillCron,
			Task:    backfillTask,
			Options: []asynq.Option{asynq.Queue(jobs.QueueDefault)},
		})
	}

	if cfg.Billing.CleanupCron != "" {
		cleanupTask, err := jobs.NewCleanupTask(cfg.Billing.IdempotencyRetention)
		if err != nil {
			logger.Error("build cleanup task", slog.Any("error", err))
			os.Exit(1)
		}
		cron = append(cron, jobs.CronRegistration{Spec: cfg.Billing.CleanupCron, Task: cleanupTask})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskBackfillCustomers, Handler: backfillJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron:        cron,
		Concurrency: cfg.WorkerConcurrency,
		Location:    cfg.Location(),
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.WorkerMetricsAddr != "" {
		metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("worker metrics server", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	logger.Info("starting worker", slog.String("backfill_cron", cfg.Billing.BackfillCron))
	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
