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
	"github.com/odyssey-erp/odyssey-billing/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-billing/internal/platform/db"
	"github.com/odyssey-erp/odyssey-billing/internal/shared"
	"github.com/odyssey-erp/odyssey-billing/jobs"
	"github.com/odyssey-erp/odyssey-billing/report"
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
	metrics := observability.NewMetrics()

	pgPool, err := db.New(ctx, db.PoolConfig{DSN: cfg.PGDSN, MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pgPool.Close()
	pool := db.FromPgx(pgPool)

	var pageCache billing.PageCache
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, charge page cache disabled", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		pageCache = billing.NewRedisPageCache(redisClient, cfg.Billing.CacheTTL)
	}

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

	service := billing.NewService(provider, billing.NewRepository(pool), billing.Options{
		Defaults:     cfg.SubscriptionDefaults(),
		Policy:       cfg.DuePolicy(),
		DashboardURL: cfg.Billing.DashboardURL,
		PageSize:     cfg.Billing.PageSize,
		Fanout:       cfg.Billing.Fanout,
		Location:     cfg.Location(),
		Logger:       logger,
		Metrics:      metrics,
		Idempotency:  shared.NewIdempotencyStore(pool),
		Cache:        pageCache,
	})

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	pdfClient := report.NewClient(cfg.GotenbergURL)
	exporter, err := report.NewExporter(pdfClient, cfg.Location())
	if err != nil {
		logger.Error("init report exporter", slog.Any("error", err))
		os.Exit(1)
	}

	router := app.NewRouter(app.RouterParams{
		Logger: logger,
		Config: cfg,
		BillingHandler: billing.NewHandler(logger, service, billing.HandlerOptions{
			Backfill: jobClient,
			Reports:  exporter,
			Timeout:  cfg.AppRequestTimeout,
		}),
		ReportHandler: report.NewHandler(pdfClient, logger),
		JobHandler:    jobs.NewHandler(inspector, logger),
		Metrics:       metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr), slog.Bool("sandbox", cfg.Billing.Sandbox))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
