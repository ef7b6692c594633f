package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/ostrovmarket/ostrov/internal/app"
	"github.com/ostrovmarket/ostrov/internal/ledger"
	"github.com/ostrovmarket/ostrov/internal/loyalty"
	"github.com/ostrovmarket/ostrov/internal/observability"
	"github.com/ostrovmarket/ostrov/internal/platform/db"
	"github.com/ostrovmarket/ostrov/internal/segments"
	"github.com/ostrovmarket/ostrov/internal/shared"
	"github.com/ostrovmarket/ostrov/jobs"
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

	busClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("connect queue", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := busClient.Close(); err != nil {
			logger.Warn("queue close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(dbpool)
	periodLocks := shared.NewPeriodLocks(dbpool)
	metrics := observability.NewMetrics()

	ledgerRepo := ledger.NewRepository(dbpool)
	ledgerService := ledger.NewService(ledgerRepo, periodLocks, auditLogger, ledger.ServiceConfig{
		AllowNegativeStock: cfg.AllowNegativeStock,
	})
	ledgerHandler := ledger.NewHandler(logger, ledgerService)

	loyaltyRepo := loyalty.NewRepository(dbpool)
	loyaltyService := loyalty.NewService(loyaltyRepo, busClient, auditLogger)
	loyaltyHandler := loyalty.NewHandler(logger, loyaltyService)

	segmentsRepo := segments.NewRepository(dbpool)
	segmentsService := segments.NewService(segmentsRepo, auditLogger)
	segmentsHandler := segments.NewHandler(logger, segmentsService, busClient)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		LedgerHandler:   ledgerHandler,
		LoyaltyHandler:  loyaltyHandler,
		SegmentsHandler: segmentsHandler,
		JobHandler:      jobHandler,
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
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
