package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bsm/redislock"
	"github.com/hibiken/asynq"

	"github.com/ostrovmarket/ostrov/internal/app"
	"github.com/ostrovmarket/ostrov/internal/ledger"
	"github.com/ostrovmarket/ostrov/internal/loyalty"
	"github.com/ostrovmarket/ostrov/internal/notify"
	"github.com/ostrovmarket/ostrov/internal/observability"
	"github.com/ostrovmarket/ostrov/internal/platform/cache"
	"github.com/ostrovmarket/ostrov/internal/platform/db"
	"github.com/ostrovmarket/ostrov/internal/segments"
	"github.com/ostrovmarket/ostrov/internal/segments/actions"
	"github.com/ostrovmarket/ostrov/internal/shared"
	"github.com/ostrovmarket/ostrov/jobs"
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

	auditLogger := shared.NewAuditLogger(pool)
	periodLocks := shared.NewPeriodLocks(pool)
	idempotencyStore := shared.NewIdempotencyStore(pool)
	metrics := observability.NewMetrics()

	ledgerRepo := ledger.NewRepository(pool)
	ledgerService := ledger.NewService(ledgerRepo, periodLocks, auditLogger, ledger.ServiceConfig{
		AllowNegativeStock: cfg.AllowNegativeStock,
	})

	loyaltyRepo := loyalty.NewRepository(pool)
	loyaltyService := loyalty.NewService(loyaltyRepo, busClient, auditLogger)

	segmentsRepo := segments.NewRepository(pool)
	segmentsService := segments.NewService(segmentsRepo, auditLogger)

	actionsRepo := actions.NewRepository(pool)
	dispatcher := actions.NewDispatcher(logger, actionsRepo, actionsRepo, actionsRepo, busClient)

	var sender jobs.NotificationSender = jobs.LogSender{Logger: logger}
	if cfg.TelegramToken != "" {
		sender = notify.NewTelegramClient(cfg.TelegramToken)
	}

	handlers := jobs.NewHandlers(jobs.Deps{
		Logger:      logger,
		Ledger:      ledgerService,
		Autoburn:    loyaltyService,
		Cashboxes:   loyaltyRepo,
		Segments:    segmentsService,
		Dispatcher:  dispatcher,
		Sender:      sender,
		Wallet:      jobs.LogWallet{Logger: logger},
		Idempotency: idempotencyStore,
		Locker:      redislock.New(redisClient),
		Metrics:     metrics,
		Enqueuer:    busClient,
	})

	auditJob := jobs.NewBalanceAuditJob(pool, logger, nil)

	autoburnTask, err := jobs.NewAutoburnTask(jobs.AutoburnPayload{})
	if err != nil {
		logger.Error("build autoburn task", slog.Any("error", err))
		os.Exit(1)
	}
	intervalTask, err := jobs.NewSegmentIntervalSweepTask()
	if err != nil {
		logger.Error("build interval task", slog.Any("error", err))
		os.Exit(1)
	}
	balanceAuditTask, err := jobs.NewBalanceAuditTask(jobs.AutoburnPayload{})
	if err != nil {
		logger.Error("build balance audit task", slog.Any("error", err))
		os.Exit(1)
	}

	taskHandlers := handlers.TaskHandlers()
	taskHandlers = append(taskHandlers, jobs.TaskHandler{Type: jobs.TaskBalanceAudit, Handler: auditJob.Handle})

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers:  taskHandlers,
		Cron: []jobs.CronRegistration{
			{Spec: cfg.AutoburnCron, Task: autoburnTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.SegmentIntervalCron, Task: intervalTask},
			{Spec: cfg.BalanceAuditCron, Task: balanceAuditTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	go func() {
		ticker := shared.NewIdempotencyJanitor(idempotencyStore, cfg.IdempotencyRetention, logger)
		ticker.Run(ctx)
	}()

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
