package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/odyssey-erp/stocktake/internal/app"
	"github.com/odyssey-erp/stocktake/internal/observability"
	"github.com/odyssey-erp/stocktake/jobs"
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

	logger := app.NewLogger(cfg, "worker")
	if err := cfg.ValidateWorker(); err != nil {
		logger.Error("worker config", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()
	service, resources, err := app.NewService(ctx, cfg, logger)
	if err != nil {
		logger.Error("init stocktake service", slog.Any("error", err))
		os.Exit(1)
	}
	defer resources.Close()
	service.SetRecorder(metrics)

	cycleJobs := jobs.NewCycleJobs(service, logger, metrics)
	schedule, err := jobs.BeginSchedule(cfg.AutoBeginCron, cfg.AutoBeginStores)
	if err != nil {
		logger.Error("build begin schedule", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: cfg.RedisOptions().AsynqOpt(),
		Logger:    logger,
		Location:  cfg.Location(),
		Handlers:  cycleJobs.Handlers(),
		Cron:      schedule,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker",
		slog.Int("scheduled_stores", len(schedule)),
		slog.String("cron", cfg.AutoBeginCron))
	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
