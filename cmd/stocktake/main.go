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

	"github.com/odyssey-erp/stocktake/internal/app"
	"github.com/odyssey-erp/stocktake/internal/editlock"
	"github.com/odyssey-erp/stocktake/internal/live"
	"github.com/odyssey-erp/stocktake/internal/observability"
	"github.com/odyssey-erp/stocktake/internal/shared"
	"github.com/odyssey-erp/stocktake/internal/stocktake"
	"github.com/odyssey-erp/stocktake/jobs"
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

	logger := app.NewLogger(cfg, "api")
	metrics := observability.NewMetrics()

	service, resources, err := app.NewService(ctx, cfg, logger)
	if err != nil {
		logger.Error("init stocktake service", slog.Any("error", err))
		os.Exit(1)
	}
	defer resources.Close()

	hub := live.NewHub(logger, cfg.AllowedOrigins)
	defer hub.Close()
	hub.OnCount(metrics.SetRoomSessions)

	coordinator := editlock.NewCoordinator(editlock.Config{
		Timeout:       cfg.EditLockTimeout,
		SweepInterval: cfg.EditLockSweep,
	}, hub, logger)
	coordinator.SetGauge(metrics)
	go coordinator.Run(ctx)

	service.SetPublisher(hub)
	service.SetLockReleaser(coordinator)
	service.SetRecorder(metrics)

	var enqueuer stocktake.ArchiveEnqueuer
	var jobHandler *jobs.Handler
	if cfg.RedisEnabled() {
		redisOpt := cfg.RedisOptions().AsynqOpt()
		jobsClient, err := jobs.NewClient(redisOpt)
		if err != nil {
			logger.Error("init jobs client", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := jobsClient.Close(); err != nil {
				logger.Warn("jobs client close", slog.Any("error", err))
			}
		}()
		inspector := asynq.NewInspector(redisOpt)
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("jobs inspector close", slog.Any("error", err))
			}
		}()
		if cfg.JobsEnabled() {
			enqueuer = jobsClient
		} else {
			logger.Warn("background archive disabled, the worker cannot reach the in-memory store",
				slog.String("store_driver", cfg.StoreDriver))
		}
		jobHandler = jobs.NewHandler(inspector, logger)
	} else {
		jobHandler = jobs.NewHandler(nil, logger)
	}

	admin := shared.NewAdminVerifier(cfg.AdminPasswordHash)
	if cfg.AdminPasswordHash == "" {
		logger.Warn("ADMIN_PASSWORD_HASH not set, admin routes are disabled")
	}

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		StocktakeHandler: stocktake.NewHandler(logger, service, admin, enqueuer, cfg.ExposeErrors),
		JobHandler:       jobHandler,
		LiveHandler:      hub.Handler(coordinator),
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:              cfg.AppAddr,
		Handler:           router,
		ReadHeaderTimeout: cfg.AppReadTimeout,
		WriteTimeout:      cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server",
			slog.String("addr", cfg.AppAddr),
			slog.String("store_driver", cfg.StoreDriver),
			slog.String("archive_driver", cfg.ArchiveDriver))
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
