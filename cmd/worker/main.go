package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/vivibot/vivibot/internal/app"
	jobmetrics "github.com/vivibot/vivibot/internal/jobs"
	"github.com/vivibot/vivibot/internal/observability"
	"github.com/vivibot/vivibot/jobs"
)

const orphanSweepSchedule = "17 */6 * * *"

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

	if !cfg.JobsEnabled {
		logger.Error("worker needs JOBS_ENABLED=true")
		os.Exit(1)
	}

	metrics := observability.NewMetrics()
	store, err := app.OpenStorage(ctx, cfg, logger, metrics)
	if err != nil {
		logger.Error("open storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	client := jobs.NewClient(redisOpts, logger)
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())
	cleanupJob := jobs.NewOrphanCleanupJob(store.Store, logger, jobMetrics)
	sweepJob := jobs.NewOrphanSweepJob(store.Store, client, logger, jobMetrics)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskOrphanCleanup, Handler: cleanupJob.Handle},
			{Type: jobs.TaskOrphanSweep, Handler: sweepJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: orphanSweepSchedule, Task: jobs.NewOrphanSweepTask()},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		Metrics:         metrics,
		ReadinessChecks: map[string]app.ReadinessCheck{"storage": store.Ping},
	})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(gctx) })
	if cfg.WorkerAddr != "" {
		server := app.NewServer(cfg, router)
		server.Addr = cfg.WorkerAddr
		g.Go(func() error { return app.Serve(gctx, logger, server) })
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
