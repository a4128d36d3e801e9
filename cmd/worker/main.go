package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/gatehouse/internal/app"
	jobmetrics "github.com/odyssey-erp/gatehouse/internal/jobs"
	"github.com/odyssey-erp/gatehouse/jobs"
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

	container, err := app.NewContainer(ctx, cfg, logger, app.ContainerOptions{DisableJobs: true})
	if err != nil {
		logger.Error("build container", slog.Any("error", err))
		os.Exit(1)
	}
	defer container.Close()
	if container.Redis == nil {
		logger.Error("worker requires REDIS_ADDR")
		os.Exit(1)
	}

	go container.Invalidator.Run(ctx, cfg.AuthzInvalidationRetry)

	metrics := jobmetrics.NewMetrics(container.Metrics.Registerer())
	sweepJob := jobs.NewAssignmentSweepJob(container.Ledger, container.Audit, container.Invalidator, logger, metrics)
	roleJob := jobs.NewRoleChangedJob(container.Ledger, container.Invalidator, logger, metrics)

	sweepTask, err := jobs.NewAssignmentSweepTask(600)
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAssignmentSweep, Handler: sweepJob.Handle},
			{Type: jobs.TaskRoleChanged, Handler: roleJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.AuthzSweepCron, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
