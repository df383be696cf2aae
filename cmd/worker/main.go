// Package main runs the asynq scheduler and task server that drive the sync
// and vault workers on a cron schedule.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/callscript/internal/app"
	"github.com/dharsanguruparan/callscript/internal/config"
	"github.com/dharsanguruparan/callscript/internal/queue"
	"github.com/dharsanguruparan/callscript/internal/worker"
)

func main() {
	if err := run(); err != nil {
		zap.L().Error("worker stopped", zap.Error(err))
		fmt.Fprintf(os.Stderr, "callscript-worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := config.InitLogger(cfg.Log); err != nil {
		return err
	}
	defer zap.L().Sync() //nolint:errcheck
	if err := cfg.Validate(config.ModeWorker); err != nil {
		return err
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.Storage.EnsureBucket(ctx); err != nil {
		return err
	}

	redisOpt := queue.RedisOpt(cfg.Redis)
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Location: time.UTC})
	if err := queue.RegisterSchedules(scheduler, cfg.Schedule); err != nil {
		return err
	}
	if err := scheduler.Start(); err != nil {
		return eris.Wrap(err, "start scheduler")
	}
	defer scheduler.Shutdown()

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.Schedule.Concurrency,
		Queues:      map[string]int{"default": 1},
	})
	processor := worker.NewProcessor(a.Ingest, a.Vault, cfg.Sync.Lookback, cfg.Sync.BackfillChunk)

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	zap.L().Info("worker started",
		zap.String("sync_schedule", cfg.Schedule.Sync),
		zap.String("vault_schedule", cfg.Schedule.Vault))
	if err := server.Run(processor.Handler()); err != nil {
		return eris.Wrap(err, "run task server")
	}
	return nil
}
