// Package main runs the HTTP trigger server for the sync and vault workers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/callscript/internal/api"
	"github.com/dharsanguruparan/callscript/internal/app"
	"github.com/dharsanguruparan/callscript/internal/config"
	"github.com/dharsanguruparan/callscript/internal/queue"
)

func main() {
	if err := run(); err != nil {
		zap.L().Error("server stopped", zap.Error(err))
		fmt.Fprintf(os.Stderr, "callscript-server: %v\n", err)
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
	if err := cfg.Validate(config.ModeServer); err != nil {
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

	client := asynq.NewClient(queue.RedisOpt(cfg.Redis))
	defer client.Close()

	srv := api.New(cfg, api.Deps{
		Ingest:    a.Ingest,
		Vault:     a.Vault,
		Calls:     a.Calls,
		Presigner: a.Storage,
		Queue:     client,
	})
	return srv.Run(ctx)
}
