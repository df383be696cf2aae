package main

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dharsanguruparan/callscript/internal/app"
	"github.com/dharsanguruparan/callscript/internal/config"
)

type commandContext struct {
	jsonOut bool

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newCommandContext() *commandContext {
	return &commandContext{}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			c.configErr = err
			return
		}
		if err := config.InitLogger(cfg.Log); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// withApp validates config for mode, builds the services and runs fn.
func (c *commandContext) withApp(cmd *cobra.Command, mode string, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(mode); err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	defer zap.L().Sync() //nolint:errcheck
	return fn(ctx, a)
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
