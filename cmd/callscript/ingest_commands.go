package main

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/callscript/internal/app"
	"github.com/dharsanguruparan/callscript/internal/config"
	"github.com/dharsanguruparan/callscript/internal/ingest"
	"github.com/dharsanguruparan/callscript/internal/queue"
	"github.com/dharsanguruparan/callscript/internal/ringba"
)

func newSyncCommand(ctx *commandContext) *cobra.Command {
	var lookback time.Duration
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull the recent call-log window for every organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, config.ModeSync, func(c context.Context, a *app.App) error {
				d := lookback
				if d <= 0 {
					d = a.Config.Sync.Lookback
				}
				res, err := a.Ingest.Sync(c, ingest.LookbackWindow(time.Now(), d))
				if err != nil {
					return err
				}
				if ctx.jsonOut {
					return writeJSON(cmd, res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Fetched %d records, upserted %d calls (lookback %s)\n",
					res.Fetched, res.Upserted, d)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&lookback, "lookback", 0, "Window to pull, e.g. 60m (defaults to sync.lookback)")
	return cmd
}

func newBackfillCommand(ctx *commandContext) *cobra.Command {
	var (
		start, end string
		chunk      time.Duration
		fifo       bool
		enqueue    bool
	)
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Sync an explicit historical range in chunks",
		Example: `  callscript backfill --start 2025-01-01 --end 2025-01-31
  callscript backfill --start 2025-01-01 --end 2025-01-31 --chunk 6h --fifo --enqueue`,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := backfillPayload(start, end, chunk, fifo)
			if err != nil {
				return err
			}
			if enqueue {
				return ctx.enqueueBackfill(cmd, payload)
			}
			return ctx.withApp(cmd, config.ModeSync, func(c context.Context, a *app.App) error {
				res, err := a.Ingest.Backfill(c, payload.Request(a.Config.Sync.BackfillChunk))
				if err != nil {
					return err
				}
				if ctx.jsonOut {
					return writeJSON(cmd, res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Backfilled %d chunks (%d failed): fetched %d, upserted %d\n",
					res.Chunks, res.FailedChunks, res.Fetched, res.Upserted)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "Range start (RFC3339 or YYYY-MM-DD, UTC)")
	cmd.Flags().StringVar(&end, "end", "", "Range end (RFC3339 or YYYY-MM-DD, UTC)")
	cmd.Flags().DurationVar(&chunk, "chunk", 0, "Chunk size (defaults to sync.backfill_chunk)")
	cmd.Flags().BoolVar(&fifo, "fifo", false, "Process the oldest chunk first")
	cmd.Flags().BoolVar(&enqueue, "enqueue", false, "Queue the backfill for the worker instead of running it here")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func backfillPayload(start, end string, chunk time.Duration, fifo bool) (queue.BackfillPayload, error) {
	s, err := ringba.ParseTime(start)
	if err != nil {
		return queue.BackfillPayload{}, eris.Wrap(err, "--start")
	}
	e, err := ringba.ParseTime(end)
	if err != nil {
		return queue.BackfillPayload{}, eris.Wrap(err, "--end")
	}
	p := queue.BackfillPayload{Start: s, End: e, FIFO: fifo}
	if chunk > 0 {
		p.ChunkHours = chunk.Hours()
	}
	if err := p.Request(24 * time.Hour).Validate(); err != nil {
		return queue.BackfillPayload{}, err
	}
	return p, nil
}

func (c *commandContext) enqueueBackfill(cmd *cobra.Command, payload queue.BackfillPayload) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	if cfg.Redis.Addr == "" {
		return eris.New("redis.addr is required to enqueue")
	}
	task, err := queue.NewBackfillTask(payload)
	if err != nil {
		return err
	}
	client := asynq.NewClient(queue.RedisOpt(cfg.Redis))
	defer client.Close()
	id, err := queue.Enqueue(cmd.Context(), client, task)
	if err != nil {
		return err
	}
	if c.jsonOut {
		return writeJSON(cmd, map[string]string{"status": "queued", "task_id": id})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Backfill queued as task %s\n", id)
	return nil
}
