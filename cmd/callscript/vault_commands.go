package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/callscript/internal/app"
	"github.com/dharsanguruparan/callscript/internal/config"
	"github.com/dharsanguruparan/callscript/internal/model"
	"github.com/dharsanguruparan/callscript/internal/recovery"
	"github.com/dharsanguruparan/callscript/internal/vault"
)

func newVaultCommand(ctx *commandContext) *cobra.Command {
	var batches int
	cmd := &cobra.Command{
		Use:   "vault",
		Short: "Copy pending recordings into object storage",
		Long: `vault runs the recording vault worker. With --batches 0 it keeps running
batches until one selects nothing or settles no call, so recordings that keep
failing transiently are left for the next scheduled run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, config.ModeVault, func(c context.Context, a *app.App) error {
				if err := a.Storage.EnsureBucket(c); err != nil {
					return err
				}
				runs, err := drainVault(c, a.Vault.Run, batches)
				if err != nil {
					return err
				}
				if ctx.jsonOut {
					return writeJSON(cmd, runs)
				}
				fmt.Fprintln(cmd.OutOrStdout(), vaultRunsTable(runs))
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&batches, "batches", 1, "Batches to run; 0 drains the queue")
	return cmd
}

// drainVault runs up to batches vault batches, or until the queue stops
// moving when batches is zero. A batch that settles no call ends the loop
// because everything it selected went straight back to pending.
func drainVault(ctx context.Context, run func(context.Context) (vault.Result, error), batches int) ([]vault.Result, error) {
	var runs []vault.Result
	for i := 0; batches <= 0 || i < batches; i++ {
		res, err := run(ctx)
		if err != nil {
			return runs, err
		}
		runs = append(runs, res)
		if res.Processed == 0 || res.Settled() == 0 || ctx.Err() != nil {
			break
		}
	}
	return runs, nil
}

var vaultOutcomes = []vault.Outcome{
	vault.OutcomeDownloaded, vault.OutcomeSafe, vault.OutcomeReleased,
	vault.OutcomeFailed, vault.OutcomeSkipped, vault.OutcomeError,
}

func vaultRunsTable(runs []vault.Result) *reportTable {
	cols := []column{{title: "batch", count: true}, {title: "processed", count: true}, {title: "reclaimed", count: true}}
	for _, o := range vaultOutcomes {
		cols = append(cols, column{title: string(o), count: true})
	}
	t := newReportTable(cols...)
	for i, r := range runs {
		counts := []int64{int64(r.Processed), r.Reclaimed}
		for _, o := range vaultOutcomes {
			counts = append(counts, int64(r.Outcomes[o]))
		}
		t.addCounts(strconv.Itoa(i+1), counts...)
	}
	return t
}

func newSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Return claims older than vault.claim_ttl to the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, config.ModeAdmin, func(c context.Context, a *app.App) error {
				n, err := a.Vault.Sweep(c)
				if err != nil {
					return err
				}
				if ctx.jsonOut {
					return writeJSON(cmd, map[string]int64{"reclaimed": n})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reclaimed %d stale claims (ttl %s)\n", n, a.Config.Vault.ClaimTTL)
				return nil
			})
		},
	}
}

func newRecoverCommand(ctx *commandContext) *cobra.Command {
	var opts recovery.Options
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Requeue failed calls whose errors look transient (dry run by default)",
		Example: `  callscript recover
  callscript recover --execute --storage-only
  callscript recover --execute --force --limit 100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, config.ModeAdmin, func(c context.Context, a *app.App) error {
				rep, err := a.Recovery.Run(c, app.RecoveryOptions(a.Config, opts))
				if err != nil {
					return err
				}
				if ctx.jsonOut {
					return writeJSON(cmd, rep)
				}
				printRecovery(cmd.OutOrStdout(), rep)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&opts.Execute, "execute", false, "Requeue calls instead of only reporting")
	cmd.Flags().BoolVar(&opts.StorageOnly, "storage-only", false, "Only requeue calls whose recording is already stored")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "Ignore the retry ceiling")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "Requeue at most this many calls (0 = no limit)")
	return cmd
}

func printRecovery(out io.Writer, rep recovery.Report) {
	mode := "DRY RUN"
	if !rep.DryRun {
		mode = "EXECUTE"
	}
	fmt.Fprintf(out, "Mode: %s\nFailed calls scanned: %d\n\n", mode, rep.Scanned)

	cats := newReportTable(column{title: "category"}, column{title: "recoverable", count: true},
		column{title: "not recoverable", count: true})
	var recoverable, unrecoverable int64
	for _, c := range []recovery.Category{recovery.CategoryStored, recovery.CategoryAudio, recovery.CategoryNoAudio} {
		tally := rep.Counts[c]
		recoverable += int64(tally.Recoverable)
		unrecoverable += int64(tally.Unrecoverable)
		cats.addCounts(string(c), int64(tally.Recoverable), int64(tally.Unrecoverable))
	}
	cats.total("total", strconv.FormatInt(recoverable, 10), strconv.FormatInt(unrecoverable, 10))
	fmt.Fprintln(out, cats)

	if len(rep.TopErrors) > 0 {
		errs := newReportTable(column{title: "count", count: true}, column{title: "error"})
		for _, e := range rep.TopErrors {
			errs.add(strconv.Itoa(e.Count), e.Prefix)
		}
		fmt.Fprintln(out, errs)
	}

	if rep.DryRun {
		fmt.Fprintf(out, "Would recover %d calls. Re-run with --execute to apply.\n", len(rep.Selected))
		return
	}
	fmt.Fprintf(out, "Recovered %d calls (%d to downloaded, %d to pending), %d errors\n",
		rep.Recovered, rep.ByTarget[model.StatusDownloaded], rep.ByTarget[model.StatusPending], rep.Errors)
}

func newStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show call counts per status and stuck claims",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, config.ModeAdmin, func(c context.Context, a *app.App) error {
				stats, err := a.Calls.QueueStats(c, time.Now().UTC().Add(-a.Config.Vault.ClaimTTL))
				if err != nil {
					return err
				}
				if ctx.jsonOut {
					return writeJSON(cmd, stats)
				}
				fmt.Fprintln(cmd.OutOrStdout(), statsTable(stats))
				return nil
			})
		},
	}
}

func statsTable(stats model.QueueStats) *reportTable {
	t := newReportTable(column{title: "status"}, column{title: "calls", count: true})
	var total int64
	for _, s := range model.AllStatuses {
		n := stats.Count(s)
		total += n
		t.addCounts(string(s), n)
	}
	var extra []string
	for s := range stats.ByStatus {
		if !s.Valid() {
			extra = append(extra, string(s))
		}
	}
	sort.Strings(extra)
	for _, s := range extra {
		n := stats.ByStatus[model.CallStatus(s)]
		total += n
		t.addCounts(s, n)
	}
	t.addCounts("stuck claims", stats.StuckClaims)
	t.total("total", strconv.FormatInt(total, 10))
	return t
}
