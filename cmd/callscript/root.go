package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	ctx := newCommandContext()

	rootCmd := &cobra.Command{
		Use:   "callscript",
		Short: "Operate the CallScript ingest and vault workers",
		Long: `callscript runs the ingestion sync and recording vault workers once from the
command line, queues backfills, sweeps abandoned claims, recovers failed calls
and prints queue statistics. Settings come from config.yaml and CALLSCRIPT_*
environment variables.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	rootCmd.PersistentFlags().BoolVar(&ctx.jsonOut, "json", false, "Print results as JSON")

	rootCmd.AddCommand(
		newSyncCommand(ctx),
		newBackfillCommand(ctx),
		newVaultCommand(ctx),
		newSweepCommand(ctx),
		newRecoverCommand(ctx),
		newStatsCommand(ctx),
	)
	return rootCmd
}
