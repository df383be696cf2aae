// Package main is the operator CLI for the CallScript ingest and vault
// workers: one-shot runs, backfills, claim sweeps, dead-letter recovery and
// queue stats.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "callscript: %v\n", err)
		os.Exit(1)
	}
}
