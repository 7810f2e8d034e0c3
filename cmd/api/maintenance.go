package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// The maintenance commands run one pass of a periodic job in the foreground.

func newReconcileCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Refund failed jobs and steps whose compensation was deferred",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), ctx, func(a *app) error {
				if limit <= 0 {
					limit = a.cfg.Reconcile.Limit
				}
				jobsRefunded, err := a.jobs.ReconcileRefunds(cmd.Context(), limit)
				if err != nil {
					return fmt.Errorf("reconcile jobs: %w", err)
				}
				stepsRefunded, err := a.pipeline.ReconcileRefunds(cmd.Context(), limit)
				if err != nil {
					return fmt.Errorf("reconcile steps: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Refunded %d jobs and %d steps\n", jobsRefunded, stepsRefunded)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum rows per pass (default reconcile.limit)")
	return cmd
}

func newSweepCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Poll every open operation once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), ctx, func(a *app) error {
				if limit <= 0 {
					limit = a.cfg.Poller.SweepLimit
				}
				finished, err := a.poller.Sweep(cmd.Context(), limit)
				fmt.Fprintf(cmd.OutOrStdout(), "Finished %d operations\n", finished)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum operations to poll (default poller.sweep_limit)")
	return cmd
}

// withApp wires the app with an insert-only River client, so follow-up polls
// are queued for the worker process.
func withApp(parent context.Context, cc *commandContext, fn func(*app) error) error {
	cfg, err := cc.ensureConfig()
	if err != nil {
		return err
	}
	ctx, stop := signalContext(parent)
	defer stop()
	a, err := newApp(ctx, cfg, cc.logger())
	if err != nil {
		return err
	}
	defer a.close()
	if _, err := a.startRiver(false); err != nil {
		return err
	}
	return fn(a)
}
