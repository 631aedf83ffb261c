package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/DukeRupert/credits/internal/domain"
	"github.com/DukeRupert/credits/internal/notify"
	"github.com/DukeRupert/credits/internal/service"
	"github.com/spf13/cobra"
)

// printNotifier writes low-balance events to the command output. Sweeps
// notify from several goroutines.
type printNotifier struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printNotifier) NotifyLowBalance(_ context.Context, event domain.LowBalanceEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := printer.Fprintf(p.w, "low balance  %s  %d of %d\n", event.UserID, event.Balance, event.FreeMonthly)
	return err
}

func newMaintenanceCmd(a *app) *cobra.Command {
	var (
		batchSize   int
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Run a maintenance sweep once",
	}

	sweep := func(use, short, job string, run func(ctx context.Context, m service.MaintenanceService) (*service.SweepResult, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: a.runE(func(cmd *cobra.Command, _ []string) error {
				out := cmd.OutOrStdout()
				notifier := notify.Multi{notify.NewLogNotifier(a.logger), &printNotifier{w: out}}
				m := service.NewMaintenanceService(a.store, notifier, a.cfg.CreditPolicy(), service.MaintenanceConfig{
					BatchSize:   batchSize,
					Concurrency: concurrency,
				}, a.logger, a.now)

				start := time.Now()
				result, err := run(cmd.Context(), m)
				if result != nil {
					printer.Fprintf(out, "%s: %d candidates, %d changed, %d failed in %s\n",
						label(job), result.Candidates, result.Changed, result.Failed, time.Since(start).Round(time.Millisecond))
				}
				if err != nil {
					return fmt.Errorf("%s: %w", job, err)
				}
				return nil
			}),
		}
	}

	cmd.AddCommand(
		sweep("reset", "Replenish free tiers due today", service.JobFreeReset,
			func(ctx context.Context, m service.MaintenanceService) (*service.SweepResult, error) {
				return m.FreeReset(ctx, a.now())
			}),
		sweep("expire", "Expire purchased lots past their expiry", service.JobExpireLots,
			func(ctx context.Context, m service.MaintenanceService) (*service.SweepResult, error) {
				return m.ExpireLots(ctx, a.now())
			}),
		sweep("scan", "Signal accounts running low on credit", service.JobLowBalanceScan,
			func(ctx context.Context, m service.MaintenanceService) (*service.SweepResult, error) {
				return m.LowBalanceScan(ctx)
			}),
	)

	cmd.PersistentFlags().IntVar(&batchSize, "batch-size", 0, "Candidates fetched per query (default 500)")
	cmd.PersistentFlags().IntVar(&concurrency, "concurrency", 0, "Accounts processed in parallel (default 4)")

	return cmd
}
