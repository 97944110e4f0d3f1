package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/finch-ai/finch/pkg/models"
	"github.com/finch-ai/finch/pkg/reconcile"
)

func newReconcileCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconcile estimated spend against provider-reported actuals",
	}

	cmd.AddCommand(
		newReconcileRunCmd(configPath),
		newReconcileSummaryCmd(configPath),
		newReconcileScheduleCmd(configPath),
	)
	return cmd
}

func newReconcileRunCmd(configPath *string) *cobra.Command {
	var daysBack int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the reconciliation batch for recent days",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			tr, err := openTracker(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = tr.Close() }()

			eng, c, err := openEngine(cfg, tr)
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close() }()
			defer func() { _ = c.Close() }()

			if daysBack <= 0 {
				daysBack = cfg.Reconcile.DaysBack
			}

			results, err := eng.DailyBatch(context.Background(), daysBack)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("No providers configured for reconciliation.")
				return nil
			}

			for _, r := range results {
				if r.Success {
					fmt.Printf("%s %s: reconciled %d records, estimated $%.4f, actual $%.4f, drift %.2f%%\n",
						r.Date.Format("2006-01-02"), r.Provider,
						r.RecordsReconciled, r.EstimatedTotal, r.ActualTotal, r.DriftPct)
				} else {
					fmt.Printf("%s %s: FAILED: %s\n", r.Date.Format("2006-01-02"), r.Provider, r.Error)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&daysBack, "days-back", 0, "how many trailing days to reconcile (default from config)")
	return cmd
}

func newReconcileSummaryCmd(configPath *string) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show reconciliation accuracy per provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			eng, c, err := openEngine(cfg, nil)
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close() }()
			defer func() { _ = c.Close() }()

			summary, err := eng.Summary(context.Background(), days)
			if err != nil {
				return err
			}

			if len(summary.Providers) == 0 {
				fmt.Printf("No reconciliation jobs in the last %d days.\n", summary.PeriodDays)
				return nil
			}

			fmt.Printf("Average absolute drift, last %d days: %.2f%%\n\n",
				summary.PeriodDays, summary.AvgAbsDriftPct)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tJOBS\tAVG |DRIFT|\tAVG DRIFT\tESTIMATED\tACTUAL")
			providers := make([]models.Provider, 0, len(summary.Providers))
			for p := range summary.Providers {
				providers = append(providers, p)
			}
			sort.Slice(providers, func(i, j int) bool { return providers[i] < providers[j] })
			for _, p := range providers {
				d := summary.Providers[p]
				fmt.Fprintf(w, "%s\t%d\t%.2f%%\t%.2f%%\t$%.4f\t$%.4f\n",
					p, d.Jobs, d.AvgAbsDriftPct, d.AvgDriftPct, d.TotalEstimated, d.TotalActual)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if len(summary.RecentJobs) > 0 {
				fmt.Println("\nRecent jobs:")
				for _, j := range summary.RecentJobs {
					line := fmt.Sprintf("  %s %s drift %.2f%% (%d records, %s)",
						j.JobDate.Format("2006-01-02"), j.Provider, j.DriftPct, j.RecordsReconciled, j.Status)
					if j.Error != "" {
						line += ": " + j.Error
					}
					fmt.Println(line)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "window size in days")
	return cmd
}

func newReconcileScheduleCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Run the reconciliation batch on the configured cron schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Reconcile.Schedule == "" {
				return fmt.Errorf("no reconcile schedule configured")
			}

			tr, err := openTracker(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = tr.Close() }()

			eng, c, err := openEngine(cfg, tr)
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close() }()
			defer func() { _ = c.Close() }()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sched := reconcile.NewScheduler(eng, cfg.Reconcile.Schedule, cfg.Reconcile.DaysBack)
			if err := sched.Start(ctx); err != nil {
				return err
			}
			fmt.Printf("Reconciliation scheduled (%s). Ctrl-C to stop.\n", cfg.Reconcile.Schedule)

			<-ctx.Done()
			sched.Stop()
			return nil
		},
	}
}
