package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/finch-ai/finch/pkg/models"
)

func newBudgetCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Manage the virtual spending budget",
	}

	cmd.AddCommand(
		newBudgetStatusCmd(configPath),
		newBudgetAffordCmd(configPath),
		newBudgetRecordCmd(configPath),
		newBudgetSummaryCmd(configPath),
		newBudgetRolloverCmd(configPath),
		newBudgetOverrideCmd(configPath),
	)
	return cmd
}

func newBudgetStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show today's budget envelope, spend, and health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			l, err := openLedger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			status, err := l.Status(context.Background())
			if err != nil {
				return err
			}

			fmt.Printf("Health:    %s\n", status.Health)
			fmt.Printf("Allocated: $%.2f\n", status.Allocated)
			fmt.Printf("Spent:     $%.4f\n", status.Spent)
			fmt.Printf("Remaining: $%.4f\n", status.Remaining)
			fmt.Printf("Available: $%.4f (reserve $%.4f)\n", status.Available, status.EmergencyReserve)

			if len(status.ProviderBreakdown) > 0 {
				fmt.Println()
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "PROVIDER\tSPENT\tSESSIONS\tDRIFT 7D")
				for _, p := range sortedSpendProviders(status.ProviderBreakdown) {
					s := status.ProviderBreakdown[p]
					drift := "-"
					if d, ok := status.DriftAccuracy[p]; ok {
						drift = fmt.Sprintf("%.2f%%", d)
					}
					fmt.Fprintf(w, "%s\t$%.4f\t%d\t%s\n", p, s.Cost, s.Sessions, drift)
				}
				if err := w.Flush(); err != nil {
					return err
				}
			}

			for _, a := range status.Alerts {
				fmt.Printf("ALERT: %s\n", a)
			}
			return nil
		},
	}
}

func sortedSpendProviders(m map[models.Provider]models.ProviderSpend) []models.Provider {
	providers := make([]models.Provider, 0, len(m))
	for p := range m {
		providers = append(providers, p)
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i] < providers[j] })
	return providers
}

func newBudgetAffordCmd(configPath *string) *cobra.Command {
	var (
		provider     string
		model        string
		inputTokens  int64
		outputTokens int64
		skipReserve  bool
	)

	cmd := &cobra.Command{
		Use:   "afford",
		Short: "Check whether an estimated request fits the remaining budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			l, err := openLedger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			cost := l.EstimateCost(models.Provider(provider), model, inputTokens, outputTokens)
			aff, err := l.CanAfford(context.Background(), cost, !skipReserve)
			if err != nil {
				return err
			}

			if aff.CanAfford {
				fmt.Printf("OK: cost $%.6f, available $%.4f, after spending $%.4f\n",
					aff.Cost, aff.Available, aff.AfterSpending)
				return nil
			}
			fmt.Printf("REJECTED (%s): cost $%.6f, available $%.4f, shortfall $%.6f\n",
				aff.Reason, aff.Cost, aff.Available, aff.Shortfall)
			return nil
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "provider identifier (anthropic, groq)")
	cmd.Flags().StringVar(&model, "model", "", "model identifier")
	cmd.Flags().Int64Var(&inputTokens, "input-tokens", 0, "input token count")
	cmd.Flags().Int64Var(&outputTokens, "output-tokens", 0, "output token count")
	cmd.Flags().BoolVar(&skipReserve, "skip-reserve", false, "check against the full remainder, ignoring the reserve")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

func newBudgetRecordCmd(configPath *string) *cobra.Command {
	var (
		provider     string
		model        string
		inputTokens  int64
		outputTokens int64
		sessionType  string
		notes        string
		emergency    bool
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a spending event and debit the budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			l, err := openLedger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			result, err := l.RecordUsage(context.Background(), models.Provider(provider), model,
				inputTokens, outputTokens, sessionType, notes, emergency)
			if err != nil {
				return err
			}

			if !result.Recorded {
				fmt.Printf("REJECTED (%s): cost $%.6f, shortfall $%.6f\n",
					result.Reason, result.Cost, result.Shortfall)
				return nil
			}
			fmt.Printf("Recorded %s/%s: cost $%.6f, remaining $%.4f\n",
				result.Provider, result.Model, result.Cost, result.RemainingAfter)
			if result.EmergencyOverride {
				fmt.Println("Emergency reserve was used.")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "provider identifier (anthropic, groq)")
	cmd.Flags().StringVar(&model, "model", "", "model identifier")
	cmd.Flags().Int64Var(&inputTokens, "input-tokens", 0, "input token count")
	cmd.Flags().Int64Var(&outputTokens, "output-tokens", 0, "output token count")
	cmd.Flags().StringVar(&sessionType, "session", models.SessionInteractive, "session type")
	cmd.Flags().StringVar(&notes, "notes", "", "free-text note")
	cmd.Flags().BoolVar(&emergency, "emergency", false, "spend into the emergency reserve")
	_ = cmd.MarkFlagRequired("provider")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

func newBudgetSummaryCmd(configPath *string) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Show per-provider usage over a trailing window",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			l, err := openLedger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			summary, err := l.UsageSummary(context.Background(), days)
			if err != nil {
				return err
			}

			if len(summary.ProviderTotals) == 0 {
				fmt.Printf("No usage recorded in the last %d days.\n", summary.PeriodDays)
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROVIDER\tSESSIONS\tINPUT\tOUTPUT\tESTIMATED\tTOTAL")
			providers := make([]models.Provider, 0, len(summary.ProviderTotals))
			for p := range summary.ProviderTotals {
				providers = append(providers, p)
			}
			sort.Slice(providers, func(i, j int) bool { return providers[i] < providers[j] })
			for _, p := range providers {
				t := summary.ProviderTotals[p]
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t$%.4f\t$%.4f\n",
					t.Provider, t.Sessions, t.InputTokens, t.OutputTokens, t.EstimatedCost, t.TotalCost)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			fmt.Printf("\nTotal estimated $%.4f, total with actuals $%.4f\n",
				summary.TotalEstimated, summary.TotalActual)
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "window size in days")
	return cmd
}

func newBudgetRolloverCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rollover",
		Short: "Start a fresh daily budget period",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			l, err := openLedger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			result, err := l.Rollover(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Rolled over: $%.2f for %s\n",
				result.NewBudget, result.PeriodStart.Format("2006-01-02"))
			return nil
		},
	}
}

func newBudgetOverrideCmd(configPath *string) *cobra.Command {
	var (
		remaining float64
		total     float64
		periodEnd string
		reason    string
	)

	cmd := &cobra.Command{
		Use:   "override",
		Short: "Set the remaining budget from a provider console value",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			l, err := openLedger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = l.Close() }()

			var totalPtr *float64
			if cmd.Flags().Changed("total") {
				totalPtr = &total
			}
			var endPtr *time.Time
			if periodEnd != "" {
				t, err := time.Parse("2006-01-02", periodEnd)
				if err != nil {
					return fmt.Errorf("invalid --period-end (use YYYY-MM-DD): %w", err)
				}
				endPtr = &t
			}

			alloc, err := l.Override(context.Background(), remaining, totalPtr, endPtr, reason)
			if err != nil {
				return err
			}
			fmt.Printf("Budget updated: allocated $%.2f, remaining $%.4f, period %s to %s\n",
				alloc.Allocated, alloc.Remaining,
				alloc.PeriodStart.Format("2006-01-02"), alloc.PeriodEnd.Format("2006-01-02"))
			return nil
		},
	}

	cmd.Flags().Float64Var(&remaining, "remaining", 0, "remaining budget observed on the console")
	cmd.Flags().Float64Var(&total, "total", 0, "total budget")
	cmd.Flags().StringVar(&periodEnd, "period-end", "", "period end date YYYY-MM-DD")
	cmd.Flags().StringVar(&reason, "reason", "", "reason for the correction")
	_ = cmd.MarkFlagRequired("remaining")
	return cmd
}
