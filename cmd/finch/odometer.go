package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newOdometerCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "odometer",
		Short: "Track a provider's cumulative usage counter",
	}

	cmd.AddCommand(
		newOdometerReadCmd(configPath),
		newOdometerStatusCmd(configPath),
	)
	return cmd
}

func newOdometerReadCmd(configPath *string) *cobra.Command {
	var notes string

	cmd := &cobra.Command{
		Use:   "read <value>",
		Short: "Record a manual reading of the cumulative counter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.ParseFloat(args[0], 64)
			if err != nil {
				return fmt.Errorf("invalid reading value %q: %w", args[0], err)
			}
			if value < 0 {
				return fmt.Errorf("reading value must be non-negative")
			}

			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			tr, err := openTracker(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = tr.Close() }()

			result, err := tr.RecordReading(context.Background(), value, notes)
			if err != nil {
				return err
			}

			fmt.Printf("Recorded %s = $%.4f (daily estimate $%.4f)\n",
				result.Month, result.Value, result.DailyEstimate)
			if result.ResetDetected {
				fmt.Println("Billing-period reset detected; prior month finalized.")
			}
			for _, r := range result.Reminders.Reminders {
				fmt.Printf("[%s] %s\n", r.Urgency, r.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&notes, "notes", "", "free-text note")
	return cmd
}

func newOdometerStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show odometer state, daily estimate, and reminders",
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

			ctx := context.Background()
			view, err := tr.View(ctx)
			if err != nil {
				return err
			}
			status, err := tr.ReminderStatus(ctx)
			if err != nil {
				return err
			}

			if view.HasData {
				fmt.Printf("Month:       %s (day %d)\n", view.Month, view.DayOfMonth)
				fmt.Printf("Cumulative:  $%.4f\n", view.CumulativeCost)
				fmt.Printf("Daily avg:   $%.4f\n", view.DailyAverage)
				fmt.Printf("Daily actual: $%.4f\n", view.DailyActual)
				fmt.Printf("Last reading: %s\n", view.LastReading.Format("2006-01-02 15:04"))
			} else {
				fmt.Println("No odometer data for the current month.")
			}
			fmt.Printf("State: %s, %d days until reset\n", status.State, status.DaysUntilReset)
			for _, r := range status.Reminders {
				fmt.Printf("[%s] %s\n", r.Urgency, r.Message)
			}
			return nil
		},
	}
}
