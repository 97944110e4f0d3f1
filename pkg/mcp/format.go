package mcp

import (
	"fmt"
	"sort"
	"strings"

	"github.com/finch-ai/finch/pkg/models"
)

// formatBudgetStatus renders the ledger status as text.
func formatBudgetStatus(s models.BudgetStatus) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Daily Budget (%s)\n", s.Health)
	fmt.Fprintf(&b, "  Allocated: $%.2f\n", s.Allocated)
	fmt.Fprintf(&b, "  Spent:     $%.4f\n", s.Spent)
	fmt.Fprintf(&b, "  Remaining: $%.4f\n", s.Remaining)
	fmt.Fprintf(&b, "  Available: $%.4f (reserve $%.4f)\n", s.Available, s.EmergencyReserve)

	if len(s.ProviderBreakdown) > 0 {
		b.WriteString("\nToday by provider:\n")
		for _, p := range sortedProviders(s.ProviderBreakdown) {
			spend := s.ProviderBreakdown[p]
			fmt.Fprintf(&b, "  %-12s $%.4f (%d sessions)\n", p, spend.Cost, spend.Sessions)
		}
	}

	if len(s.DriftAccuracy) > 0 {
		b.WriteString("\n7-day reconciliation drift:\n")
		providers := make([]models.Provider, 0, len(s.DriftAccuracy))
		for p := range s.DriftAccuracy {
			providers = append(providers, p)
		}
		sort.Slice(providers, func(i, j int) bool { return providers[i] < providers[j] })
		for _, p := range providers {
			fmt.Fprintf(&b, "  %-12s %.2f%%\n", p, s.DriftAccuracy[p])
		}
	}

	if len(s.Alerts) > 0 {
		b.WriteString("\nAlerts:\n")
		for _, a := range s.Alerts {
			fmt.Fprintf(&b, "  %s\n", a)
		}
	}
	return b.String()
}

func sortedProviders(m map[models.Provider]models.ProviderSpend) []models.Provider {
	providers := make([]models.Provider, 0, len(m))
	for p := range m {
		providers = append(providers, p)
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i] < providers[j] })
	return providers
}

// formatAffordability renders a spend-gating check as text.
func formatAffordability(a models.Affordability) string {
	if a.CanAfford {
		return fmt.Sprintf("Affordable: cost $%.6f, remaining $%.4f, available $%.4f, after spending $%.4f",
			a.Cost, a.Remaining, a.Available, a.AfterSpending)
	}
	return fmt.Sprintf("Not affordable (%s): cost $%.6f, available $%.4f, shortfall $%.6f",
		a.Reason, a.Cost, a.Available, a.Shortfall)
}

// formatUsageResult renders a recorded (or rejected) spending event.
func formatUsageResult(r models.UsageResult) string {
	if !r.Recorded {
		return fmt.Sprintf("Rejected (%s): %s/%s cost $%.6f, shortfall $%.6f",
			r.Reason, r.Provider, r.Model, r.Cost, r.Shortfall)
	}
	msg := fmt.Sprintf("Recorded: %s/%s cost $%.6f, remaining $%.4f",
		r.Provider, r.Model, r.Cost, r.RemainingAfter)
	if r.EmergencyOverride {
		msg += " (emergency override)"
	}
	return msg
}

// formatUsageSummary renders the trailing-window usage report as a table.
func formatUsageSummary(s models.UsageSummary) string {
	if len(s.ProviderTotals) == 0 {
		return fmt.Sprintf("No usage recorded in the last %d days.", s.PeriodDays)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Usage, last %d days\n\n", s.PeriodDays)
	fmt.Fprintf(&b, "%-12s %8s %12s %12s %12s %12s\n",
		"Provider", "Sessions", "Input", "Output", "Estimated", "Total")
	b.WriteString(strings.Repeat("-", 74) + "\n")

	providers := make([]models.Provider, 0, len(s.ProviderTotals))
	for p := range s.ProviderTotals {
		providers = append(providers, p)
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i] < providers[j] })
	for _, p := range providers {
		t := s.ProviderTotals[p]
		fmt.Fprintf(&b, "%-12s %8d %12d %12d %12.4f %12.4f\n",
			t.Provider, t.Sessions, t.InputTokens, t.OutputTokens, t.EstimatedCost, t.TotalCost)
	}
	fmt.Fprintf(&b, "\nTotal estimated $%.4f, total (with actuals) $%.4f\n", s.TotalEstimated, s.TotalActual)
	return b.String()
}

// formatAllocation renders an allocation after a manual override.
func formatAllocation(a models.BudgetAllocation) string {
	return fmt.Sprintf("Budget updated: allocated $%.2f, remaining $%.4f, period %s to %s",
		a.Allocated, a.Remaining,
		a.PeriodStart.Format("2006-01-02"), a.PeriodEnd.Format("2006-01-02"))
}

// formatReadingResult renders a recorded odometer reading.
func formatReadingResult(r models.ReadingResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Reading recorded: %s = $%.4f (daily estimate $%.4f)\n", r.Month, r.Value, r.DailyEstimate)
	if r.ResetDetected {
		b.WriteString("Billing-period reset detected; prior month finalized.\n")
	}
	for _, rem := range r.Reminders.Reminders {
		fmt.Fprintf(&b, "  [%s] %s\n", rem.Urgency, rem.Message)
	}
	return b.String()
}

// formatOdometerStatus renders the odometer view plus reminders.
func formatOdometerStatus(v models.OdometerView, s models.ReminderStatus) string {
	var b strings.Builder
	if v.HasData {
		fmt.Fprintf(&b, "Odometer %s: cumulative $%.4f, daily avg $%.4f, daily actual $%.4f (day %d)\n",
			v.Month, v.CumulativeCost, v.DailyAverage, v.DailyActual, v.DayOfMonth)
	} else {
		b.WriteString("No odometer data for the current month.\n")
	}
	fmt.Fprintf(&b, "State: %s, %d days until reset\n", s.State, s.DaysUntilReset)
	for _, rem := range s.Reminders {
		fmt.Fprintf(&b, "  [%s] %s\n", rem.Urgency, rem.Message)
	}
	return b.String()
}

// formatReconcileSummary renders reconciliation accuracy as a table.
func formatReconcileSummary(s models.ReconciliationSummary) string {
	if len(s.Providers) == 0 {
		return fmt.Sprintf("No reconciliation jobs in the last %d days.", s.PeriodDays)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Reconciliation accuracy, last %d days (avg |drift| %.2f%%)\n\n", s.PeriodDays, s.AvgAbsDriftPct)
	fmt.Fprintf(&b, "%-12s %6s %12s %12s %12s %12s\n",
		"Provider", "Jobs", "Avg|Drift|%", "AvgDrift%", "Estimated", "Actual")
	b.WriteString(strings.Repeat("-", 72) + "\n")

	providers := make([]models.Provider, 0, len(s.Providers))
	for p := range s.Providers {
		providers = append(providers, p)
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i] < providers[j] })
	for _, p := range providers {
		d := s.Providers[p]
		fmt.Fprintf(&b, "%-12s %6d %12.2f %12.2f %12.4f %12.4f\n",
			p, d.Jobs, d.AvgAbsDriftPct, d.AvgDriftPct, d.TotalEstimated, d.TotalActual)
	}

	if len(s.RecentJobs) > 0 {
		b.WriteString("\nRecent jobs:\n")
		for _, j := range s.RecentJobs {
			line := fmt.Sprintf("  %s %s drift %.2f%% (%d records, %s)",
				j.JobDate.Format("2006-01-02"), j.Provider, j.DriftPct, j.RecordsReconciled, j.Status)
			if j.Error != "" {
				line += ": " + j.Error
			}
			b.WriteString(line + "\n")
		}
	}
	return b.String()
}
