package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/finch-ai/finch/pkg/models"
	"github.com/finch-ai/finch/pkg/pricing"
)

func TestStatusHealthyByDefault(t *testing.T) {
	l := newTestLedger(t, defaultConfig())
	ctx := context.Background()

	status, err := l.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.Health != models.HealthGood {
		t.Errorf("health %s, want %s", status.Health, models.HealthGood)
	}
	if len(status.Alerts) != 0 {
		t.Errorf("unexpected alerts: %v", status.Alerts)
	}
	approx(t, status.Available, 1.60)
	approx(t, status.EmergencyReserve, 0.40)
}

func TestStatusAlertsEscalateHealth(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	est := pricing.New(pricing.Table{
		models.ProviderGroq: {"m": pricing.PerMillion(1.0, 0)},
	})
	l, err := Open(dbPath, defaultConfig(), est, WithClock(func() time.Time { return testTime }))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Close() })
	ctx := context.Background()

	// $1.70 of a $2.00 budget: remaining 0.30 < 20% of allocated, spent > 80%,
	// and available 0.24 < the 0.50 floor. All three alerts fire.
	result, err := l.RecordUsage(ctx, models.ProviderGroq, "m", 1_700_000, 0, "", "", true)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Recorded {
		t.Fatalf("expected usage to be recorded: %+v", result)
	}

	status, err := l.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(status.Alerts) != 3 {
		t.Fatalf("expected 3 alerts, got %v", status.Alerts)
	}
	if status.Health != models.HealthCritical {
		t.Errorf("health %s, want %s", status.Health, models.HealthCritical)
	}

	spend := status.ProviderBreakdown[models.ProviderGroq]
	approx(t, spend.Cost, 1.70)
	if spend.Sessions != 1 {
		t.Errorf("sessions %d, want 1", spend.Sessions)
	}
}

func TestStatusSingleAlertIsWarning(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	est := pricing.New(pricing.Table{
		models.ProviderGroq: {"m": pricing.PerMillion(1.0, 0)},
	})
	// High floor: only NEARING_RESERVE fires on a modest spend.
	l, err := Open(dbPath, Config{DailyBudget: 2.00, ReserveRatio: 0.20, ReserveFloor: 1.50},
		est, WithClock(func() time.Time { return testTime }))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Close() })
	ctx := context.Background()

	if _, err := l.RecordUsage(ctx, models.ProviderGroq, "m", 200_000, 0, "", "", false); err != nil {
		t.Fatal(err)
	}

	status, err := l.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(status.Alerts) != 1 || status.Alerts[0] != models.AlertNearingReserve {
		t.Fatalf("expected only NEARING_RESERVE, got %v", status.Alerts)
	}
	if status.Health != models.HealthWarning {
		t.Errorf("health %s, want %s", status.Health, models.HealthWarning)
	}
}

func TestUsageSummaryTotals(t *testing.T) {
	l := newTestLedger(t, defaultConfig())
	ctx := context.Background()

	if _, err := l.RecordUsage(ctx, models.ProviderAnthropic, "claude-3-5-sonnet-20241022",
		1000, 500, "", "", false); err != nil {
		t.Fatal(err)
	}
	if _, err := l.RecordUsage(ctx, models.ProviderGroq, "openai/gpt-oss-20b",
		10_000, 10_000, models.SessionBatch, "", false); err != nil {
		t.Fatal(err)
	}

	summary, err := l.UsageSummary(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if summary.PeriodDays != 7 {
		t.Errorf("period days %d, want 7", summary.PeriodDays)
	}
	if len(summary.ProviderTotals) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(summary.ProviderTotals))
	}

	anthropic := summary.ProviderTotals[models.ProviderAnthropic]
	if anthropic.Sessions != 1 || anthropic.InputTokens != 1000 || anthropic.OutputTokens != 500 {
		t.Errorf("unexpected anthropic totals: %+v", anthropic)
	}
	approx(t, anthropic.EstimatedCost, 0.0105)

	approx(t, summary.TotalEstimated, 0.0125)
	// Nothing reconciled yet: totals equal estimates.
	approx(t, summary.TotalActual, 0.0125)

	day := testTime.Format("2006-01-02")
	if len(summary.DailyBreakdown[day]) != 2 {
		t.Errorf("expected both providers under %s, got %v", day, summary.DailyBreakdown[day])
	}
}

func TestUsageSummaryExcludesAdjustments(t *testing.T) {
	l := newTestLedger(t, defaultConfig())
	ctx := context.Background()

	if _, err := l.Override(ctx, 5.0, nil, nil, "sync"); err != nil {
		t.Fatal(err)
	}

	summary, err := l.UsageSummary(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(summary.ProviderTotals) != 0 {
		t.Errorf("adjustment records must not appear in the summary: %v", summary.ProviderTotals)
	}
}
