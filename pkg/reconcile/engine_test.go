package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/finch-ai/finch/pkg/ledger"
	"github.com/finch-ai/finch/pkg/models"
	"github.com/finch-ai/finch/pkg/pricing"
)

var (
	today     = time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)
	yesterday = time.Date(2025, 6, 9, 14, 0, 0, 0, time.UTC)
)

type fakeSource struct {
	amount float64
	err    error
	calls  int
}

func (s *fakeSource) ActualCost(ctx context.Context, day time.Time) (float64, error) {
	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	return s.amount, nil
}

func approx(t *testing.T, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("got %v, want %v", got, want)
	}
}

// seedUsage opens a ledger on dbPath with its clock on yesterday and records
// two groq requests of $0.005 each.
func seedUsage(t *testing.T, dbPath string) *ledger.Ledger {
	t.Helper()
	est := pricing.New(pricing.Table{
		models.ProviderGroq: {"m": pricing.PerMillion(5.0, 0)},
	})
	l, err := ledger.Open(dbPath, ledger.Config{DailyBudget: 10.0, ReserveRatio: 0.20},
		est, ledger.WithClock(func() time.Time { return yesterday }))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Close() })

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		result, err := l.RecordUsage(ctx, models.ProviderGroq, "m", 1000, 0, "", "", false)
		if err != nil {
			t.Fatal(err)
		}
		if !result.Recorded {
			t.Fatalf("seed usage rejected: %+v", result)
		}
	}
	return l
}

func newTestEngine(t *testing.T, dbPath string, sources map[models.Provider]ActualCostSource) *Engine {
	t.Helper()
	e, err := Open(dbPath, sources, WithClock(func() time.Time { return today }))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestReconcileRescalesProportionally(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	l := seedUsage(t, dbPath)

	src := &fakeSource{amount: 0.0055}
	e := newTestEngine(t, dbPath, map[models.Provider]ActualCostSource{models.ProviderGroq: src})
	ctx := context.Background()

	result, err := e.ReconcileProvider(ctx, models.ProviderGroq, yesterday)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("expected success: %+v", result)
	}
	if result.RecordsReconciled != 2 {
		t.Errorf("records reconciled %d, want 2", result.RecordsReconciled)
	}
	approx(t, result.EstimatedTotal, 0.01)
	approx(t, result.ActualTotal, 0.0055)
	// (0.01 - 0.0055) / 0.0055 * 100
	if math.Abs(result.DriftPct-81.8181818) > 1e-4 {
		t.Errorf("drift %v, want ~81.82", result.DriftPct)
	}

	// Per-record actuals carry the 0.55 scale and sum to the billed total.
	summary, err := l.UsageSummary(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	approx(t, summary.TotalEstimated, 0.01)
	approx(t, summary.TotalActual, 0.0055)
}

func TestReconcileSecondRunIsNoop(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	l := seedUsage(t, dbPath)

	src := &fakeSource{amount: 0.0055}
	e := newTestEngine(t, dbPath, map[models.Provider]ActualCostSource{models.ProviderGroq: src})
	ctx := context.Background()

	if _, err := e.ReconcileProvider(ctx, models.ProviderGroq, yesterday); err != nil {
		t.Fatal(err)
	}

	// Everything is reconciled now; a rerun must not rescale anything.
	src.amount = 0.9
	result, err := e.ReconcileProvider(ctx, models.ProviderGroq, yesterday)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("expected trivial success: %+v", result)
	}
	if result.RecordsReconciled != 0 {
		t.Errorf("rerun reconciled %d records, want 0", result.RecordsReconciled)
	}

	summary, err := l.UsageSummary(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	approx(t, summary.TotalActual, 0.0055)
}

func TestReconcileFetchFailureLeavesRecords(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	l := seedUsage(t, dbPath)

	src := &fakeSource{err: ErrUnavailable}
	e := newTestEngine(t, dbPath, map[models.Provider]ActualCostSource{models.ProviderGroq: src})
	ctx := context.Background()

	result, err := e.ReconcileProvider(ctx, models.ProviderGroq, yesterday)
	if err != nil {
		t.Fatal(err)
	}
	if result.Success {
		t.Fatal("fetch failure must not be a success")
	}
	if result.Error == "" {
		t.Error("expected a failure message")
	}

	// Estimates stand until a retry succeeds.
	summary, err := l.UsageSummary(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	approx(t, summary.TotalActual, 0.01)

	// The failure is in the audit trail but excluded from accuracy stats.
	recSummary, err := e.Summary(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(recSummary.Providers) != 0 {
		t.Errorf("failed jobs must not enter accuracy stats: %v", recSummary.Providers)
	}
	if len(recSummary.RecentJobs) != 1 || recSummary.RecentJobs[0].Status != models.JobFailed {
		t.Errorf("expected one failed job in recent jobs, got %v", recSummary.RecentJobs)
	}
}

func TestReconcileNoRecordsIsTrivialSuccess(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	seedUsage(t, dbPath)

	src := &fakeSource{amount: 1.0}
	e := newTestEngine(t, dbPath, map[models.Provider]ActualCostSource{models.ProviderAnthropic: src})
	ctx := context.Background()

	result, err := e.ReconcileProvider(ctx, models.ProviderAnthropic, yesterday)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("no records is a trivial success: %+v", result)
	}
	if src.calls != 0 {
		t.Error("no records means no fetch")
	}

	summary, err := e.Summary(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	d := summary.Providers[models.ProviderAnthropic]
	if d.Jobs != 1 {
		t.Errorf("expected the trivial job in the audit trail, got %+v", d)
	}
}

func TestDailyBatchSkipsToday(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	// Usage recorded today must stay untouched by the batch.
	est := pricing.New(pricing.Table{
		models.ProviderGroq: {"m": pricing.PerMillion(5.0, 0)},
	})
	l, err := ledger.Open(dbPath, ledger.Config{DailyBudget: 10.0, ReserveRatio: 0.20},
		est, ledger.WithClock(func() time.Time { return today }))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Close() })
	ctx := context.Background()
	if _, err := l.RecordUsage(ctx, models.ProviderGroq, "m", 1000, 0, "", "", false); err != nil {
		t.Fatal(err)
	}

	src := &fakeSource{amount: 0.004}
	e := newTestEngine(t, dbPath, map[models.Provider]ActualCostSource{models.ProviderGroq: src})

	results, err := e.DailyBatch(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	// One provider across two past days.
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.RecordsReconciled != 0 {
			t.Errorf("today's records must not be reconciled: %+v", r)
		}
	}

	summary, err := l.UsageSummary(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	approx(t, summary.TotalActual, 0.005)
}

func TestDriftPct(t *testing.T) {
	tests := []struct {
		estimated, actual, want float64
	}{
		{0, 0, 0},
		{0.01, 0, 100},
		{0.01, 0.0055, 81.8181818181},
		{0.0055, 0.01, -45},
		{1, 1, 0},
	}
	for _, tt := range tests {
		got := driftPct(tt.estimated, tt.actual)
		if math.Abs(got-tt.want) > 1e-6 {
			t.Errorf("driftPct(%v, %v) = %v, want %v", tt.estimated, tt.actual, got, tt.want)
		}
	}
}

func TestReconcileAllOrdersProviders(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	seedUsage(t, dbPath)

	e := newTestEngine(t, dbPath, map[models.Provider]ActualCostSource{
		models.ProviderGroq:      &fakeSource{amount: 0.0055},
		models.ProviderAnthropic: &fakeSource{amount: 1.0},
	})

	results, err := e.ReconcileAll(context.Background(), yesterday)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Provider != models.ProviderAnthropic || results[1].Provider != models.ProviderGroq {
		t.Errorf("providers out of order: %v, %v", results[0].Provider, results[1].Provider)
	}
}

func TestErrUnavailableIsRecoverable(t *testing.T) {
	err := fmt.Errorf("fetch cost report: %w", ErrUnavailable)
	if !errors.Is(err, ErrUnavailable) {
		t.Error("wrapped unavailable errors must match the sentinel")
	}
}
