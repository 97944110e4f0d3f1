package odometer

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/finch-ai/finch/pkg/models"
)

// newTestTracker returns a tracker whose clock reads from *clock.
func newTestTracker(t *testing.T, clock *time.Time) *Tracker {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	tr, err := Open(dbPath, WithClock(func() time.Time { return *clock }))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func approx(t *testing.T, got, want float64) {
	t.Helper()
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRecordReadingAndView(t *testing.T) {
	clock := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	tr := newTestTracker(t, &clock)
	ctx := context.Background()

	result, err := tr.RecordReading(ctx, 2.50, "console check")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Recorded {
		t.Fatal("expected reading to be recorded")
	}
	if result.Month != "2025-06" {
		t.Errorf("month %s, want 2025-06", result.Month)
	}
	if result.ResetDetected {
		t.Error("first reading must not be a reset")
	}
	// Day 10 of the month: running average is value/10.
	approx(t, result.DailyEstimate, 0.25)

	view, err := tr.View(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !view.HasData {
		t.Fatal("expected view data")
	}
	approx(t, view.CumulativeCost, 2.50)
	approx(t, view.DailyAverage, 0.25)
	if view.DayOfMonth != 10 {
		t.Errorf("day of month %d, want 10", view.DayOfMonth)
	}
}

func TestViewWithoutData(t *testing.T) {
	clock := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	tr := newTestTracker(t, &clock)

	view, err := tr.View(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if view.HasData {
		t.Error("expected no data")
	}
}

func TestDailyEstimatePrefersDayDelta(t *testing.T) {
	clock := time.Date(2025, 6, 9, 18, 0, 0, 0, time.UTC)
	tr := newTestTracker(t, &clock)
	ctx := context.Background()

	if _, err := tr.RecordReading(ctx, 2.00, ""); err != nil {
		t.Fatal(err)
	}

	clock = time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	result, err := tr.RecordReading(ctx, 2.50, "")
	if err != nil {
		t.Fatal(err)
	}
	// A prior-day reading exists: the delta beats the running average.
	approx(t, result.DailyEstimate, 0.50)

	view, err := tr.View(ctx)
	if err != nil {
		t.Fatal(err)
	}
	approx(t, view.DailyActual, 0.50)
	approx(t, view.DailyAverage, 0.25)
}

func TestResetDetectionFinalizesPriorMonth(t *testing.T) {
	clock := time.Date(2025, 6, 28, 12, 0, 0, 0, time.UTC)
	tr := newTestTracker(t, &clock)
	ctx := context.Background()

	if _, err := tr.RecordReading(ctx, 2.50, ""); err != nil {
		t.Fatal(err)
	}

	clock = time.Date(2025, 7, 2, 12, 0, 0, 0, time.UTC)
	result, err := tr.RecordReading(ctx, 0.15, "")
	if err != nil {
		t.Fatal(err)
	}
	if !result.ResetDetected {
		t.Fatal("month change with a value drop must be a reset")
	}
	if result.Month != "2025-07" {
		t.Errorf("month %s, want 2025-07", result.Month)
	}

	period, err := tr.Period(ctx, "2025-06")
	if err != nil {
		t.Fatal(err)
	}
	if period == nil {
		t.Fatal("expected a June period")
	}
	if !period.Finalized {
		t.Error("June must be finalized by the reset")
	}
	approx(t, period.TotalCost, 2.50)

	last, err := tr.LastReading(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if last == nil || !last.IsReset {
		t.Error("the July reading should carry the reset marker")
	}
}

func TestNoResetWithinSameMonth(t *testing.T) {
	clock := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	tr := newTestTracker(t, &clock)
	ctx := context.Background()

	if _, err := tr.RecordReading(ctx, 2.50, ""); err != nil {
		t.Fatal(err)
	}

	// A correction downward inside the month is not a reset.
	clock = time.Date(2025, 6, 11, 12, 0, 0, 0, time.UTC)
	result, err := tr.RecordReading(ctx, 2.40, "console correction")
	if err != nil {
		t.Fatal(err)
	}
	if result.ResetDetected {
		t.Error("same-month drop must not be a reset")
	}
}

func TestNoResetWhenValueKeepsClimbing(t *testing.T) {
	clock := time.Date(2025, 6, 28, 12, 0, 0, 0, time.UTC)
	tr := newTestTracker(t, &clock)
	ctx := context.Background()

	if _, err := tr.RecordReading(ctx, 2.50, ""); err != nil {
		t.Fatal(err)
	}

	// Month changed but the counter kept climbing above the near-zero floor:
	// the billing period evidently has not reset yet.
	clock = time.Date(2025, 7, 2, 12, 0, 0, 0, time.UTC)
	result, err := tr.RecordReading(ctx, 3.10, "")
	if err != nil {
		t.Fatal(err)
	}
	if result.ResetDetected {
		t.Error("climbing counter must not be a reset")
	}

	period, err := tr.Period(ctx, "2025-06")
	if err != nil {
		t.Fatal(err)
	}
	if period.Finalized {
		t.Error("June must stay open without a reset")
	}
}

func TestInitialReadingReminder(t *testing.T) {
	clock := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	tr := newTestTracker(t, &clock)

	status, err := tr.ReminderStatus(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if status.State != models.OdometerNeedsReading {
		t.Errorf("state %s, want %s", status.State, models.OdometerNeedsReading)
	}
	if !hasReminder(status, models.ReminderInitialReading, models.UrgencyMedium) {
		t.Errorf("expected an initial reading reminder, got %v", status.Reminders)
	}
	if status.DaysUntilReset != 20 {
		t.Errorf("days until reset %d, want 20", status.DaysUntilReset)
	}
	if status.LastReadingAgeDays != nil {
		t.Error("no reading yet, age must be nil")
	}
}

func TestMonthEndReminderEscalates(t *testing.T) {
	clock := time.Date(2025, 6, 28, 12, 0, 0, 0, time.UTC)
	tr := newTestTracker(t, &clock)
	ctx := context.Background()

	if _, err := tr.RecordReading(ctx, 2.50, ""); err != nil {
		t.Fatal(err)
	}

	status, err := tr.ReminderStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.State != models.OdometerApproachingReset {
		t.Errorf("state %s, want %s", status.State, models.OdometerApproachingReset)
	}
	if !hasReminder(status, models.ReminderMonthEnd, models.UrgencyMedium) {
		t.Errorf("expected a medium month-end reminder, got %v", status.Reminders)
	}

	clock = time.Date(2025, 6, 30, 12, 0, 0, 0, time.UTC)
	status, err = tr.ReminderStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !hasReminder(status, models.ReminderMonthEnd, models.UrgencyHigh) {
		t.Errorf("expected a high month-end reminder on the last day, got %v", status.Reminders)
	}
}

func TestStaleDataReminder(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr := newTestTracker(t, &clock)
	ctx := context.Background()

	if _, err := tr.RecordReading(ctx, 0.50, ""); err != nil {
		t.Fatal(err)
	}

	clock = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	status, err := tr.ReminderStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.State != models.OdometerStale {
		t.Errorf("state %s, want %s", status.State, models.OdometerStale)
	}
	if !hasReminder(status, models.ReminderStaleData, models.UrgencyLow) {
		t.Errorf("expected a stale data reminder, got %v", status.Reminders)
	}
	if status.LastReadingAgeDays == nil || *status.LastReadingAgeDays != 9 {
		t.Errorf("expected age 9 days, got %v", status.LastReadingAgeDays)
	}
}

func TestMissedMonthEndReminder(t *testing.T) {
	clock := time.Date(2025, 6, 20, 12, 0, 0, 0, time.UTC)
	tr := newTestTracker(t, &clock)
	ctx := context.Background()

	if _, err := tr.RecordReading(ctx, 2.50, ""); err != nil {
		t.Fatal(err)
	}

	// Early July, and June was never finalized.
	clock = time.Date(2025, 7, 2, 12, 0, 0, 0, time.UTC)
	status, err := tr.ReminderStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !hasReminder(status, models.ReminderMissedMonthEnd, models.UrgencyHigh) {
		t.Errorf("expected a missed month-end reminder, got %v", status.Reminders)
	}

	// A reset reading finalizes June and clears the reminder.
	if _, err := tr.RecordReading(ctx, 0.05, ""); err != nil {
		t.Fatal(err)
	}
	status, err = tr.ReminderStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if hasReminder(status, models.ReminderMissedMonthEnd, models.UrgencyHigh) {
		t.Errorf("reminder must clear once June is finalized, got %v", status.Reminders)
	}
}

func hasReminder(status models.ReminderStatus, typ, urgency string) bool {
	for _, r := range status.Reminders {
		if r.Type == typ && r.Urgency == urgency {
			return true
		}
	}
	return false
}
