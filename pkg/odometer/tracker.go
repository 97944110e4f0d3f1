package odometer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/finch-ai/finch/pkg/models"
)

// nearZeroFloor corroborates a reset when the month key changed but the
// console shows essentially nothing spent yet.
const nearZeroFloor = 1.0

// staleAfterDays is how old a reading may get before the stale reminder.
const staleAfterDays = 7

// Tracker converts manual readings of a monotonic cumulative counter into
// daily usage estimates. It detects billing-period resets, finalizes the
// prior period's summary when one is seen, and evaluates reminder policy.
// It never gates spending decisions itself.
type Tracker struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

const createReadingsTable = `
CREATE TABLE IF NOT EXISTS odometer_readings (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	month TEXT NOT NULL,
	cumulative_value REAL NOT NULL,
	is_final INTEGER NOT NULL DEFAULT 0,
	is_reset INTEGER NOT NULL DEFAULT 0,
	notes TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_odometer_month ON odometer_readings(month, timestamp);
`

const createPeriodsTable = `
CREATE TABLE IF NOT EXISTS odometer_periods (
	month TEXT PRIMARY KEY,
	total_cost REAL NOT NULL,
	first_reading TEXT NOT NULL,
	last_reading TEXT NOT NULL,
	reading_count INTEGER NOT NULL,
	finalized INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
`

// Open creates a Tracker over the SQLite database at dbPath and runs
// auto-migration.
func Open(dbPath string, opts ...Option) (*Tracker, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open odometer db: %w", err)
	}
	for _, ddl := range []string{createReadingsTable, createPeriodsTable} {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate odometer db: %w", err)
		}
	}

	t := &Tracker{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// RecordReading stores a manual reading of the cumulative counter. A reset
// is declared when the billing month changed and the value either dropped or
// sits below the near-zero floor; the month-key mismatch is the primary
// signal, the value drop corroboration. On reset the prior month's summary
// is finalized before the new reading is stored.
func (t *Tracker) RecordReading(ctx context.Context, value float64, notes string) (models.ReadingResult, error) {
	now := t.now()
	month := monthKey(now)

	last, err := t.LastReading(ctx)
	if err != nil {
		return models.ReadingResult{}, err
	}

	resetDetected := last != nil && month != last.Month &&
		(value < last.Value || value < nearZeroFloor)

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return models.ReadingResult{}, fmt.Errorf("record reading: %w", err)
	}
	defer tx.Rollback()

	if resetDetected {
		if err := finalizePeriod(ctx, tx, last.Month, last.Value, now); err != nil {
			return models.ReadingResult{}, err
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO odometer_readings (timestamp, month, cumulative_value, is_reset, notes)
		 VALUES (?, ?, ?, ?, ?)`,
		now, month, value, resetDetected, notes,
	)
	if err != nil {
		return models.ReadingResult{}, fmt.Errorf("insert reading: %w", err)
	}

	if err := upsertPeriod(ctx, tx, month, value, now); err != nil {
		return models.ReadingResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return models.ReadingResult{}, fmt.Errorf("record reading: %w", err)
	}

	daily, err := t.dailyEstimate(ctx, month, value, now)
	if err != nil {
		return models.ReadingResult{}, err
	}
	reminders, err := t.ReminderStatus(ctx)
	if err != nil {
		return models.ReadingResult{}, err
	}

	return models.ReadingResult{
		Recorded:      true,
		Month:         month,
		Value:         value,
		ResetDetected: resetDetected,
		DailyEstimate: daily,
		Reminders:     reminders,
		Timestamp:     now,
	}, nil
}

// LastReading returns the most recent reading, or nil if none exists yet.
func (t *Tracker) LastReading(ctx context.Context) (*models.OdometerReading, error) {
	var r models.OdometerReading
	err := t.db.QueryRowContext(ctx,
		`SELECT id, timestamp, month, cumulative_value, is_final, is_reset, notes
		 FROM odometer_readings ORDER BY timestamp DESC, id DESC LIMIT 1`,
	).Scan(&r.ID, &r.Timestamp, &r.Month, &r.Value, &r.IsFinal, &r.IsReset, &r.Notes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last reading: %w", err)
	}
	return &r, nil
}

// Period returns the summary for a billing month, or nil if no readings were
// ever recorded for it. A missing period is an expected outcome.
func (t *Tracker) Period(ctx context.Context, month string) (*models.OdometerPeriod, error) {
	var p models.OdometerPeriod
	var first, last string
	err := t.db.QueryRowContext(ctx,
		`SELECT month, total_cost, first_reading, last_reading, reading_count, finalized
		 FROM odometer_periods WHERE month = ?`, month,
	).Scan(&p.Month, &p.TotalCost, &first, &last, &p.ReadingCount, &p.Finalized)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load period: %w", err)
	}
	p.FirstReading, _ = time.Parse("2006-01-02", first)
	p.LastReading, _ = time.Parse("2006-01-02", last)
	return &p, nil
}

// ReminderStatus evaluates the reminder policy. Conditions are independent
// and additive; several reminders can be active at once.
func (t *Tracker) ReminderStatus(ctx context.Context) (models.ReminderStatus, error) {
	now := t.now()
	state := models.OdometerNormal
	var reminders []models.Reminder

	daysLeft := daysUntilMonthEnd(now)
	if daysLeft <= 3 {
		state = models.OdometerApproachingReset
		urgency := models.UrgencyMedium
		if daysLeft <= 1 {
			urgency = models.UrgencyHigh
		}
		reminders = append(reminders, models.Reminder{
			Type:    models.ReminderMonthEnd,
			Urgency: urgency,
			Message: fmt.Sprintf("usage reading needed in %d days before month reset", daysLeft),
		})
	}

	last, err := t.LastReading(ctx)
	if err != nil {
		return models.ReminderStatus{}, err
	}

	var ageDays *int
	if last != nil {
		age := int(now.Sub(last.Timestamp).Hours() / 24)
		ageDays = &age
		if age > staleAfterDays {
			state = models.OdometerStale
			reminders = append(reminders, models.Reminder{
				Type:    models.ReminderStaleData,
				Urgency: models.UrgencyLow,
				Message: fmt.Sprintf("odometer data is %d days old", age),
			})
		}
	} else {
		state = models.OdometerNeedsReading
		reminders = append(reminders, models.Reminder{
			Type:    models.ReminderInitialReading,
			Urgency: models.UrgencyMedium,
			Message: "no usage data recorded yet, initial reading needed",
		})
	}

	// Without an explicit final reading, a period's true total is
	// unrecoverable once usage resumes in the new one.
	if now.Day() <= 3 {
		prevMonth := monthKey(firstOfMonth(now).AddDate(0, 0, -1))
		period, err := t.Period(ctx, prevMonth)
		if err != nil {
			return models.ReminderStatus{}, err
		}
		if period == nil || !period.Finalized {
			reminders = append(reminders, models.Reminder{
				Type:    models.ReminderMissedMonthEnd,
				Urgency: models.UrgencyHigh,
				Message: fmt.Sprintf("final %s reading was never recorded", prevMonth),
			})
		}
	}

	return models.ReminderStatus{
		State:              state,
		Reminders:          reminders,
		DaysUntilReset:     daysLeft,
		LastReadingAgeDays: ageDays,
	}, nil
}

// View returns the provider-neutral shape consumed by status aggregation.
func (t *Tracker) View(ctx context.Context) (models.OdometerView, error) {
	now := t.now()
	month := monthKey(now)

	var value float64
	var ts time.Time
	err := t.db.QueryRowContext(ctx,
		`SELECT cumulative_value, timestamp FROM odometer_readings
		 WHERE month = ? ORDER BY timestamp DESC, id DESC LIMIT 1`, month,
	).Scan(&value, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return models.OdometerView{HasData: false}, nil
	}
	if err != nil {
		return models.OdometerView{}, fmt.Errorf("odometer view: %w", err)
	}

	day := now.Day()
	average := value / float64(day)
	actual, err := t.dailyEstimate(ctx, month, value, now)
	if err != nil {
		return models.OdometerView{}, err
	}

	return models.OdometerView{
		HasData:        true,
		Month:          month,
		CumulativeCost: value,
		DailyAverage:   average,
		DailyActual:    actual,
		DayOfMonth:     day,
		LastReading:    ts,
	}, nil
}

// dailyEstimate prefers the delta against a prior-day reading in the same
// month; without one it falls back to the running average value/dayOfMonth.
func (t *Tracker) dailyEstimate(ctx context.Context, month string, value float64, now time.Time) (float64, error) {
	average := value / float64(now.Day())

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	var prev float64
	err := t.db.QueryRowContext(ctx,
		`SELECT cumulative_value FROM odometer_readings
		 WHERE month = ? AND timestamp >= ? AND timestamp < ?
		 ORDER BY timestamp DESC, id DESC LIMIT 1`,
		month, dayStart.AddDate(0, 0, -1), dayStart,
	).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return average, nil
	}
	if err != nil {
		return 0, fmt.Errorf("daily estimate: %w", err)
	}

	if delta := value - prev; delta > 0 {
		return delta, nil
	}
	return average, nil
}

func finalizePeriod(ctx context.Context, tx *sql.Tx, month string, finalValue float64, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE odometer_readings SET is_final = 1
		 WHERE id = (SELECT id FROM odometer_readings WHERE month = ?
		             ORDER BY timestamp DESC, id DESC LIMIT 1)`, month)
	if err != nil {
		return fmt.Errorf("finalize reading: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE odometer_periods SET total_cost = ?, finalized = 1, updated_at = ?
		 WHERE month = ?`,
		finalValue, now, month)
	if err != nil {
		return fmt.Errorf("finalize period: %w", err)
	}
	return nil
}

func upsertPeriod(ctx context.Context, tx *sql.Tx, month string, value float64, now time.Time) error {
	day := now.UTC().Format("2006-01-02")
	_, err := tx.ExecContext(ctx,
		`INSERT INTO odometer_periods
		 (month, total_cost, first_reading, last_reading, reading_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?)
		 ON CONFLICT(month) DO UPDATE SET
		   total_cost = excluded.total_cost,
		   last_reading = excluded.last_reading,
		   reading_count = odometer_periods.reading_count + 1,
		   updated_at = excluded.updated_at`,
		month, value, day, day, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert period: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (t *Tracker) Close() error {
	return t.db.Close()
}

func monthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

func firstOfMonth(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func daysUntilMonthEnd(t time.Time) int {
	t = t.UTC()
	lastDay := firstOfMonth(t).AddDate(0, 1, 0).AddDate(0, 0, -1)
	today := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return int(lastDay.Sub(today).Hours() / 24)
}
