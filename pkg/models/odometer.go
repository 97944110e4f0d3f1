package models

import "time"

// OdometerState classifies the tracker's current condition.
type OdometerState string

const (
	OdometerNormal           OdometerState = "normal"
	OdometerApproachingReset OdometerState = "approaching_reset"
	OdometerNeedsReading     OdometerState = "needs_reading"
	OdometerStale            OdometerState = "stale"
)

// Reminder types.
const (
	ReminderMonthEnd       = "month_end"
	ReminderStaleData      = "stale_data"
	ReminderInitialReading = "initial_reading"
	ReminderMissedMonthEnd = "missed_month_end"
)

// Reminder urgencies.
const (
	UrgencyLow    = "low"
	UrgencyMedium = "medium"
	UrgencyHigh   = "high"
)

// OdometerReading is one manual point-in-time reading of a provider's
// cumulative usage counter. Month is the billing-period key (YYYY-MM).
type OdometerReading struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Month     string    `json:"month"`
	Value     float64   `json:"value"`
	IsFinal   bool      `json:"is_final"`
	IsReset   bool      `json:"is_reset"`
	Notes     string    `json:"notes,omitempty"`
}

// OdometerPeriod is the per-billing-period rollup, finalized exactly once
// when a reset is detected for the following period.
type OdometerPeriod struct {
	Month        string    `json:"month"`
	TotalCost    float64   `json:"total_cost"`
	FirstReading time.Time `json:"first_reading"`
	LastReading  time.Time `json:"last_reading"`
	ReadingCount int       `json:"reading_count"`
	Finalized    bool      `json:"finalized"`
}

// Reminder is one independent reminder condition. Multiple reminders may be
// active at once; the caller chooses which to surface.
type Reminder struct {
	Type    string `json:"type"`
	Urgency string `json:"urgency"`
	Message string `json:"message"`
}

// ReminderStatus is the full reminder evaluation.
type ReminderStatus struct {
	State              OdometerState `json:"state"`
	Reminders          []Reminder    `json:"reminders"`
	DaysUntilReset     int           `json:"days_until_reset"`
	LastReadingAgeDays *int          `json:"last_reading_age_days,omitempty"`
}

// ReadingResult reports a recorded odometer reading.
type ReadingResult struct {
	Recorded      bool           `json:"recorded"`
	Month         string         `json:"month"`
	Value         float64        `json:"value"`
	ResetDetected bool           `json:"reset_detected"`
	DailyEstimate float64        `json:"daily_estimate"`
	Reminders     ReminderStatus `json:"reminders"`
	Timestamp     time.Time      `json:"timestamp"`
}

// OdometerView is the provider-neutral shape consumed by status aggregation.
// DailyActual is the delta against a prior-day reading when one exists,
// otherwise the running daily average.
type OdometerView struct {
	HasData        bool      `json:"has_data"`
	Month          string    `json:"month,omitempty"`
	CumulativeCost float64   `json:"cumulative_cost"`
	DailyAverage   float64   `json:"daily_average"`
	DailyActual    float64   `json:"daily_actual"`
	DayOfMonth     int       `json:"day_of_month,omitempty"`
	LastReading    time.Time `json:"last_reading,omitzero"`
}
