package models

import "time"

// Reconciliation job states.
const (
	JobReconciled = "reconciled"
	JobFailed     = "failed"
)

// ReconciliationJob is one appended audit row per (provider, day) run.
type ReconciliationJob struct {
	ID                int64     `json:"id"`
	Provider          Provider  `json:"provider"`
	JobDate           time.Time `json:"job_date"`
	EstimatedTotal    float64   `json:"estimated_total"`
	ActualTotal       float64   `json:"actual_total"`
	DriftPct          float64   `json:"drift_pct"`
	RecordsReconciled int       `json:"records_reconciled"`
	Status            string    `json:"status"`
	Error             string    `json:"error,omitempty"`
	ReconciledAt      time.Time `json:"reconciled_at"`
}

// ReconciliationResult reports a single reconciliation run to the caller.
type ReconciliationResult struct {
	Provider          Provider  `json:"provider"`
	Date              time.Time `json:"date"`
	EstimatedTotal    float64   `json:"estimated_total"`
	ActualTotal       float64   `json:"actual_total"`
	DriftPct          float64   `json:"drift_pct"`
	RecordsReconciled int       `json:"records_reconciled"`
	Success           bool      `json:"success"`
	Error             string    `json:"error,omitempty"`
}

// ProviderDrift summarizes reconciliation accuracy for one provider.
type ProviderDrift struct {
	Jobs           int     `json:"jobs"`
	AvgAbsDriftPct float64 `json:"avg_abs_drift_pct"`
	AvgDriftPct    float64 `json:"avg_drift_pct"`
	TotalEstimated float64 `json:"total_estimated"`
	TotalActual    float64 `json:"total_actual"`
}

// ReconciliationSummary is the trailing-window accuracy report.
type ReconciliationSummary struct {
	PeriodDays     int                        `json:"period_days"`
	Providers      map[Provider]ProviderDrift `json:"providers"`
	RecentJobs     []ReconciliationJob        `json:"recent_jobs"`
	AvgAbsDriftPct float64                    `json:"avg_abs_drift_pct"`
}
