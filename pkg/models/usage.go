package models

import "time"

// Session types attached to usage records.
const (
	SessionInteractive      = "interactive"
	SessionBatch            = "batch"
	SessionManualAdjustment = "manual_adjustment"
)

// UsageRecord is one spending event debited against the virtual budget.
// EstimatedCost is immutable after creation; ActualCost is set exactly once,
// by reconciliation, after which Reconciled is true.
type UsageRecord struct {
	ID            int64    `json:"id"`
	Provider      Provider `json:"provider"`
	Model         string   `json:"model"`
	InputTokens   int64    `json:"input_tokens"`
	OutputTokens  int64    `json:"output_tokens"`
	EstimatedCost float64  `json:"estimated_cost"`
	ActualCost    *float64 `json:"actual_cost,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	SessionType   string   `json:"session_type"`
	Notes         string   `json:"notes,omitempty"`
	Reconciled    bool     `json:"reconciled"`
}

// ProviderTotals aggregates usage for one provider over a window.
// TotalCost prefers reconciled actuals over estimates per record.
type ProviderTotals struct {
	Provider      Provider `json:"provider"`
	Sessions      int      `json:"sessions"`
	InputTokens   int64    `json:"input_tokens"`
	OutputTokens  int64    `json:"output_tokens"`
	EstimatedCost float64  `json:"estimated_cost"`
	TotalCost     float64  `json:"total_cost"`
}

// UsageSummary is the trailing-window usage report.
type UsageSummary struct {
	PeriodDays     int                             `json:"period_days"`
	ProviderTotals map[Provider]ProviderTotals     `json:"provider_totals"`
	DailyBreakdown map[string]map[Provider]float64 `json:"daily_breakdown"`
	TotalEstimated float64                         `json:"total_estimated"`
	TotalActual    float64                         `json:"total_actual"`
}
