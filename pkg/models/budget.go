package models

import "time"

// Provider identifies a pay-per-use LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderGroq      Provider = "groq"
)

// PeriodKind defines the length of a budgeting window.
type PeriodKind string

const (
	PeriodDaily   PeriodKind = "daily"
	PeriodMonthly PeriodKind = "monthly"
)

// BudgetAllocation is one budgeting period's spending envelope.
// Rows are retained after the period ends for audit.
type BudgetAllocation struct {
	ID          int64      `json:"id"`
	PeriodKind  PeriodKind `json:"period_kind"`
	Allocated   float64    `json:"allocated"`
	Remaining   float64    `json:"remaining"`
	PeriodStart time.Time  `json:"period_start"`
	PeriodEnd   time.Time  `json:"period_end"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Affordability is the result of a spend-gating check. CanAfford false is a
// normal outcome, not an error.
type Affordability struct {
	CanAfford bool    `json:"can_afford"`
	Reason    string  `json:"reason,omitempty"`
	Cost      float64 `json:"cost"`
	Remaining float64 `json:"remaining"`
	Available float64 `json:"available"`
	// AfterSpending is what remaining would be if the cost were debited.
	AfterSpending float64 `json:"after_spending,omitempty"`
	Shortfall     float64 `json:"shortfall,omitempty"`
}

// UsageResult is the outcome of recording a spending event.
type UsageResult struct {
	Recorded          bool     `json:"recorded"`
	Reason            string   `json:"reason,omitempty"`
	Cost              float64  `json:"cost"`
	Provider          Provider `json:"provider"`
	Model             string   `json:"model"`
	EmergencyOverride bool     `json:"emergency_override,omitempty"`
	RemainingAfter    float64  `json:"remaining_after"`
	Shortfall         float64  `json:"shortfall,omitempty"`
}

// Alert flags a budget condition that deserves attention.
type Alert string

const (
	AlertLowBudget      Alert = "LOW_BUDGET"
	AlertHighSpend      Alert = "HIGH_SPEND"
	AlertNearingReserve Alert = "NEARING_RESERVE"
)

// Health is the overall budget health tier derived from active alerts.
type Health string

const (
	HealthGood     Health = "GOOD"
	HealthWarning  Health = "WARNING"
	HealthCritical Health = "CRITICAL"
)

// ProviderSpend aggregates one provider's spend for the current period.
type ProviderSpend struct {
	Cost     float64 `json:"cost"`
	Sessions int     `json:"sessions"`
}

// BudgetStatus is the read-only aggregation returned by the ledger.
type BudgetStatus struct {
	Allocated        float64 `json:"allocated"`
	Remaining        float64 `json:"remaining"`
	Spent            float64 `json:"spent"`
	Available        float64 `json:"available"`
	EmergencyReserve float64 `json:"emergency_reserve"`

	ProviderBreakdown map[Provider]ProviderSpend `json:"provider_breakdown"`
	// DriftAccuracy is the recent average absolute reconciliation drift per
	// provider, in percent.
	DriftAccuracy map[Provider]float64 `json:"drift_accuracy,omitempty"`

	Alerts      []Alert   `json:"alerts"`
	Health      Health    `json:"health"`
	LastUpdated time.Time `json:"last_updated"`
}

// RolloverResult reports a completed period rollover.
type RolloverResult struct {
	NewBudget   float64   `json:"new_budget"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}
