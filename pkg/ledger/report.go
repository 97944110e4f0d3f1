package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/finch-ai/finch/pkg/models"
)

// Status aggregates the current period's budget position, per-provider
// spend, recent reconciliation accuracy, and derived alerts. Read-only.
func (l *Ledger) Status(ctx context.Context) (models.BudgetStatus, error) {
	alloc, err := l.Allocation(ctx)
	if err != nil {
		return models.BudgetStatus{}, err
	}

	now := l.now()
	start := dayStart(now)
	end := start.AddDate(0, 0, 1)

	breakdown := make(map[models.Provider]models.ProviderSpend)
	rows, err := l.db.QueryContext(ctx,
		`SELECT provider, SUM(estimated_cost), COUNT(*)
		 FROM usage_records
		 WHERE timestamp >= ? AND timestamp < ? AND session_type != ?
		 GROUP BY provider`,
		start, end, models.SessionManualAdjustment,
	)
	if err != nil {
		return models.BudgetStatus{}, fmt.Errorf("provider breakdown: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p models.Provider
		var spend models.ProviderSpend
		if err := rows.Scan(&p, &spend.Cost, &spend.Sessions); err != nil {
			return models.BudgetStatus{}, fmt.Errorf("scan breakdown: %w", err)
		}
		breakdown[p] = spend
	}
	if err := rows.Err(); err != nil {
		return models.BudgetStatus{}, err
	}

	drift, err := l.driftAccuracy(ctx, now, 7)
	if err != nil {
		return models.BudgetStatus{}, err
	}

	spent := alloc.Allocated - alloc.Remaining
	available := alloc.Remaining * (1 - l.cfg.ReserveRatio)

	var alerts []models.Alert
	if alloc.Remaining < alloc.Allocated*0.2 {
		alerts = append(alerts, models.AlertLowBudget)
	}
	if spent > alloc.Allocated*0.8 {
		alerts = append(alerts, models.AlertHighSpend)
	}
	if available < l.cfg.ReserveFloor {
		alerts = append(alerts, models.AlertNearingReserve)
	}

	health := models.HealthGood
	switch {
	case len(alerts) >= 2:
		health = models.HealthCritical
	case len(alerts) == 1:
		health = models.HealthWarning
	}

	return models.BudgetStatus{
		Allocated:         alloc.Allocated,
		Remaining:         alloc.Remaining,
		Spent:             spent,
		Available:         available,
		EmergencyReserve:  alloc.Remaining - available,
		ProviderBreakdown: breakdown,
		DriftAccuracy:     drift,
		Alerts:            alerts,
		Health:            health,
		LastUpdated:       alloc.UpdatedAt,
	}, nil
}

// driftAccuracy reads the reconciliation audit trail. Cross-component reads
// are allowed; only the reconciliation engine writes these rows.
func (l *Ledger) driftAccuracy(ctx context.Context, now time.Time, windowDays int) (map[models.Provider]float64, error) {
	cutoff := dateKey(dayStart(now).AddDate(0, 0, -windowDays))
	rows, err := l.db.QueryContext(ctx,
		`SELECT provider, AVG(ABS(drift_pct))
		 FROM reconciliation_jobs
		 WHERE job_date > ? AND status = ?
		 GROUP BY provider`,
		cutoff, models.JobReconciled,
	)
	if err != nil {
		return nil, fmt.Errorf("drift accuracy: %w", err)
	}
	defer rows.Close()

	drift := make(map[models.Provider]float64)
	for rows.Next() {
		var p models.Provider
		var avg float64
		if err := rows.Scan(&p, &avg); err != nil {
			return nil, fmt.Errorf("scan drift: %w", err)
		}
		drift[p] = avg
	}
	return drift, rows.Err()
}

// UsageSummary reports per-provider totals and a per-day breakdown for a
// trailing window. Reconciled records contribute their actual cost to
// TotalCost; unreconciled ones contribute their estimate.
func (l *Ledger) UsageSummary(ctx context.Context, days int) (models.UsageSummary, error) {
	cutoff := l.now().AddDate(0, 0, -days)

	summary := models.UsageSummary{
		PeriodDays:     days,
		ProviderTotals: make(map[models.Provider]models.ProviderTotals),
		DailyBreakdown: make(map[string]map[models.Provider]float64),
	}

	rows, err := l.db.QueryContext(ctx,
		`SELECT provider, input_tokens, output_tokens, estimated_cost, actual_cost, reconciled, timestamp
		 FROM usage_records
		 WHERE timestamp > ? AND session_type != ?`,
		cutoff, models.SessionManualAdjustment,
	)
	if err != nil {
		return models.UsageSummary{}, fmt.Errorf("usage summary: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var provider models.Provider
		var inTok, outTok int64
		var estimated float64
		var actual *float64
		var reconciled bool
		var ts time.Time
		if err := rows.Scan(&provider, &inTok, &outTok, &estimated, &actual, &reconciled, &ts); err != nil {
			return models.UsageSummary{}, fmt.Errorf("scan usage: %w", err)
		}

		total := estimated
		if reconciled && actual != nil {
			total = *actual
		}

		t := summary.ProviderTotals[provider]
		t.Provider = provider
		t.Sessions++
		t.InputTokens += inTok
		t.OutputTokens += outTok
		t.EstimatedCost += estimated
		t.TotalCost += total
		summary.ProviderTotals[provider] = t

		day := dateKey(ts)
		if summary.DailyBreakdown[day] == nil {
			summary.DailyBreakdown[day] = make(map[models.Provider]float64)
		}
		summary.DailyBreakdown[day][provider] += estimated
	}
	if err := rows.Err(); err != nil {
		return models.UsageSummary{}, err
	}

	for _, t := range summary.ProviderTotals {
		summary.TotalEstimated += t.EstimatedCost
		summary.TotalActual += t.TotalCost
	}
	return summary, nil
}
