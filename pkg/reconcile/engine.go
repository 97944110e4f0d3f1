package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/finch-ai/finch/pkg/models"
)

// ErrUnavailable means a provider's actual billed total could not be
// obtained. Recoverable: the next scheduled run retries, no records are
// touched in the meantime.
var ErrUnavailable = errors.New("actual cost unavailable")

// ActualCostSource fetches a provider's independently reported billed total
// for one day. Same-day queries may legitimately return ErrUnavailable.
type ActualCostSource interface {
	ActualCost(ctx context.Context, day time.Time) (float64, error)
}

// Engine corrects estimated costs against provider-reported actuals. It
// reads the ledger's usage records and exclusively owns the actual-cost and
// reconciled-flag mutation; the ledger never touches those fields.
type Engine struct {
	db      *sql.DB
	sources map[models.Provider]ActualCostSource
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

const createJobsTable = `
CREATE TABLE IF NOT EXISTS reconciliation_jobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	provider TEXT NOT NULL,
	job_date TEXT NOT NULL,
	estimated_total REAL NOT NULL,
	actual_total REAL NOT NULL,
	drift_pct REAL NOT NULL,
	records_reconciled INTEGER NOT NULL,
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	reconciled_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_provider_date ON reconciliation_jobs(provider, job_date);
`

// Open creates an Engine over the ledger's database file. Each provider with
// a source gets reconciled; providers without one are skipped by ReconcileAll.
func Open(dbPath string, sources map[models.Provider]ActualCostSource, opts ...Option) (*Engine, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open reconcile db: %w", err)
	}
	if _, err := db.Exec(createJobsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate reconcile db: %w", err)
	}

	e := &Engine{
		db:      db,
		sources: sources,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ReconcileProvider reconciles one provider's usage for one past day.
//
// The external fetch happens before the transaction begins, so a slow or
// failing provider call never holds a write lock. On fetch failure no record
// is mutated and the job is logged as failed; estimates stand until a retry
// succeeds. On success the day's actual total is redistributed across the
// records in proportion to each record's share of the estimated total,
// preserving the relative ordering of expensive calls while correcting the
// absolute sum.
func (e *Engine) ReconcileProvider(ctx context.Context, provider models.Provider, day time.Time) (models.ReconciliationResult, error) {
	day = dayStart(day)

	ids, estimates, estimatedTotal, err := e.unreconciled(ctx, provider, day)
	if err != nil {
		return models.ReconciliationResult{}, err
	}

	result := models.ReconciliationResult{Provider: provider, Date: day, EstimatedTotal: estimatedTotal}

	if len(ids) == 0 {
		// Nothing to reconcile is a trivial success, still logged for audit
		// continuity.
		result.Success = true
		if err := e.appendJob(ctx, nil, result); err != nil {
			return models.ReconciliationResult{}, err
		}
		return result, nil
	}

	src, ok := e.sources[provider]
	if !ok {
		result.Error = fmt.Sprintf("no actual cost source for provider %q", provider)
		if err := e.appendJob(ctx, nil, result); err != nil {
			return models.ReconciliationResult{}, err
		}
		return result, nil
	}

	actual, err := src.ActualCost(ctx, day)
	if err != nil {
		result.Error = err.Error()
		if err := e.appendJob(ctx, nil, result); err != nil {
			return models.ReconciliationResult{}, err
		}
		return result, nil
	}

	result.ActualTotal = actual
	result.DriftPct = driftPct(estimatedTotal, actual)

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return models.ReconciliationResult{}, fmt.Errorf("reconcile: %w", err)
	}
	defer tx.Rollback()

	// A zero or negative estimated total would make the scale factor
	// undefined; the rescale becomes a no-op rather than proceeding with a
	// meaningless division. Same for a non-positive actual.
	if estimatedTotal > 0 && actual > 0 {
		scale := actual / estimatedTotal
		for i, id := range ids {
			res, err := tx.ExecContext(ctx,
				`UPDATE usage_records SET actual_cost = ?, reconciled = 1
				 WHERE id = ? AND reconciled = 0`,
				estimates[i]*scale, id,
			)
			if err != nil {
				return models.ReconciliationResult{}, fmt.Errorf("rescale record %d: %w", id, err)
			}
			if n, err := res.RowsAffected(); err != nil {
				return models.ReconciliationResult{}, fmt.Errorf("rescale record %d: %w", id, err)
			} else if n > 0 {
				result.RecordsReconciled++
			}
		}
	}

	result.Success = true
	if err := e.appendJob(ctx, tx, result); err != nil {
		return models.ReconciliationResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.ReconciliationResult{}, fmt.Errorf("reconcile: %w", err)
	}
	return result, nil
}

// ReconcileAll reconciles every provider that has a configured source, in
// stable order. Jobs for different providers touch disjoint records.
func (e *Engine) ReconcileAll(ctx context.Context, day time.Time) ([]models.ReconciliationResult, error) {
	providers := make([]models.Provider, 0, len(e.sources))
	for p := range e.sources {
		providers = append(providers, p)
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i] < providers[j] })

	results := make([]models.ReconciliationResult, 0, len(providers))
	for _, p := range providers {
		r, err := e.ReconcileProvider(ctx, p, day)
		if err != nil {
			return results, err
		}
		results = append(results, r)
	}
	return results, nil
}

// DailyBatch reconciles a trailing window, starting with yesterday. Today is
// always skipped: same-day actuals are rarely final.
func (e *Engine) DailyBatch(ctx context.Context, daysBack int) ([]models.ReconciliationResult, error) {
	var results []models.ReconciliationResult
	today := dayStart(e.now())
	for i := 1; i <= daysBack; i++ {
		day := today.AddDate(0, 0, -i)
		dayResults, err := e.ReconcileAll(ctx, day)
		results = append(results, dayResults...)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// Summary reports reconciliation accuracy over a trailing window.
func (e *Engine) Summary(ctx context.Context, windowDays int) (models.ReconciliationSummary, error) {
	cutoff := dateKey(dayStart(e.now()).AddDate(0, 0, -windowDays))

	summary := models.ReconciliationSummary{
		PeriodDays: windowDays,
		Providers:  make(map[models.Provider]models.ProviderDrift),
	}

	rows, err := e.db.QueryContext(ctx,
		`SELECT provider, COUNT(*), AVG(ABS(drift_pct)), AVG(drift_pct),
		        SUM(estimated_total), SUM(actual_total)
		 FROM reconciliation_jobs
		 WHERE job_date > ? AND status = ?
		 GROUP BY provider`,
		cutoff, models.JobReconciled,
	)
	if err != nil {
		return models.ReconciliationSummary{}, fmt.Errorf("reconcile summary: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p models.Provider
		var d models.ProviderDrift
		if err := rows.Scan(&p, &d.Jobs, &d.AvgAbsDriftPct, &d.AvgDriftPct, &d.TotalEstimated, &d.TotalActual); err != nil {
			return models.ReconciliationSummary{}, fmt.Errorf("scan summary: %w", err)
		}
		summary.Providers[p] = d
	}
	if err := rows.Err(); err != nil {
		return models.ReconciliationSummary{}, err
	}

	if len(summary.Providers) > 0 {
		var sum float64
		for _, d := range summary.Providers {
			sum += d.AvgAbsDriftPct
		}
		summary.AvgAbsDriftPct = sum / float64(len(summary.Providers))
	}

	jobs, err := e.recentJobs(ctx, cutoff, 20)
	if err != nil {
		return models.ReconciliationSummary{}, err
	}
	summary.RecentJobs = jobs
	return summary, nil
}

func (e *Engine) recentJobs(ctx context.Context, cutoff string, limit int) ([]models.ReconciliationJob, error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT id, provider, job_date, estimated_total, actual_total, drift_pct,
		        records_reconciled, status, error, reconciled_at
		 FROM reconciliation_jobs
		 WHERE job_date > ?
		 ORDER BY reconciled_at DESC
		 LIMIT ?`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.ReconciliationJob
	for rows.Next() {
		var j models.ReconciliationJob
		var jobDate string
		if err := rows.Scan(&j.ID, &j.Provider, &jobDate, &j.EstimatedTotal, &j.ActualTotal,
			&j.DriftPct, &j.RecordsReconciled, &j.Status, &j.Error, &j.ReconciledAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.JobDate, _ = time.Parse("2006-01-02", jobDate)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// unreconciled loads the ids and estimates of a provider's unreconciled
// records for one day.
func (e *Engine) unreconciled(ctx context.Context, provider models.Provider, day time.Time) (ids []int64, estimates []float64, total float64, err error) {
	rows, err := e.db.QueryContext(ctx,
		`SELECT id, estimated_cost FROM usage_records
		 WHERE provider = ? AND timestamp >= ? AND timestamp < ? AND reconciled = 0`,
		provider, day, day.AddDate(0, 0, 1),
	)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("load unreconciled: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var estimated float64
		if err := rows.Scan(&id, &estimated); err != nil {
			return nil, nil, 0, fmt.Errorf("scan unreconciled: %w", err)
		}
		ids = append(ids, id)
		estimates = append(estimates, estimated)
		total += estimated
	}
	return ids, estimates, total, rows.Err()
}

// appendJob writes the audit row, inside tx when one is open.
func (e *Engine) appendJob(ctx context.Context, tx *sql.Tx, r models.ReconciliationResult) error {
	status := models.JobFailed
	if r.Success {
		status = models.JobReconciled
	}
	query := `INSERT INTO reconciliation_jobs
		 (provider, job_date, estimated_total, actual_total, drift_pct, records_reconciled, status, error, reconciled_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := []any{r.Provider, dateKey(r.Date), r.EstimatedTotal, r.ActualTotal,
		r.DriftPct, r.RecordsReconciled, status, r.Error, e.now()}

	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = e.db.ExecContext(ctx, query, args...)
	}
	if err != nil {
		return fmt.Errorf("append reconciliation job: %w", err)
	}
	return nil
}

// driftPct is (estimated - actual) / actual * 100, with a guard for the
// undefined zero-actual ratio: 0/0 is 0%, anything/0 is 100%.
func driftPct(estimated, actual float64) float64 {
	if actual == 0 {
		if estimated == 0 {
			return 0
		}
		return 100
	}
	return (estimated - actual) / actual * 100
}

// Close releases the database connection.
func (e *Engine) Close() error {
	return e.db.Close()
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func dateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
