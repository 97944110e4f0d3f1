package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/finch-ai/finch/pkg/models"
	"github.com/finch-ai/finch/pkg/pricing"
)

// Machine-readable rejection reasons. Rejections are reported outcomes, not
// errors.
const (
	ReasonInsufficientBudget = "insufficient budget"
	ReasonNoAllocation       = "no daily budget found"
)

// Config holds the ledger's budget policy knobs.
type Config struct {
	// DailyBudget seeds each new daily allocation.
	DailyBudget float64
	// ReserveRatio is the fraction of remaining budget withheld from normal
	// spending, spendable only via emergency override.
	ReserveRatio float64
	// ReserveFloor is the absolute available-budget level below which the
	// NEARING_RESERVE alert fires.
	ReserveFloor float64
}

// Ledger owns the budget allocations and usage records. Debits are
// serialized per ledger: spend gating is human- or session-triggered, not a
// hot path, so a mutex beats optimistic retries.
type Ledger struct {
	db  *sql.DB
	cfg Config
	est *pricing.Estimator

	mu  sync.Mutex
	now func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

const createAllocationsTable = `
CREATE TABLE IF NOT EXISTS budget_allocations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	period_kind TEXT NOT NULL,
	allocated REAL NOT NULL,
	remaining REAL NOT NULL,
	period_start TEXT NOT NULL,
	period_end TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE(period_kind, period_start)
);
`

const createUsageTable = `
CREATE TABLE IF NOT EXISTS usage_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	estimated_cost REAL NOT NULL,
	actual_cost REAL DEFAULT NULL,
	timestamp DATETIME NOT NULL,
	session_type TEXT NOT NULL DEFAULT 'interactive',
	notes TEXT NOT NULL DEFAULT '',
	reconciled INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_usage_provider_time ON usage_records(provider, timestamp);
CREATE INDEX IF NOT EXISTS idx_usage_reconciled ON usage_records(reconciled);
`

// Reconciliation writes to this table, not the ledger; it is created here too
// so drift accuracy queries work on a fresh database.
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

// Open creates a Ledger over the SQLite database at dbPath and runs
// auto-migration. A nil estimator uses the default pricing table.
func Open(dbPath string, cfg Config, est *pricing.Estimator, opts ...Option) (*Ledger, error) {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}

	for _, ddl := range []string{createAllocationsTable, createUsageTable, createJobsTable} {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate ledger db: %w", err)
		}
	}

	if est == nil {
		est = pricing.New(nil)
	}

	l := &Ledger{
		db:  db,
		cfg: cfg,
		est: est,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// EnsurePeriod creates today's daily allocation if it does not exist yet.
// Idempotent: the uniqueness constraint on (period_kind, period_start) makes
// redundant or concurrent calls a no-op.
func (l *Ledger) EnsurePeriod(ctx context.Context) error {
	now := l.now()
	start := dayStart(now)
	end := start.AddDate(0, 0, 1)

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO budget_allocations
		 (period_kind, allocated, remaining, period_start, period_end, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(period_kind, period_start) DO NOTHING`,
		models.PeriodDaily, l.cfg.DailyBudget, l.cfg.DailyBudget,
		dateKey(start), dateKey(end), now, now,
	)
	if err != nil {
		return fmt.Errorf("ensure period: %w", err)
	}
	return nil
}

// CanAfford checks whether a cost fits within the current period's envelope.
// With includeReserve, the configured reserve fraction is held back. Never
// mutates state.
func (l *Ledger) CanAfford(ctx context.Context, cost float64, includeReserve bool) (models.Affordability, error) {
	if err := l.EnsurePeriod(ctx); err != nil {
		return models.Affordability{}, err
	}

	remaining, err := l.remaining(ctx, dayStart(l.now()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Affordability{CanAfford: false, Reason: ReasonNoAllocation, Cost: cost}, nil
		}
		return models.Affordability{}, err
	}

	available := remaining
	if includeReserve {
		available = remaining * (1 - l.cfg.ReserveRatio)
	}

	if cost <= available {
		return models.Affordability{
			CanAfford:     true,
			Cost:          cost,
			Remaining:     remaining,
			Available:     available,
			AfterSpending: remaining - cost,
		}, nil
	}
	return models.Affordability{
		CanAfford: false,
		Reason:    ReasonInsufficientBudget,
		Cost:      cost,
		Remaining: remaining,
		Available: available,
		Shortfall: cost - available,
	}, nil
}

// EstimateCost exposes the ledger's estimator for callers that want the cost
// without recording anything.
func (l *Ledger) EstimateCost(provider models.Provider, model string, inputTokens, outputTokens int64) float64 {
	return l.est.Estimate(provider, model, inputTokens, outputTokens)
}

// RecordUsage estimates the request cost, re-checks affordability, and on
// approval performs the debit and inserts the usage record in one
// transaction. With emergencyOverride the reserve check is skipped, but
// remaining still cannot go negative. A rejection is a normal outcome; only
// persistence failures return an error, and those leave the ledger in its
// pre-call state.
func (l *Ledger) RecordUsage(ctx context.Context, provider models.Provider, model string,
	inputTokens, outputTokens int64, sessionType, notes string, emergencyOverride bool) (models.UsageResult, error) {

	cost := l.est.Estimate(provider, model, inputTokens, outputTokens)
	if sessionType == "" {
		sessionType = models.SessionInteractive
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.EnsurePeriod(ctx); err != nil {
		return models.UsageResult{}, err
	}

	now := l.now()
	startKey := dateKey(dayStart(now))

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return models.UsageResult{}, fmt.Errorf("record usage: %w", err)
	}
	defer tx.Rollback()

	var remaining float64
	err = tx.QueryRowContext(ctx,
		`SELECT remaining FROM budget_allocations WHERE period_kind = ? AND period_start = ?`,
		models.PeriodDaily, startKey,
	).Scan(&remaining)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.UsageResult{Recorded: false, Reason: ReasonNoAllocation, Cost: cost, Provider: provider, Model: model}, nil
		}
		return models.UsageResult{}, fmt.Errorf("record usage: %w", err)
	}

	available := remaining
	if !emergencyOverride {
		available = remaining * (1 - l.cfg.ReserveRatio)
	}
	if cost > available {
		return models.UsageResult{
			Recorded:  false,
			Reason:    ReasonInsufficientBudget,
			Cost:      cost,
			Provider:  provider,
			Model:     model,
			Shortfall: cost - available,
		}, nil
	}

	// Compare-and-decrement backstop: remaining must never go negative even
	// if the envelope moved between the read and the write.
	res, err := tx.ExecContext(ctx,
		`UPDATE budget_allocations SET remaining = remaining - ?, updated_at = ?
		 WHERE period_kind = ? AND period_start = ? AND remaining >= ?`,
		cost, now, models.PeriodDaily, startKey, cost,
	)
	if err != nil {
		return models.UsageResult{}, fmt.Errorf("debit budget: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return models.UsageResult{}, fmt.Errorf("debit budget: %w", err)
	} else if n == 0 {
		return models.UsageResult{
			Recorded: false,
			Reason:   ReasonInsufficientBudget,
			Cost:     cost,
			Provider: provider,
			Model:    model,
		}, nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO usage_records
		 (provider, model, input_tokens, output_tokens, estimated_cost, timestamp, session_type, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		provider, model, inputTokens, outputTokens, cost, now, sessionType, notes,
	)
	if err != nil {
		return models.UsageResult{}, fmt.Errorf("insert usage record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.UsageResult{}, fmt.Errorf("record usage: %w", err)
	}

	return models.UsageResult{
		Recorded:          true,
		Cost:              cost,
		Provider:          provider,
		Model:             model,
		EmergencyOverride: emergencyOverride,
		RemainingAfter:    remaining - cost,
	}, nil
}

// Rollover creates the current period's allocation at the configured amount,
// discarding any unspent remainder. Called at period boundaries by an
// external scheduler, never self-scheduled.
func (l *Ledger) Rollover(ctx context.Context) (models.RolloverResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	start := dayStart(now)
	end := start.AddDate(0, 0, 1)

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO budget_allocations
		 (period_kind, allocated, remaining, period_start, period_end, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(period_kind, period_start) DO UPDATE SET
		   allocated = excluded.allocated,
		   remaining = excluded.remaining,
		   updated_at = excluded.updated_at`,
		models.PeriodDaily, l.cfg.DailyBudget, l.cfg.DailyBudget,
		dateKey(start), dateKey(end), now, now,
	)
	if err != nil {
		return models.RolloverResult{}, fmt.Errorf("rollover period: %w", err)
	}
	return models.RolloverResult{NewBudget: l.cfg.DailyBudget, PeriodStart: start, PeriodEnd: end}, nil
}

// Override directly sets the current allocation's remaining amount from a
// human-observed console value, optionally updating the allocated total and
// period end. The delta between tracked and observed remaining is kept as a
// manual_adjustment usage record so drift a human corrects stays auditable.
func (l *Ledger) Override(ctx context.Context, remaining float64, total *float64, periodEnd *time.Time, reason string) (models.BudgetAllocation, error) {
	if remaining < 0 {
		return models.BudgetAllocation{}, fmt.Errorf("override budget: negative remaining %.2f", remaining)
	}
	if total != nil && *total < remaining {
		return models.BudgetAllocation{}, fmt.Errorf("override budget: total %.2f below remaining %.2f", *total, remaining)
	}
	if reason == "" {
		reason = "console-sync"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.EnsurePeriod(ctx); err != nil {
		return models.BudgetAllocation{}, err
	}

	now := l.now()
	startKey := dateKey(dayStart(now))

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return models.BudgetAllocation{}, fmt.Errorf("override budget: %w", err)
	}
	defer tx.Rollback()

	var tracked float64
	err = tx.QueryRowContext(ctx,
		`SELECT remaining FROM budget_allocations WHERE period_kind = ? AND period_start = ?`,
		models.PeriodDaily, startKey,
	).Scan(&tracked)
	if err != nil {
		return models.BudgetAllocation{}, fmt.Errorf("override budget: %w", err)
	}

	query := `UPDATE budget_allocations SET remaining = ?, updated_at = ?`
	args := []any{remaining, now}
	if total != nil {
		query += `, allocated = ?`
		args = append(args, *total)
	}
	if periodEnd != nil {
		query += `, period_end = ?`
		args = append(args, dateKey(*periodEnd))
	}
	query += ` WHERE period_kind = ? AND period_start = ?`
	args = append(args, models.PeriodDaily, startKey)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return models.BudgetAllocation{}, fmt.Errorf("override budget: %w", err)
	}

	// Adjustment records are born reconciled so the batch job never rescales
	// them.
	delta := tracked - remaining
	_, err = tx.ExecContext(ctx,
		`INSERT INTO usage_records
		 (provider, model, input_tokens, output_tokens, estimated_cost, actual_cost, timestamp, session_type, notes, reconciled)
		 VALUES ('', '', 0, 0, ?, ?, ?, ?, ?, 1)`,
		delta, delta, now, models.SessionManualAdjustment, reason,
	)
	if err != nil {
		return models.BudgetAllocation{}, fmt.Errorf("override budget: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.BudgetAllocation{}, fmt.Errorf("override budget: %w", err)
	}
	return l.allocation(ctx, startKey)
}

// Allocation returns the current period's allocation row.
func (l *Ledger) Allocation(ctx context.Context) (models.BudgetAllocation, error) {
	if err := l.EnsurePeriod(ctx); err != nil {
		return models.BudgetAllocation{}, err
	}
	return l.allocation(ctx, dateKey(dayStart(l.now())))
}

func (l *Ledger) allocation(ctx context.Context, startKey string) (models.BudgetAllocation, error) {
	var a models.BudgetAllocation
	var start, end string
	err := l.db.QueryRowContext(ctx,
		`SELECT id, period_kind, allocated, remaining, period_start, period_end, created_at, updated_at
		 FROM budget_allocations WHERE period_kind = ? AND period_start = ?`,
		models.PeriodDaily, startKey,
	).Scan(&a.ID, &a.PeriodKind, &a.Allocated, &a.Remaining, &start, &end, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return models.BudgetAllocation{}, fmt.Errorf("load allocation: %w", err)
	}
	a.PeriodStart, _ = time.Parse("2006-01-02", start)
	a.PeriodEnd, _ = time.Parse("2006-01-02", end)
	return a, nil
}

func (l *Ledger) remaining(ctx context.Context, start time.Time) (float64, error) {
	var remaining float64
	err := l.db.QueryRowContext(ctx,
		`SELECT remaining FROM budget_allocations WHERE period_kind = ? AND period_start = ?`,
		models.PeriodDaily, dateKey(start),
	).Scan(&remaining)
	return remaining, err
}

// Close releases the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func dateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
