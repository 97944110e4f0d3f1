package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Scheduler runs the daily reconciliation batch on a cron schedule.
type Scheduler struct {
	engine   *Engine
	schedule string
	daysBack int

	cron    *cron.Cron
	mu      sync.Mutex
	running bool
	logger  *slog.Logger
}

// NewScheduler creates a scheduler. daysBack is the trailing window passed
// to DailyBatch on each run; two covers yesterday plus the day before, which
// picks up jobs that failed on their first attempt.
func NewScheduler(engine *Engine, schedule string, daysBack int) *Scheduler {
	return &Scheduler{
		engine:   engine,
		schedule: schedule,
		daysBack: daysBack,
		cron:     cron.New(),
		logger:   slog.Default().With("component", "reconcile.scheduler"),
	}
}

// Start begins scheduled reconciliation. An empty schedule disables the
// scheduler. The context cancels it.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info("reconcile schedule not configured, skipping scheduler")
		return nil
	}

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}

	if _, err := s.cron.AddFunc(s.schedule, func() { s.runBatch(ctx) }); err != nil {
		return fmt.Errorf("schedule reconciliation: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("reconcile scheduler started", "schedule", s.schedule, "days_back", s.daysBack)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Scheduler) runBatch(ctx context.Context) {
	s.logger.Info("starting scheduled reconciliation batch")

	results, err := s.engine.DailyBatch(ctx, s.daysBack)
	if err != nil {
		s.logger.Error("reconciliation batch failed", "error", err)
		return
	}

	for _, r := range results {
		if r.Success {
			s.logger.Info("reconciled",
				"provider", r.Provider,
				"date", r.Date.Format("2006-01-02"),
				"drift_pct", r.DriftPct,
				"records", r.RecordsReconciled,
			)
		} else {
			s.logger.Warn("reconciliation failed",
				"provider", r.Provider,
				"date", r.Date.Format("2006-01-02"),
				"error", r.Error,
			)
		}
	}
}

// Stop stops the scheduler and waits for a running batch to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil && s.running {
		ctx := s.cron.Stop()
		<-ctx.Done()
		s.running = false
		s.logger.Info("reconcile scheduler stopped")
	}
}

// IsRunning reports whether the scheduler is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
