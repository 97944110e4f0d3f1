package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	cache "github.com/finch-ai/finch/pkg/cache/sqlite"
	"github.com/finch-ai/finch/pkg/models"
	"github.com/finch-ai/finch/pkg/odometer"
)

// OdometerSource derives a daily actual-cost figure for a provider that only
// exposes a cumulative monthly counter. The latest cumulative reading is
// pro-rated over the days of the target month. Best effort: counter-only
// providers get a daily estimate, not cent-level accuracy.
type OdometerSource struct {
	tracker *odometer.Tracker
}

// NewOdometerSource wraps an odometer tracker as an actual-cost source.
func NewOdometerSource(t *odometer.Tracker) *OdometerSource {
	return &OdometerSource{tracker: t}
}

// ActualCost pro-rates the current cumulative value to a per-day figure.
func (s *OdometerSource) ActualCost(ctx context.Context, day time.Time) (float64, error) {
	view, err := s.tracker.View(ctx)
	if err != nil {
		return 0, err
	}
	if !view.HasData || view.CumulativeCost <= 0 {
		return 0, fmt.Errorf("no odometer reading for current month: %w", ErrUnavailable)
	}

	days := daysInMonth(day)
	return view.CumulativeCost / float64(days), nil
}

func daysInMonth(t time.Time) int {
	t = t.UTC()
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return first.AddDate(0, 1, 0).AddDate(0, 0, -1).Day()
}

// CachedSource wraps another source with the provider cache. Successful
// fetches are stored; when the upstream fails, a cached value within
// MaxStale is served instead, carrying the cache's stale marking in the
// audit trail via the wrapped amount's provenance.
type CachedSource struct {
	Source   ActualCostSource
	Cache    *cache.Cache
	Provider models.Provider
	// MaxStale bounds how old a cached value may be when served as a
	// fallback. Zero disables the fallback entirely.
	MaxStale time.Duration
}

type cachedAmount struct {
	Amount float64 `json:"amount"`
}

// ActualCost fetches from the wrapped source, falling back to the cache on
// failure.
func (s *CachedSource) ActualCost(ctx context.Context, day time.Time) (float64, error) {
	key := "actual-cost:" + dateKey(day)

	amount, err := s.Source.ActualCost(ctx, day)
	if err == nil {
		data, merr := json.Marshal(cachedAmount{Amount: amount})
		if merr == nil {
			// Cache write failures do not fail the fetch.
			_ = s.Cache.Put(ctx, s.Provider, key, data)
		}
		return amount, nil
	}

	if s.MaxStale <= 0 {
		return 0, err
	}
	entry, cerr := s.Cache.GetStale(ctx, s.Provider, key, s.MaxStale)
	if cerr != nil || entry == nil {
		return 0, err
	}
	var cached cachedAmount
	if uerr := json.Unmarshal(entry.Data, &cached); uerr != nil {
		return 0, err
	}
	return cached.Amount, nil
}
