package main

import (
	"errors"
	"io/fs"

	cache "github.com/finch-ai/finch/pkg/cache/sqlite"
	"github.com/finch-ai/finch/pkg/config"
	"github.com/finch-ai/finch/pkg/ledger"
	"github.com/finch-ai/finch/pkg/models"
	"github.com/finch-ai/finch/pkg/odometer"
	"github.com/finch-ai/finch/pkg/pricing"
	"github.com/finch-ai/finch/pkg/reconcile"
)

// loadConfig reads the config file. A missing file at the default path is not
// an error; built-in defaults apply.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) && path == "finch.yaml" {
		return config.Default(), nil
	}
	return cfg, err
}

func openLedger(cfg *config.Config) (*ledger.Ledger, error) {
	return ledger.Open(cfg.DBPath, ledger.Config{
		DailyBudget:  cfg.Budget.Daily,
		ReserveRatio: cfg.Budget.ReserveRatio,
		ReserveFloor: cfg.Budget.ReserveFloor,
	}, pricing.New(cfg.Table()))
}

func openTracker(cfg *config.Config) (*odometer.Tracker, error) {
	return odometer.Open(cfg.DBPath)
}

// openEngine builds the reconciliation engine with one actual-cost source per
// provider: the Anthropic cost report API when a key is configured, and the
// odometer-derived daily estimate for Groq. Both go through the provider
// cache so a flaky upstream can fall back to a recent value.
func openEngine(cfg *config.Config, tracker *odometer.Tracker) (*reconcile.Engine, *cache.Cache, error) {
	c, err := cache.New(cfg.DBPath, cfg.Reconcile.CacheTTL)
	if err != nil {
		return nil, nil, err
	}

	sources := make(map[models.Provider]reconcile.ActualCostSource)
	if cfg.Reconcile.Anthropic.APIKey != "" {
		sources[models.ProviderAnthropic] = &reconcile.CachedSource{
			Source:   reconcile.NewAnthropicSource(cfg.Reconcile.Anthropic.BaseURL, cfg.Reconcile.Anthropic.APIKey),
			Cache:    c,
			Provider: models.ProviderAnthropic,
			MaxStale: cfg.Reconcile.MaxStale,
		}
	}
	if tracker != nil {
		sources[models.ProviderGroq] = &reconcile.CachedSource{
			Source:   reconcile.NewOdometerSource(tracker),
			Cache:    c,
			Provider: models.ProviderGroq,
			MaxStale: cfg.Reconcile.MaxStale,
		}
	}

	eng, err := reconcile.Open(cfg.DBPath, sources)
	if err != nil {
		_ = c.Close()
		return nil, nil, err
	}
	return eng, c, nil
}
