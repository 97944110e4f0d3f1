package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/finch-ai/finch/pkg/models"
	"github.com/finch-ai/finch/pkg/pricing"
)

// Config holds all Finch configuration.
type Config struct {
	DBPath    string          `yaml:"db_path"`
	Budget    BudgetConfig    `yaml:"budget"`
	Pricing   PricingConfig   `yaml:"pricing"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

// BudgetConfig controls the virtual budget envelope.
type BudgetConfig struct {
	Daily        float64 `yaml:"daily"`
	Monthly      float64 `yaml:"monthly"`
	ReserveRatio float64 `yaml:"reserve_ratio"`
	ReserveFloor float64 `yaml:"reserve_floor"`
}

// ModelRate is a per-million-token rate override for one model.
type ModelRate struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// PricingConfig maps provider and model to rate overrides. Empty means the
// built-in table.
type PricingConfig map[models.Provider]map[string]ModelRate

// ReconcileConfig controls the daily reconciliation batch.
type ReconcileConfig struct {
	// Schedule is a cron expression; empty disables the scheduler.
	Schedule string `yaml:"schedule"`
	DaysBack int    `yaml:"days_back"`
	// CacheTTL is how long fetched actual-cost values stay fresh; MaxStale
	// bounds how old a cached value may be when served after a fetch failure.
	CacheTTL  time.Duration   `yaml:"cache_ttl"`
	MaxStale  time.Duration   `yaml:"max_stale"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
}

// AnthropicConfig holds access to the Anthropic cost report API.
type AnthropicConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		DBPath: "finch.db",
		Budget: BudgetConfig{
			Daily:        2.00,
			Monthly:      60.00,
			ReserveRatio: 0.20,
			ReserveFloor: 0.50,
		},
		Reconcile: ReconcileConfig{
			Schedule: "0 6 * * *",
			DaysBack: 2,
			CacheTTL: 12 * time.Hour,
			MaxStale: 72 * time.Hour,
			Anthropic: AnthropicConfig{
				BaseURL: "https://api.anthropic.com",
			},
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Table builds the pricing table: the built-in defaults overlaid with any
// configured per-model rates.
func (c *Config) Table() pricing.Table {
	table := pricing.DefaultTable()
	for provider, rates := range c.Pricing {
		if table[provider] == nil {
			table[provider] = make(map[string]pricing.Rate)
		}
		for model, r := range rates {
			table[provider][model] = pricing.PerMillion(r.InputPerMillion, r.OutputPerMillion)
		}
	}
	return table
}
