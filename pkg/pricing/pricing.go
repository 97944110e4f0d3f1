package pricing

import (
	"math"

	"github.com/finch-ai/finch/pkg/models"
)

// Rate holds per-token USD rates for one model.
type Rate struct {
	Input  float64
	Output float64
}

// PerMillion builds a Rate from USD-per-million-token figures, the unit
// providers publish pricing in.
func PerMillion(input, output float64) Rate {
	return Rate{Input: input / 1_000_000, Output: output / 1_000_000}
}

// Table maps provider and model to rates.
type Table map[models.Provider]map[string]Rate

// DefaultTable returns the built-in rate table. Groq models bill the same
// rate for input and output tokens.
func DefaultTable() Table {
	return Table{
		models.ProviderAnthropic: {
			"claude-3-5-sonnet-20241022": PerMillion(3.0, 15.0),
			"claude-3-5-haiku-20241022":  PerMillion(0.25, 1.25),
		},
		models.ProviderGroq: {
			"openai/gpt-oss-20b":      PerMillion(0.10, 0.10),
			"openai/gpt-oss-120b":     PerMillion(0.15, 0.15),
			"llama-3.1-8b-instant":    PerMillion(0.05, 0.05),
			"llama-3.3-70b-versatile": PerMillion(0.08, 0.08),
		},
	}
}

// Estimator computes estimated request costs from a rate table. It is a pure
// lookup with no state beyond the table.
type Estimator struct {
	table Table
}

// New creates an Estimator. A nil table uses DefaultTable.
func New(table Table) *Estimator {
	if table == nil {
		table = DefaultTable()
	}
	return &Estimator{table: table}
}

// Estimate returns the estimated USD cost for a request, rounded to six
// decimal places. An unknown model is priced at the most expensive known
// model for the provider: a missing lookup must never under-estimate, since
// under-estimation silently exhausts the budget.
func (e *Estimator) Estimate(provider models.Provider, model string, inputTokens, outputTokens int64) float64 {
	rate, ok := e.table[provider][model]
	if !ok {
		rate = e.fallbackRate(provider)
	}
	cost := float64(inputTokens)*rate.Input + float64(outputTokens)*rate.Output
	return round6(cost)
}

// Known reports whether the provider/model pair has an explicit rate.
func (e *Estimator) Known(provider models.Provider, model string) bool {
	_, ok := e.table[provider][model]
	return ok
}

// fallbackRate returns the most expensive rate for the provider, or across
// the whole table when the provider itself is unknown.
func (e *Estimator) fallbackRate(provider models.Provider) Rate {
	if rates, ok := e.table[provider]; ok {
		return mostExpensive(rates)
	}
	var max Rate
	for _, rates := range e.table {
		r := mostExpensive(rates)
		if r.Input+r.Output > max.Input+max.Output {
			max = r
		}
	}
	return max
}

func mostExpensive(rates map[string]Rate) Rate {
	var max Rate
	for _, r := range rates {
		if r.Input+r.Output > max.Input+max.Output {
			max = r
		}
	}
	return max
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
