package reconcile

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"context"
)

const anthropicVersion = "2023-06-01"

// AnthropicSource fetches actual billed totals from the Anthropic
// organization cost report, which buckets costs by day.
type AnthropicSource struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewAnthropicSource creates a source against baseURL (normally
// https://api.anthropic.com) with an admin API key.
func NewAnthropicSource(baseURL, apiKey string) *AnthropicSource {
	return &AnthropicSource{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type costReport struct {
	Data []struct {
		Results []struct {
			Cost json.Number `json:"cost"`
		} `json:"results"`
	} `json:"data"`
}

// ActualCost queries the cost report for one day-aligned window. A zero
// total is reported as unavailable rather than as a confirmed zero, since
// the report lags behind usage.
func (s *AnthropicSource) ActualCost(ctx context.Context, day time.Time) (float64, error) {
	start := day.UTC().Truncate(24 * time.Hour)
	end := start.AddDate(0, 0, 1)

	q := url.Values{}
	q.Set("starting_at", start.Format(time.RFC3339))
	q.Set("ending_at", end.Format(time.RFC3339))
	q.Set("bucket_width", "1d")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.baseURL+"/v1/organizations/cost_report?"+q.Encode(), nil)
	if err != nil {
		return 0, fmt.Errorf("build cost report request: %w", err)
	}
	req.Header.Set("x-api-key", s.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("fetch cost report: %w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("cost report status %d: %w", resp.StatusCode, ErrUnavailable)
	}

	var report costReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return 0, fmt.Errorf("decode cost report: %w", err)
	}

	var total float64
	for _, bucket := range report.Data {
		for _, result := range bucket.Results {
			cost, err := result.Cost.Float64()
			if err != nil {
				continue
			}
			total += cost
		}
	}
	if total <= 0 {
		return 0, fmt.Errorf("cost report empty for %s: %w", dateKey(day), ErrUnavailable)
	}
	return total, nil
}
