package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/finch-ai/finch/pkg/models"
)

type fakeLedger struct {
	lastSessionType string
}

func (f *fakeLedger) Status(ctx context.Context) (models.BudgetStatus, error) {
	return models.BudgetStatus{
		Allocated: 2.00,
		Remaining: 1.50,
		Spent:     0.50,
		Available: 1.20,
		ProviderBreakdown: map[models.Provider]models.ProviderSpend{
			models.ProviderAnthropic: {Cost: 0.50, Sessions: 3},
		},
		Health: models.HealthGood,
	}, nil
}

func (f *fakeLedger) CanAfford(ctx context.Context, cost float64, includeReserve bool) (models.Affordability, error) {
	if cost <= 1.20 {
		return models.Affordability{CanAfford: true, Cost: cost, Remaining: 1.50, Available: 1.20}, nil
	}
	return models.Affordability{CanAfford: false, Reason: "insufficient budget", Cost: cost, Available: 1.20}, nil
}

func (f *fakeLedger) EstimateCost(provider models.Provider, model string, inputTokens, outputTokens int64) float64 {
	return 0.5
}

func (f *fakeLedger) RecordUsage(ctx context.Context, provider models.Provider, model string,
	inputTokens, outputTokens int64, sessionType, notes string, emergencyOverride bool) (models.UsageResult, error) {
	f.lastSessionType = sessionType
	return models.UsageResult{
		Recorded: true, Cost: 0.5, Provider: provider, Model: model, RemainingAfter: 1.0,
	}, nil
}

func (f *fakeLedger) UsageSummary(ctx context.Context, days int) (models.UsageSummary, error) {
	return models.UsageSummary{PeriodDays: days}, nil
}

func (f *fakeLedger) Override(ctx context.Context, remaining float64, total *float64, periodEnd *time.Time, reason string) (models.BudgetAllocation, error) {
	alloc := models.BudgetAllocation{Allocated: 2.00, Remaining: remaining}
	if total != nil {
		alloc.Allocated = *total
	}
	return alloc, nil
}

type fakeOdometer struct{}

func (f *fakeOdometer) RecordReading(ctx context.Context, value float64, notes string) (models.ReadingResult, error) {
	return models.ReadingResult{Recorded: true, Month: "2025-06", Value: value, DailyEstimate: 0.25}, nil
}

func (f *fakeOdometer) ReminderStatus(ctx context.Context) (models.ReminderStatus, error) {
	return models.ReminderStatus{State: models.OdometerNormal, DaysUntilReset: 20}, nil
}

func (f *fakeOdometer) View(ctx context.Context) (models.OdometerView, error) {
	return models.OdometerView{HasData: true, Month: "2025-06", CumulativeCost: 2.50, DayOfMonth: 10}, nil
}

type fakeReconciler struct{}

func (f *fakeReconciler) Summary(ctx context.Context, windowDays int) (models.ReconciliationSummary, error) {
	return models.ReconciliationSummary{PeriodDays: windowDays}, nil
}

type rpcResponse struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// runServer feeds requests through a server wired to fakes and decodes every
// response line.
func runServer(t *testing.T, s *Server, requests ...string) []rpcResponse {
	t.Helper()
	var out bytes.Buffer
	input := strings.Join(requests, "\n") + "\n"

	if err := s.Run(context.Background(), strings.NewReader(input), &out); err != nil {
		t.Fatal(err)
	}

	var responses []rpcResponse
	for _, line := range strings.Split(strings.TrimSpace(out.String()), "\n") {
		if line == "" {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("bad response line %q: %v", line, err)
		}
		responses = append(responses, resp)
	}
	return responses
}

func newTestServer() *Server {
	return New(&fakeLedger{}, &fakeOdometer{}, &fakeReconciler{}, "test")
}

func TestInitializeAndToolsList(t *testing.T) {
	responses := runServer(t, newTestServer(),
		`{"jsonrpc":"2.0","id":1,"method":"initialize"}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
	)

	// The notification produces no response.
	if len(responses) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(responses))
	}

	var init InitializeResult
	if err := json.Unmarshal(responses[0].Result, &init); err != nil {
		t.Fatal(err)
	}
	if init.ProtocolVersion != "2024-11-05" {
		t.Errorf("protocol version %s", init.ProtocolVersion)
	}
	if init.ServerInfo.Name != "finch" {
		t.Errorf("server name %s", init.ServerInfo.Name)
	}

	var list ToolsListResult
	if err := json.Unmarshal(responses[1].Result, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Tools) != 8 {
		t.Errorf("expected 8 tools, got %d", len(list.Tools))
	}
	for _, tool := range list.Tools {
		if !strings.HasPrefix(tool.Name, "finch_") {
			t.Errorf("tool %s missing prefix", tool.Name)
		}
	}
}

func TestToolCallBudgetStatus(t *testing.T) {
	responses := runServer(t, newTestServer(),
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"finch_budget_status","arguments":{}}}`,
	)

	var result ToolCallResult
	if err := json.Unmarshal(responses[0].Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %v", result.Content)
	}
	text := result.Content[0].Text
	if !strings.Contains(text, "GOOD") || !strings.Contains(text, "anthropic") {
		t.Errorf("unexpected status text:\n%s", text)
	}
}

func TestToolCallRecordUsage(t *testing.T) {
	ledger := &fakeLedger{}
	s := New(ledger, nil, nil, "test")

	responses := runServer(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"finch_record_usage","arguments":{"provider":"groq","model":"llama-3.1-8b-instant","input_tokens":1000,"output_tokens":200,"session_type":"batch"}}}`,
	)

	var result ToolCallResult
	if err := json.Unmarshal(responses[0].Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.IsError {
		t.Fatalf("unexpected tool error: %v", result.Content)
	}
	if !strings.Contains(result.Content[0].Text, "Recorded") {
		t.Errorf("unexpected text %q", result.Content[0].Text)
	}
	if ledger.lastSessionType != "batch" {
		t.Errorf("session type %q, want batch", ledger.lastSessionType)
	}
}

func TestToolCallMissingArguments(t *testing.T) {
	responses := runServer(t, newTestServer(),
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"finch_record_usage","arguments":{}}}`,
	)

	var result ToolCallResult
	if err := json.Unmarshal(responses[0].Result, &result); err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Error("missing provider/model must be a tool error")
	}
}

func TestToolCallUnknownTool(t *testing.T) {
	responses := runServer(t, newTestServer(),
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"finch_nope"}}`,
	)

	var result ToolCallResult
	if err := json.Unmarshal(responses[0].Result, &result); err != nil {
		t.Fatal(err)
	}
	if !result.IsError {
		t.Error("unknown tool must be a tool error")
	}
}

func TestUnconfiguredComponents(t *testing.T) {
	s := New(&fakeLedger{}, nil, nil, "test")
	responses := runServer(t, s,
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"finch_odometer_status"}}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"finch_reconcile_summary"}}`,
	)

	for _, resp := range responses {
		var result ToolCallResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			t.Fatal(err)
		}
		if result.IsError {
			t.Errorf("unconfigured component is not an error: %v", result.Content)
		}
		if !strings.Contains(result.Content[0].Text, "not configured") {
			t.Errorf("unexpected text %q", result.Content[0].Text)
		}
	}
}

func TestUnknownMethod(t *testing.T) {
	responses := runServer(t, newTestServer(),
		`{"jsonrpc":"2.0","id":1,"method":"resources/list"}`,
	)

	if responses[0].Error == nil || responses[0].Error.Code != CodeMethodNotFound {
		t.Errorf("expected method-not-found, got %+v", responses[0].Error)
	}
}

func TestParseError(t *testing.T) {
	responses := runServer(t, newTestServer(), `{not json`)

	if responses[0].Error == nil || responses[0].Error.Code != CodeParseError {
		t.Errorf("expected parse error, got %+v", responses[0].Error)
	}
}
