package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/finch-ai/finch/pkg/models"
)

// toolHandler handles a single tool call.
type toolHandler func(ctx context.Context, s *Server, args json.RawMessage) ToolCallResult

var toolHandlers = map[string]toolHandler{
	"finch_budget_status":     handleBudgetStatus,
	"finch_can_afford":        handleCanAfford,
	"finch_record_usage":      handleRecordUsage,
	"finch_usage_summary":     handleUsageSummary,
	"finch_override_budget":   handleOverrideBudget,
	"finch_odometer_reading":  handleOdometerReading,
	"finch_odometer_status":   handleOdometerStatus,
	"finch_reconcile_summary": handleReconcileSummary,
}

// allTools is the list of tool definitions exposed via tools/list.
var allTools = []ToolDefinition{
	{
		Name:        "finch_budget_status",
		Description: "Show the current period's budget envelope, per-provider spend, alerts, and health.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		Name:        "finch_can_afford",
		Description: "Check whether a request's estimated cost fits the remaining budget without recording anything.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"provider", "model"},
			"properties": map[string]any{
				"provider":      map[string]any{"type": "string", "description": "Provider identifier (anthropic, groq)"},
				"model":         map[string]any{"type": "string", "description": "Model identifier"},
				"input_tokens":  map[string]any{"type": "integer", "description": "Input token count"},
				"output_tokens": map[string]any{"type": "integer", "description": "Output token count"},
				"skip_reserve":  map[string]any{"type": "boolean", "description": "Check against the full remainder, ignoring the emergency reserve"},
			},
		},
	},
	{
		Name:        "finch_record_usage",
		Description: "Record a spending event: estimate its cost and debit the virtual budget.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"provider", "model"},
			"properties": map[string]any{
				"provider":           map[string]any{"type": "string", "description": "Provider identifier (anthropic, groq)"},
				"model":              map[string]any{"type": "string", "description": "Model identifier"},
				"input_tokens":       map[string]any{"type": "integer", "description": "Input token count"},
				"output_tokens":      map[string]any{"type": "integer", "description": "Output token count"},
				"session_type":       map[string]any{"type": "string", "description": "Session tag (default interactive)"},
				"notes":              map[string]any{"type": "string", "description": "Free-text note"},
				"emergency_override": map[string]any{"type": "boolean", "description": "Spend into the emergency reserve"},
			},
		},
	},
	{
		Name:        "finch_usage_summary",
		Description: "Show per-provider usage totals and a per-day breakdown over a trailing window.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"days": map[string]any{"type": "integer", "description": "Window size in days (default 7)"},
			},
		},
	},
	{
		Name:        "finch_override_budget",
		Description: "Directly set the remaining budget from a provider console value, keeping an audit record of the correction.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"remaining"},
			"properties": map[string]any{
				"remaining":  map[string]any{"type": "number", "description": "Remaining budget observed on the console"},
				"total":      map[string]any{"type": "number", "description": "Total budget (optional)"},
				"period_end": map[string]any{"type": "string", "description": "Period end date YYYY-MM-DD (optional)"},
				"reason":     map[string]any{"type": "string", "description": "Reason for the correction"},
			},
		},
	},
	{
		Name:        "finch_odometer_reading",
		Description: "Record a manual reading of a provider's cumulative usage counter.",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []string{"value"},
			"properties": map[string]any{
				"value": map[string]any{"type": "number", "description": "Cumulative value shown on the provider console"},
				"notes": map[string]any{"type": "string", "description": "Free-text note"},
			},
		},
	},
	{
		Name:        "finch_odometer_status",
		Description: "Show odometer state, daily usage estimate, and any reading reminders.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
	},
	{
		Name:        "finch_reconcile_summary",
		Description: "Show reconciliation accuracy per provider over a trailing window.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"days": map[string]any{"type": "integer", "description": "Window size in days (default 7)"},
			},
		},
	},
}

func textResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

func errorResult(text string) ToolCallResult {
	return ToolCallResult{Content: []ContentBlock{{Type: "text", Text: text}}, IsError: true}
}

func handleBudgetStatus(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	status, err := s.ledger.Status(ctx)
	if err != nil {
		return errorResult("Error fetching budget status: " + err.Error())
	}
	return textResult(formatBudgetStatus(status))
}

type usageArgs struct {
	Provider          string `json:"provider"`
	Model             string `json:"model"`
	InputTokens       int64  `json:"input_tokens"`
	OutputTokens      int64  `json:"output_tokens"`
	SessionType       string `json:"session_type"`
	Notes             string `json:"notes"`
	EmergencyOverride bool   `json:"emergency_override"`
	SkipReserve       bool   `json:"skip_reserve"`
}

func handleCanAfford(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args usageArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	if args.Provider == "" || args.Model == "" {
		return errorResult("provider and model are required")
	}

	cost := s.ledger.EstimateCost(models.Provider(args.Provider), args.Model, args.InputTokens, args.OutputTokens)
	aff, err := s.ledger.CanAfford(ctx, cost, !args.SkipReserve)
	if err != nil {
		return errorResult("Error checking affordability: " + err.Error())
	}
	return textResult(formatAffordability(aff))
}

func handleRecordUsage(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args usageArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	if args.Provider == "" || args.Model == "" {
		return errorResult("provider and model are required")
	}

	result, err := s.ledger.RecordUsage(ctx, models.Provider(args.Provider), args.Model,
		args.InputTokens, args.OutputTokens, args.SessionType, args.Notes, args.EmergencyOverride)
	if err != nil {
		return errorResult("Error recording usage: " + err.Error())
	}
	return textResult(formatUsageResult(result))
}

type daysArgs struct {
	Days int `json:"days"`
}

func handleUsageSummary(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args daysArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	if args.Days <= 0 {
		args.Days = 7
	}
	summary, err := s.ledger.UsageSummary(ctx, args.Days)
	if err != nil {
		return errorResult("Error fetching usage summary: " + err.Error())
	}
	return textResult(formatUsageSummary(summary))
}

type overrideArgs struct {
	Remaining float64  `json:"remaining"`
	Total     *float64 `json:"total"`
	PeriodEnd string   `json:"period_end"`
	Reason    string   `json:"reason"`
}

func handleOverrideBudget(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	var args overrideArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}

	var periodEnd *time.Time
	if args.PeriodEnd != "" {
		t, err := time.Parse("2006-01-02", args.PeriodEnd)
		if err != nil {
			return errorResult("Invalid period_end (use YYYY-MM-DD): " + err.Error())
		}
		periodEnd = &t
	}

	alloc, err := s.ledger.Override(ctx, args.Remaining, args.Total, periodEnd, args.Reason)
	if err != nil {
		return errorResult("Error overriding budget: " + err.Error())
	}
	return textResult(formatAllocation(alloc))
}

type readingArgs struct {
	Value float64 `json:"value"`
	Notes string  `json:"notes"`
}

func handleOdometerReading(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.odometer == nil {
		return textResult("Odometer tracking is not configured.")
	}
	var args readingArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	if args.Value < 0 {
		return errorResult("value must be non-negative")
	}
	result, err := s.odometer.RecordReading(ctx, args.Value, args.Notes)
	if err != nil {
		return errorResult("Error recording reading: " + err.Error())
	}
	return textResult(formatReadingResult(result))
}

func handleOdometerStatus(ctx context.Context, s *Server, _ json.RawMessage) ToolCallResult {
	if s.odometer == nil {
		return textResult("Odometer tracking is not configured.")
	}
	view, err := s.odometer.View(ctx)
	if err != nil {
		return errorResult("Error fetching odometer view: " + err.Error())
	}
	status, err := s.odometer.ReminderStatus(ctx)
	if err != nil {
		return errorResult("Error fetching reminder status: " + err.Error())
	}
	return textResult(formatOdometerStatus(view, status))
}

func handleReconcileSummary(ctx context.Context, s *Server, rawArgs json.RawMessage) ToolCallResult {
	if s.reconciler == nil {
		return textResult("Reconciliation is not configured.")
	}
	var args daysArgs
	if len(rawArgs) > 0 {
		_ = json.Unmarshal(rawArgs, &args)
	}
	if args.Days <= 0 {
		args.Days = 7
	}
	summary, err := s.reconciler.Summary(ctx, args.Days)
	if err != nil {
		return errorResult("Error fetching reconciliation summary: " + err.Error())
	}
	return textResult(formatReconcileSummary(summary))
}
