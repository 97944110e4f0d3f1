package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/finch-ai/finch/pkg/models"
)

// Ledger is the budget ledger surface the server exposes as tools.
type Ledger interface {
	Status(ctx context.Context) (models.BudgetStatus, error)
	CanAfford(ctx context.Context, cost float64, includeReserve bool) (models.Affordability, error)
	EstimateCost(provider models.Provider, model string, inputTokens, outputTokens int64) float64
	RecordUsage(ctx context.Context, provider models.Provider, model string,
		inputTokens, outputTokens int64, sessionType, notes string, emergencyOverride bool) (models.UsageResult, error)
	UsageSummary(ctx context.Context, days int) (models.UsageSummary, error)
	Override(ctx context.Context, remaining float64, total *float64, periodEnd *time.Time, reason string) (models.BudgetAllocation, error)
}

// Odometer is the odometer tracker surface.
type Odometer interface {
	RecordReading(ctx context.Context, value float64, notes string) (models.ReadingResult, error)
	ReminderStatus(ctx context.Context) (models.ReminderStatus, error)
	View(ctx context.Context) (models.OdometerView, error)
}

// Reconciler is the reconciliation engine surface.
type Reconciler interface {
	Summary(ctx context.Context, windowDays int) (models.ReconciliationSummary, error)
}

// Server is a minimal MCP server speaking JSON-RPC 2.0 over stdio.
type Server struct {
	ledger     Ledger
	odometer   Odometer
	reconciler Reconciler
	version    string
}

// New creates an MCP Server. Odometer and reconciler may be nil; their tools
// then report as unconfigured.
func New(ledger Ledger, odo Odometer, rec Reconciler, version string) *Server {
	return &Server{
		ledger:     ledger,
		odometer:   odo,
		reconciler: rec,
		version:    version,
	}
}

// Run reads JSON-RPC requests from r line-by-line and writes responses to w.
// It blocks until r is closed or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(w, Response{
				JSONRPC: "2.0",
				Error:   &RPCError{Code: CodeParseError, Message: "parse error"},
			})
			continue
		}

		resp := s.dispatch(ctx, &req)
		if resp == nil {
			// notification, no response
			continue
		}
		s.writeResponse(w, *resp)
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "notifications/initialized":
		return nil
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown method: %s", req.Method)},
		}
	}
}

func (s *Server) handleInitialize(req *Request) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: InitializeResult{
			ProtocolVersion: "2024-11-05",
			ServerInfo:      ServerInfo{Name: "finch", Version: s.version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		},
	}
}

func (s *Server) handleToolsList(req *Request) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  ToolsListResult{Tools: allTools},
	}
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &RPCError{Code: CodeInvalidParams, Message: "invalid params"},
		}
	}

	handler, ok := toolHandlers[params.Name]
	if !ok {
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: ToolCallResult{
				Content: []ContentBlock{{Type: "text", Text: fmt.Sprintf("unknown tool: %s", params.Name)}},
				IsError: true,
			},
		}
	}

	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  handler(ctx, s, params.Arguments),
	}
}

func (s *Server) writeResponse(w io.Writer, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Printf("mcp: marshal error: %v", err)
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		log.Printf("mcp: write error: %v", err)
	}
}
