package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/jreplay/internal/diff"
	"github.com/kalambet/jreplay/internal/journey"
	"github.com/kalambet/jreplay/internal/playback"
	"github.com/kalambet/jreplay/internal/replay"
	"github.com/kalambet/jreplay/internal/script"
	"github.com/kalambet/jreplay/internal/storage"
	"github.com/kalambet/jreplay/internal/timeline"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Sessions *replay.Manager // optional; built from Store when nil
}

// NewMCPServer creates an MCP server with the read-only run analysis tools
// and the runs resource registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	deps = deps.withDefaults()

	s := server.NewMCPServer(
		"jreplay",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("jreplay: inspect recorded workflow runs. Durations are milliseconds, costs are micro-units."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("list_runs",
			mcp.WithDescription("List imported runs, most recent first."),
			mcp.WithNumber("limit", mcp.Description("Maximum number of runs (default 20)")),
		),
		mcpListRuns(deps),
	)

	s.AddTool(
		mcp.NewTool("run_metrics",
			mcp.WithDescription("Performance metrics of a run: totals, percentiles, per-type and per-model breakdowns."),
			mcp.WithString("run_id", mcp.Description("Run id"), mcp.Required()),
		),
		mcpRunMetrics(deps),
	)

	s.AddTool(
		mcp.NewTool("step_diff",
			mcp.WithDescription("Context changes a step made, compared with the step before it."),
			mcp.WithString("run_id", mcp.Description("Run id"), mcp.Required()),
			mcp.WithString("step_id", mcp.Description("Step id"), mcp.Required()),
		),
		mcpStepDiff(deps),
	)

	s.AddTool(
		mcp.NewTool("search_timeline",
			mcp.WithDescription("Timeline items of a run matching a text query, statuses or a Lua predicate."),
			mcp.WithString("run_id", mcp.Description("Run id"), mcp.Required()),
			mcp.WithString("query", mcp.Description("Case-insensitive text matched against name, type and description")),
			mcp.WithString("status", mcp.Description("Comma-separated statuses, e.g. failed,skipped")),
			mcp.WithString("where", mcp.Description("Lua expression over item, e.g. item.durationMs > 1000")),
		),
		mcpSearchTimeline(deps),
	)

	s.AddTool(
		mcp.NewTool("bottlenecks",
			mcp.WithDescription("Steps of a run whose duration is anomalously high, slowest first."),
			mcp.WithString("run_id", mcp.Description("Run id"), mcp.Required()),
		),
		mcpBottlenecks(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"jreplay://runs",
			"Imported Runs",
			mcp.WithResourceDescription("Last 20 imported runs as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRuns(deps),
	)

	return s
}

func (d MCPDeps) withDefaults() MCPDeps {
	if d.Sessions == nil {
		d.Sessions = replay.NewManager(d.Store, replay.Options{
			Scheduler: &playback.ManualScheduler{},
			Playback:  playback.DefaultConfig(),
		})
	}
	return d
}

// withSession opens the run named by the run_id argument for the duration
// of fn.
func withSession(deps MCPDeps, req mcp.CallToolRequest, fn func(*replay.Session) *mcp.CallToolResult) *mcp.CallToolResult {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcpError("run_id is required")
	}
	s, err := deps.Sessions.Open(runID)
	if errors.Is(err, storage.ErrNotFound) {
		return mcpError(fmt.Sprintf("run %s not found", runID))
	}
	if err != nil {
		return mcpError(fmt.Sprintf("failed to load run: %v", err))
	}
	defer deps.Sessions.Close(s.ID)
	return fn(s)
}

func mcpJSON(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err))
	}
	return mcpText(string(b))
}

func mcpListRuns(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}
		runs, err := deps.Store.ListRuns(limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list runs: %v", err)), nil
		}
		if len(runs) == 0 {
			return mcpText("[]"), nil
		}
		return mcpJSON(runs), nil
	}
}

func mcpRunMetrics(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return withSession(deps, req, func(s *replay.Session) *mcp.CallToolResult {
			m, err := s.GetMetrics()
			if err != nil {
				return mcpError(err.Error())
			}
			return mcpJSON(m)
		}), nil
	}
}

func mcpStepDiff(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		stepID, err := req.RequireString("step_id")
		if err != nil {
			return mcpError("step_id is required"), nil
		}
		return withSession(deps, req, func(s *replay.Session) *mcp.CallToolResult {
			d, err := s.GetStepDiff(stepID)
			if errors.Is(err, replay.ErrUnknownStep) {
				return mcpError(fmt.Sprintf("step %s not found", stepID))
			}
			if err != nil {
				return mcpError(err.Error())
			}
			return mcpJSON(StepDiffResponse{StepID: stepID, Diff: d, Summary: diff.Summary(d)})
		}), nil
	}
}

func mcpSearchTimeline(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		f := timeline.Filters{Query: req.GetString("query", "")}
		for _, st := range splitList(req.GetString("status", "")) {
			status := journey.StepStatus(strings.ToLower(st))
			if !status.Valid() {
				return mcpError(fmt.Sprintf("unknown status %q", st)), nil
			}
			f.Statuses = append(f.Statuses, status)
		}
		if where := req.GetString("where", ""); where != "" {
			pred, err := script.Compile(where)
			if err != nil {
				return mcpError(fmt.Sprintf("invalid where: %v", err)), nil
			}
			defer pred.Close()
			f.Match = pred.Match
		}

		return withSession(deps, req, func(s *replay.Session) *mcp.CallToolResult {
			items, err := s.GetTimelineItems(f)
			if err != nil {
				return mcpError(err.Error())
			}
			type hit struct {
				StepID     string             `json:"stepId"`
				Name       string             `json:"name"`
				Type       string             `json:"type"`
				Status     journey.StepStatus `json:"status"`
				DurationMs int64              `json:"durationMs"`
				HasError   bool               `json:"hasError"`
			}
			hits := make([]hit, len(items))
			for i, it := range items {
				hits[i] = hit{it.ID, it.Name, it.Type, it.Status, it.DurationMs, it.HasError}
			}
			return mcpJSON(hits)
		}), nil
	}
}

func mcpBottlenecks(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return withSession(deps, req, func(s *replay.Session) *mcp.CallToolResult {
			m, err := s.GetMetrics()
			if err != nil {
				return mcpError(err.Error())
			}
			if len(m.Bottlenecks) == 0 {
				return mcpText("[]")
			}
			return mcpJSON(m.Bottlenecks)
		}), nil
	}
}

func mcpResourceRuns(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		runs, err := deps.Store.ListRuns(20)
		if err != nil {
			return nil, fmt.Errorf("failed to list runs: %w", err)
		}
		if runs == nil {
			runs = []storage.RunSummary{}
		}
		b, err := json.Marshal(runs)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal runs: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
