package api

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/jreplay/internal/journey"
	"github.com/kalambet/jreplay/internal/metrics"
	"github.com/kalambet/jreplay/internal/storage"
)

// --- helpers ---

func newTestMCPDeps(t *testing.T) (MCPDeps, *storage.Store) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.SaveRun(journey.SampleRun()); err != nil {
		t.Fatalf("saving run: %v", err)
	}
	return MCPDeps{Store: store}, store
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func makeReadResourceRequest(uri string) mcp.ReadResourceRequest {
	return mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{
			URI: uri,
		},
	}
}

func callTool(t *testing.T, h server.ToolHandlerFunc, name string, args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	result, err := h(context.Background(), makeCallToolRequest(name, args))
	if err != nil {
		t.Fatalf("%s: unexpected error: %v", name, err)
	}
	return result
}

// --- tests ---

func TestMCPTool_ListRuns(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	result := callTool(t, mcpListRuns(deps.withDefaults()), "list_runs", map[string]interface{}{"limit": 5})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var runs []storage.RunSummary
	if err := json.Unmarshal([]byte(toolText(t, result)), &runs); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-001" || runs[0].StepCount != 3 {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestMCPTool_ListRuns_Empty(t *testing.T) {
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	defer store.Close()

	result := callTool(t, mcpListRuns((MCPDeps{Store: store}).withDefaults()), "list_runs", nil)
	if got := toolText(t, result); got != "[]" {
		t.Errorf("got %q, want []", got)
	}
}

func TestMCPTool_RunMetrics(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	result := callTool(t, mcpRunMetrics(deps.withDefaults()), "run_metrics", map[string]interface{}{"run_id": "run-001"})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var m metrics.TimelinePerformanceMetrics
	if err := json.Unmarshal([]byte(toolText(t, result)), &m); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if m.TotalDurationMs != 5200 {
		t.Errorf("TotalDurationMs = %d, want 5200", m.TotalDurationMs)
	}
	if m.TokensByModel["gpt-4o"] != 2000 {
		t.Errorf("TokensByModel = %v", m.TokensByModel)
	}
}

func TestMCPTool_RunMetrics_UnknownRun(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	result := callTool(t, mcpRunMetrics(deps.withDefaults()), "run_metrics", map[string]interface{}{"run_id": "ghost"})
	if !result.IsError {
		t.Fatal("expected error result")
	}
	if !strings.Contains(toolText(t, result), "not found") {
		t.Errorf("message = %q", toolText(t, result))
	}
}

func TestMCPTool_RunMetrics_MissingRunID(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	result := callTool(t, mcpRunMetrics(deps.withDefaults()), "run_metrics", nil)
	if !result.IsError {
		t.Fatal("expected error result")
	}
}

func TestMCPTool_StepDiff(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	result := callTool(t, mcpStepDiff(deps.withDefaults()), "step_diff", map[string]interface{}{"run_id": "run-001", "step_id": "s3"})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}

	var resp StepDiffResponse
	if err := json.Unmarshal([]byte(toolText(t, result)), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if resp.Diff.TotalChanges != 1 || len(resp.Diff.AddedKeys) != 1 || resp.Diff.AddedKeys[0] != "notified" {
		t.Errorf("diff = %+v", resp.Diff)
	}
	if resp.Summary == "" {
		t.Error("summary is empty")
	}
}

func TestMCPTool_StepDiff_UnknownStep(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	result := callTool(t, mcpStepDiff(deps.withDefaults()), "step_diff", map[string]interface{}{"run_id": "run-001", "step_id": "nope"})
	if !result.IsError {
		t.Fatal("expected error result")
	}
}

func TestMCPTool_SearchTimeline(t *testing.T) {
	deps, _ := newTestMCPDeps(t)

	tests := []struct {
		name string
		args map[string]interface{}
		want []string
	}{
		{"query", map[string]interface{}{"query": "NOTIFY"}, []string{"s3"}},
		{"where", map[string]interface{}{"where": "item.durationMs >= 100 and item.durationMs < 1000"}, []string{"s1", "s3"}},
		{"status", map[string]interface{}{"status": "failed"}, nil},
		{"none", map[string]interface{}{}, []string{"s1", "s2", "s3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.args["run_id"] = "run-001"
			result := callTool(t, mcpSearchTimeline(deps.withDefaults()), "search_timeline", tt.args)
			if result.IsError {
				t.Fatalf("unexpected error: %s", toolText(t, result))
			}
			var hits []struct {
				StepID string `json:"stepId"`
			}
			if err := json.Unmarshal([]byte(toolText(t, result)), &hits); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			var got []string
			for _, h := range hits {
				got = append(got, h.StepID)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMCPTool_SearchTimeline_BadInput(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	for _, args := range []map[string]interface{}{
		{"run_id": "run-001", "status": "exploded"},
		{"run_id": "run-001", "where": "item.durationMs >"},
	} {
		result := callTool(t, mcpSearchTimeline(deps.withDefaults()), "search_timeline", args)
		if !result.IsError {
			t.Errorf("args %v: expected error result", args)
		}
	}
}

func TestMCPTool_Bottlenecks(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	result := callTool(t, mcpBottlenecks(deps.withDefaults()), "bottlenecks", map[string]interface{}{"run_id": "run-001"})
	if result.IsError {
		t.Fatalf("unexpected error: %s", toolText(t, result))
	}
	var steps []metrics.StepMetrics
	if err := json.Unmarshal([]byte(toolText(t, result)), &steps); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(steps) != 1 || steps[0].StepID != "s2" {
		t.Errorf("bottlenecks = %+v", steps)
	}
}

func TestMCPResource_Runs(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	handler := mcpResourceRuns(deps)

	contents, err := handler(context.Background(), makeReadResourceRequest("jreplay://runs"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content, got %d", len(contents))
	}
	tc, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("expected TextResourceContents, got %T", contents[0])
	}
	if !strings.Contains(tc.Text, "run-001") {
		t.Errorf("resource text = %s", tc.Text)
	}
}

func TestMCPServer_ConcurrentCalls(t *testing.T) {
	deps, _ := newTestMCPDeps(t)
	srv := NewMCPServer(deps)
	if srv == nil {
		t.Fatal("NewMCPServer returned nil")
	}

	handler := mcpBottlenecks(deps.withDefaults())
	var wg sync.WaitGroup
	errs := make(chan string, 20)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := makeCallToolRequest("bottlenecks", map[string]interface{}{"run_id": "run-001"})
			result, err := handler(context.Background(), req)
			if err != nil {
				errs <- err.Error()
				return
			}
			if result.IsError {
				errs <- "tool returned an error result"
			}
		}()
	}
	wg.Wait()
	close(errs)

	for msg := range errs {
		t.Fatalf("concurrent call failed: %s", msg)
	}
}
