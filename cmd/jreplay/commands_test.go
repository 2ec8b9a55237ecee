package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kalambet/jreplay/internal/api"
	"github.com/kalambet/jreplay/internal/config"
	"github.com/kalambet/jreplay/internal/journey"
	"github.com/kalambet/jreplay/internal/storage"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   string
	Auth   string
}

type testServer struct {
	server   *httptest.Server
	requests []recordedRequest
}

func newTestServer(t *testing.T, responses map[string]string) *testServer {
	t.Helper()
	ts := &testServer{}

	ts.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body bytes.Buffer
		body.ReadFrom(r.Body)

		ts.requests = append(ts.requests, recordedRequest{
			Method: r.Method,
			Path:   r.URL.RequestURI(),
			Body:   body.String(),
			Auth:   r.Header.Get("Authorization"),
		})

		key := r.Method + " " + r.URL.Path
		if resp, ok := responses[key]; ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(resp))
			return
		}

		w.WriteHeader(404)
		w.Write([]byte(`{"error":{"message":"not found","type":"not_found"}}`))
	}))

	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) client() *apiClient {
	return &apiClient{
		baseURL:    ts.server.URL,
		token:      "test-token",
		httpClient: ts.server.Client(),
	}
}

// newLiveServer serves the real API over an in-memory store seeded with the
// sample run.
func newLiveServer(t *testing.T) *apiClient {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.SaveRun(journey.SampleRun()); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	srv := httptest.NewServer(api.NewHandler(api.AppDeps{
		Store:          store,
		Token:          "test-token",
		MaxExportBytes: 1 << 20,
	}))
	t.Cleanup(srv.Close)
	return &apiClient{baseURL: srv.URL, token: "test-token", httpClient: srv.Client()}
}

func useClient(t *testing.T, c *apiClient) {
	t.Helper()
	old := newAPIClient
	newAPIClient = func() (*apiClient, error) { return c, nil }
	t.Cleanup(func() { newAPIClient = old })
}

// resetFlags restores every flag of the shared command tree to its default,
// since cobra keeps values between Execute calls.
func resetFlags(cmd *cobra.Command) {
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		f.Value.Set(f.DefValue)
		f.Changed = false
	})
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// execute runs the command tree with colours off and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	oldColor := noColor
	noColor = true

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		noColor = oldColor
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	})

	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

var ctx = context.Background()

func TestAPIClientAuth(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /health": `{"status":"ok"}`,
	})

	client := ts.client()
	client.token = "my-secret-token"

	resp, err := client.get(ctx, "/health")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp.Body.Close()

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	if ts.requests[0].Auth != "Bearer my-secret-token" {
		t.Errorf("auth = %q, want 'Bearer my-secret-token'", ts.requests[0].Auth)
	}
}

func TestAPIClient_ServerStopped(t *testing.T) {
	ts := newTestServer(t, map[string]string{})
	ts.server.Close()

	_, err := ts.client().get(ctx, "/health")
	if err == nil {
		t.Fatal("expected error for stopped server")
	}
	if !strings.Contains(err.Error(), "not reachable") {
		t.Errorf("error = %q, want it to mention 'not reachable'", err.Error())
	}
}

func TestDecodeJSON_ErrorEnvelope(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(410)
		w.Write([]byte(`{"error":{"message":"share link expired","type":"expired_error"}}`))
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, token: "t", httpClient: ts.Client()}
	resp, err := client.get(ctx, "/shared/abc")
	if err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}

	var result any
	err = decodeJSON(resp, &result)
	if err == nil {
		t.Fatal("expected error for 410 response")
	}
	if !isStatus(err, 410) {
		t.Errorf("isStatus(err, 410) = false for %v", err)
	}
	if !strings.Contains(err.Error(), "expired_error") || !strings.Contains(err.Error(), "share link expired") {
		t.Errorf("error = %q", err.Error())
	}
}

func TestDecodeJSON_PlainErrorBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", 500)
	}))
	defer ts.Close()

	client := &apiClient{baseURL: ts.URL, token: "t", httpClient: ts.Client()}
	resp, err := client.get(ctx, "/")
	if err != nil {
		t.Fatal(err)
	}
	err = decodeJSON(resp, nil)
	if err == nil || !strings.Contains(err.Error(), "500: boom") {
		t.Errorf("err = %v", err)
	}
}

func TestNoColorFlag(t *testing.T) {
	old := noColor
	defer func() { noColor = old }()

	noColor = true
	if got := colorize(colorGreen, "test message"); got != "test message" {
		t.Errorf("result = %q, want %q", got, "test message")
	}

	noColor = false
	if got := colorize(colorGreen, "test message"); !strings.Contains(got, "\033[") {
		t.Errorf("colorize with noColor=false should contain ANSI codes, got %q", got)
	}
}

func TestImportCommand(t *testing.T) {
	client := newLiveServer(t)
	useClient(t, client)

	run := journey.SampleRun()
	run.ID = "run-imported"
	data, err := json.Marshal(run)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "run.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := execute(t, "import", path); err != nil {
		t.Fatalf("import: %v", err)
	}

	out, err := execute(t, "runs")
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if !strings.Contains(out, "run-imported") || !strings.Contains(out, "run-001") {
		t.Errorf("runs output missing imported run:\n%s", out)
	}
}

func TestImportCommand_ReportsFailures(t *testing.T) {
	useClient(t, newLiveServer(t))

	bad := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(bad, []byte(`{"runId":""}`), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := execute(t, "import", bad, filepath.Join(t.TempDir(), "missing.json"))
	if err == nil || !strings.Contains(err.Error(), "2 of 2") {
		t.Errorf("err = %v, want both files reported", err)
	}
}

func TestMetricsCommand(t *testing.T) {
	useClient(t, newLiveServer(t))

	out, err := execute(t, "metrics", "run-001")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	for _, want := range []string{"Total 5.2s", "2000 tokens", "gpt-4o", "SLOW"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestMetricsCommand_UnknownRun(t *testing.T) {
	useClient(t, newLiveServer(t))

	_, err := execute(t, "metrics", "nope")
	if !isStatus(err, 404) {
		t.Errorf("err = %v, want a 404", err)
	}
}

func TestDiffCommand(t *testing.T) {
	useClient(t, newLiveServer(t))

	out, err := execute(t, "diff", "run-001", "s3")
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if !strings.Contains(out, "+ notified") {
		t.Errorf("diff output:\n%s", out)
	}
}

func TestTimelineCommand_Filters(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"GET /runs/run-001/timeline": `[]`,
	})
	useClient(t, ts.client())

	out, err := execute(t, "timeline", "run-001", "--status", "failed", "--ai", "--where", "item.durationMs > 10")
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if !strings.Contains(out, "No matching steps.") {
		t.Errorf("output = %q", out)
	}

	if len(ts.requests) != 1 {
		t.Fatalf("expected 1 request, got %d", len(ts.requests))
	}
	path := ts.requests[0].Path
	for _, want := range []string{"status=failed", "isAI=true", "where=item.durationMs"} {
		if !strings.Contains(path, want) {
			t.Errorf("path %q missing %q", path, want)
		}
	}
	if strings.Contains(path, "hasError") {
		t.Errorf("unset flags should not be sent: %q", path)
	}
}

func TestTimelineCommand_Live(t *testing.T) {
	useClient(t, newLiveServer(t))

	out, err := execute(t, "timeline", "run-001", "--bottleneck")
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if !strings.Contains(out, "s2") || strings.Contains(out, "s1 ") {
		t.Errorf("bottleneck filter output:\n%s", out)
	}
}

func TestExportCommand_WritesFile(t *testing.T) {
	useClient(t, newLiveServer(t))

	path := filepath.Join(t.TempDir(), "out.csv")
	if _, err := execute(t, "export", "run-001", "--format", "csv", "--output", path); err != nil {
		t.Fatalf("export: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "s2") {
		t.Errorf("csv missing steps:\n%s", data)
	}
}

func TestExportCommand_BadFormat(t *testing.T) {
	ts := newTestServer(t, nil)
	useClient(t, ts.client())

	_, err := execute(t, "export", "run-001", "--format", "docx", "--output", "-")
	if err == nil {
		t.Fatal("expected an error for an unknown format")
	}
	if len(ts.requests) != 0 {
		t.Error("bad format should be rejected before calling the server")
	}
}

func TestExportCommand_Async(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /runs/run-001/exports": `{"jobId":"job-1","status":"queued"}`,
	})
	useClient(t, ts.client())

	if _, err := execute(t, "export", "run-001", "--format", "json", "--async", "--include-metrics"); err != nil {
		t.Fatalf("export --async: %v", err)
	}
	var body api.ExportRequest
	if err := json.Unmarshal([]byte(ts.requests[0].Body), &body); err != nil {
		t.Fatal(err)
	}
	if body.Format != "json" || !body.IncludeMetrics {
		t.Errorf("request body = %+v", body)
	}
}

func TestFilenameFromResponse(t *testing.T) {
	tests := []struct {
		header, want string
	}{
		{`attachment; filename="run-001.csv"`, "run-001.csv"},
		{`attachment; filename="../../etc/passwd"`, "passwd"},
		{``, "export.out"},
	}
	for _, tt := range tests {
		if got := filenameFromResponse(tt.header); got != tt.want {
			t.Errorf("filenameFromResponse(%q) = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestShareCommands(t *testing.T) {
	useClient(t, newLiveServer(t))

	out, err := execute(t, "share", "create", "run-001", "--expiry", "7d")
	if err != nil {
		t.Fatalf("share create: %v", err)
	}
	url := strings.TrimSpace(out)
	if !strings.Contains(url, "/shared/") {
		t.Fatalf("share create printed %q", out)
	}
	token := url[strings.LastIndex(url, "/")+1:]

	out, err = execute(t, "share", "list", "run-001")
	if err != nil {
		t.Fatalf("share list: %v", err)
	}
	if !strings.Contains(out, token) || !strings.Contains(out, "7d") {
		t.Errorf("share list output:\n%s", out)
	}

	if _, err := execute(t, "share", "revoke", token); err != nil {
		t.Fatalf("share revoke: %v", err)
	}
	out, _ = execute(t, "share", "list", "run-001")
	if !strings.Contains(out, "No share links.") {
		t.Errorf("link still listed after revoke:\n%s", out)
	}
}

func TestShareCreate_BadExpiry(t *testing.T) {
	ts := newTestServer(t, nil)
	useClient(t, ts.client())

	_, err := execute(t, "share", "create", "run-001", "--expiry", "2w")
	if err == nil {
		t.Fatal("expected an error for an unsupported expiry")
	}
	if len(ts.requests) != 0 {
		t.Error("bad expiry should be rejected before calling the server")
	}
}

func TestCompareCommand(t *testing.T) {
	ts := newTestServer(t, map[string]string{
		"POST /compare": `{"totalDurationDeltaMs":-2000,"p95DeltaMs":-1800,"tokensDelta":0,"costDeltaMicros":0,
			"steps":[{"stepId":"s2","stepName":"Enrich company","durationDeltaMs":-2000}],"onlyInA":[],"onlyInB":["s4"]}`,
	})
	useClient(t, ts.client())

	out, err := execute(t, "compare", "run-001", "run-002")
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	for _, want := range []string{"-2.0s", "Enrich company", "only in run-002: s4"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if body := ts.requests[0].Body; body != `{"a":"run-001","b":"run-002"}` {
		t.Errorf("body = %s", body)
	}
}

func TestPlayCommand_NeedsOneSource(t *testing.T) {
	_, err := execute(t, "play")
	if err == nil || !strings.Contains(err.Error(), "--file") {
		t.Errorf("err = %v", err)
	}
}

func TestConfigShowAll(t *testing.T) {
	cfg := config.Config{}
	cfg.Server.Port = 4100
	cfg.Playback.Speed = "2x"

	found := map[string]bool{}
	for _, k := range config.ShowAll(cfg) {
		if k.Key == "server.port" && k.Value == "4100" {
			found["port"] = true
		}
		if k.Key == "playback.speed" && k.Value == "2x" {
			found["speed"] = true
		}
		if k.Key == "api.token" {
			t.Error("token must not be shown")
		}
	}
	if !found["port"] || !found["speed"] {
		t.Errorf("ShowAll missing values: %v", found)
	}
}

func TestCountLabel(t *testing.T) {
	if got := countLabel(3, 100); got != "3" {
		t.Errorf("countLabel(3) = %q", got)
	}
	if got := countLabel(100, 100); got != "100+" {
		t.Errorf("countLabel(100) = %q", got)
	}
}

func TestListenLimitsConnections(t *testing.T) {
	ln, err := listen("127.0.0.1:0", 1)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	if !strings.Contains(ln.Addr().String(), "127.0.0.1:") {
		t.Errorf("addr = %s", ln.Addr())
	}
}
