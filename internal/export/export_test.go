package export

import (
	"bytes"
	"context"
	"image/png"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/ledongthuc/pdf"

	"github.com/kalambet/jreplay/internal/journey"
	"github.com/kalambet/jreplay/internal/metrics"
	"github.com/kalambet/jreplay/internal/timeline"
)

var exportTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func sample(t *testing.T) ([]timeline.Item, *metrics.TimelinePerformanceMetrics) {
	t.Helper()
	run := journey.SampleRun()
	m := metrics.Compute(run.Steps, run.AILogs)
	return timeline.Build(run, &m), &m
}

func allOptions(f Format) Options {
	return Options{
		Format:           f,
		IncludeAILogs:    true,
		IncludeSnapshots: true,
		IncludeMetrics:   true,
		IncludeErrors:    true,
		JourneyID:        "lead-enrichment",
		RunID:            "run-001",
		Timestamp:        exportTime,
	}
}

func TestFilenameDeterministic(t *testing.T) {
	got := Filename("lead-enrichment", "run-001", FormatCSV, exportTime)
	if want := "journey-lead-enrichment-run-run-001-20260102T030405Z.csv"; got != want {
		t.Errorf("Filename = %q, want %q", got, want)
	}
	if again := Filename("lead-enrichment", "run-001", FormatCSV, exportTime); again != got {
		t.Error("Filename is not deterministic")
	}
	if other := Filename("lead-enrichment", "run-001", FormatCSV, exportTime.Add(time.Second)); other == got {
		t.Error("different timestamps should not collide")
	}
	if got := Filename("a/b", "", FormatPDF, exportTime); strings.Contains(got, "/") || !strings.Contains(got, "run-unknown") {
		t.Errorf("unsafe ids not sanitised: %q", got)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	items, m := sample(t)
	filtered := timeline.Apply(items, timeline.Filters{IsBottleneck: timeline.Flag(false)})
	opts := allOptions(FormatJSON)

	data, err := Render(filtered, m, opts)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	doc, err := ReadJSON(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if !reflect.DeepEqual(doc.Items, Project(filtered, opts)) {
		t.Errorf("items changed through json:\n got %+v\nwant %+v", doc.Items, filtered)
	}
	if doc.Metrics == nil || doc.Metrics.TotalTokens != 2000 || len(doc.Metrics.Bottlenecks) != 1 {
		t.Errorf("metrics = %+v", doc.Metrics)
	}
	if !doc.ExportedAt.Equal(exportTime) || doc.RunID != "run-001" {
		t.Errorf("header = %s %s", doc.RunID, doc.ExportedAt)
	}
}

func TestJSONTogglesAreIndependent(t *testing.T) {
	items, m := sample(t)
	opts := Options{Format: FormatJSON, IncludeAILogs: true, Timestamp: exportTime}
	data, err := Render(items, m, opts)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	doc, err := ReadJSON(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	s2 := doc.Items[1]
	if s2.AILog == nil {
		t.Error("AI log dropped although included")
	}
	if s2.Snapshot != nil || len(s2.Errors) != 0 || doc.Metrics != nil {
		t.Errorf("excluded content leaked: snapshot %v errors %v metrics %v", s2.Snapshot, s2.Errors, doc.Metrics)
	}
	if !s2.HasError {
		t.Error("flags must survive even when error details are excluded")
	}
}

func TestCSVColumnsFollowToggles(t *testing.T) {
	items, m := sample(t)
	data, err := Render(items, m, Options{Format: FormatCSV, IncludeAILogs: true, Timestamp: exportTime})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	header := strings.SplitN(string(data), "\n", 2)[0]
	if !strings.Contains(header, "modelId") {
		t.Errorf("header %q missing AI columns", header)
	}
	for _, col := range []string{"snapshot", "errorCount", "percentOfTotal"} {
		if strings.Contains(header, col) {
			t.Errorf("header %q contains excluded column %s", header, col)
		}
	}
}

func TestCSVRoundTrip(t *testing.T) {
	items, m := sample(t)
	data, err := Render(items, m, allOptions(FormatCSV))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	got, totals, err := ReadCSV(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(got) != len(items) {
		t.Fatalf("rows = %d, want %d", len(got), len(items))
	}
	for i, it := range items {
		g := got[i]
		if g.ID != it.ID || g.Name != it.Name || g.Type != it.Type || g.Status != it.Status ||
			g.DurationMs != it.DurationMs || g.TokensUsed != it.TokensUsed || g.CostMicros != it.CostMicros ||
			g.PercentOfTotal != it.PercentOfTotal || g.IsBottleneck != it.IsBottleneck {
			t.Errorf("row %d = %+v, want %+v", i, g, it)
		}
		if len(g.Errors) != len(it.Errors) {
			t.Errorf("row %d errors = %d, want %d", i, len(g.Errors), len(it.Errors))
		}
		if !g.Snapshot.AsValue().Equal(it.Snapshot.AsValue()) {
			t.Errorf("row %d snapshot = %v, want %v", i, g.Snapshot, it.Snapshot)
		}
	}
	if got[1].AILog == nil || got[1].AILog.ModelID != "gpt-4o" || *got[1].AILog.Confidence != 0.82 {
		t.Errorf("AI columns = %+v", got[1].AILog)
	}
	if totals != (Totals{DurationMs: 5200, TokensUsed: 2000, CostMicros: 500000}) {
		t.Errorf("totals = %+v", totals)
	}
}

func pdfText(t *testing.T, data []byte) (string, int) {
	t.Helper()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("pdf.NewReader: %v", err)
	}
	var sb strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		for _, txt := range r.Page(i).Content().Text {
			sb.WriteString(txt.S)
		}
	}
	return sb.String(), r.NumPage()
}

func TestPDFIsReadable(t *testing.T) {
	items, m := sample(t)
	data, err := Render(items, m, allOptions(FormatPDF))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("%PDF-1.4")) {
		t.Fatal("missing PDF header")
	}
	text, pages := pdfText(t, data)
	if pages != 1 {
		t.Errorf("pages = %d, want 1", pages)
	}
	for _, want := range []string{"Enrich company", "gpt-4o", "RATE_LIMIT", "bottleneck"} {
		if !strings.Contains(text, want) {
			t.Errorf("pdf text missing %q", want)
		}
	}
}

func TestPDFPaginates(t *testing.T) {
	var items []timeline.Item
	for i := 0; i < 120; i++ {
		items = append(items, timeline.Item{Step: journey.Step{ID: "x", Name: "step (paren)"}, Index: i})
	}
	data, err := Render(items, nil, Options{Format: FormatPDF, Timestamp: exportTime})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	text, pages := pdfText(t, data)
	if pages != 3 {
		t.Errorf("pages = %d, want 3", pages)
	}
	if !strings.Contains(text, "step (paren)") {
		t.Error("escaped parentheses not preserved")
	}
}

func TestPNGWaterfall(t *testing.T) {
	items, m := sample(t)
	data, err := Render(items, m, Options{Format: FormatPNG, Timestamp: exportTime})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("png.Decode: %v", err)
	}
	b := img.Bounds()
	if b.Dx() != pngWidth || b.Dy() != 2*pngMargin+4*pngRowH {
		t.Errorf("size = %v", b)
	}

	x0, x1 := barSpan(items[1], 5200)
	y := pngMargin + 2*pngRowH + pngRowH/2
	r, g, bl, a := img.At((x0+x1)/2, y).RGBA()
	wr, wg, wb, wa := colorBottleneck.RGBA()
	if r != wr || g != wg || bl != wb || a != wa {
		t.Errorf("bottleneck bar pixel = %v %v %v %v", r, g, bl, a)
	}
}

func TestPNGRowLimit(t *testing.T) {
	items := make([]timeline.Item, PNGMaxRows+1)
	for i := range items {
		items[i] = timeline.Item{Step: journey.Step{ID: "s", StartTime: int64(i), EndTime: int64(i + 1)}}
	}
	res := Export(context.Background(), items, nil, Options{Format: FormatPNG, Timestamp: exportTime}, nil)
	if res.Ok() || !strings.Contains(res.Error, ErrTooLarge.Error()) {
		t.Errorf("oversized png = %+v, want a size failure", res.Error)
	}
}

func TestExportWritesToSink(t *testing.T) {
	items, m := sample(t)
	dir := t.TempDir()
	res := Export(context.Background(), items, m, allOptions(FormatCSV), DirSink{Dir: dir})
	if !res.Ok() {
		t.Fatalf("Export failed: %s", res.Error)
	}
	if !strings.HasPrefix(res.URL, "file://") {
		t.Errorf("URL = %q", res.URL)
	}
	info, err := os.Stat(filepath.Join(dir, res.Filename))
	if err != nil {
		t.Fatalf("stat export: %v", err)
	}
	if info.Size() != res.Size {
		t.Errorf("file size %d, result size %d", info.Size(), res.Size)
	}
}

func TestExportFailuresAreResults(t *testing.T) {
	items, m := sample(t)

	opts := allOptions(FormatJSON)
	opts.MaxBytes = 10
	if res := Export(context.Background(), items, m, opts, nil); res.Ok() || !strings.Contains(res.Error, "size limit") {
		t.Errorf("oversized export = %+v", res)
	}

	opts = allOptions("xml")
	if res := Export(context.Background(), items, m, opts, nil); res.Ok() {
		t.Error("unknown format should fail")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if res := Export(ctx, items, m, allOptions(FormatCSV), DirSink{Dir: t.TempDir()}); res.Ok() {
		t.Error("cancelled sink write should fail")
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat(" PDF "); err != nil || f != FormatPDF {
		t.Errorf("ParseFormat = %v, %v", f, err)
	}
	if _, err := ParseFormat("docx"); err == nil {
		t.Error("docx accepted")
	}
	if FormatMicros(500000) != "0.500000" || FormatMicros(-1_250_000) != "-1.250000" {
		t.Errorf("FormatMicros = %s, %s", FormatMicros(500000), FormatMicros(-1_250_000))
	}
}
