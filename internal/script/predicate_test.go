package script

import (
	"context"
	"testing"
	"time"

	"github.com/kalambet/jreplay/internal/journey"
	"github.com/kalambet/jreplay/internal/metrics"
	"github.com/kalambet/jreplay/internal/timeline"
)

func sampleItems(t *testing.T) []timeline.Item {
	t.Helper()
	run := journey.SampleRun()
	m := metrics.Compute(run.Steps, run.AILogs)
	return timeline.Build(run, &m)
}

func matching(t *testing.T, src string) []string {
	t.Helper()
	p, err := Compile(src)
	if err != nil {
		t.Fatalf("Compile(%q): %v", src, err)
	}
	defer p.Close()

	var out []string
	for _, it := range timeline.Apply(sampleItems(t), timeline.Filters{Match: p.Match}) {
		out = append(out, it.ID)
	}
	if err := p.Err(); err != nil {
		t.Fatalf("evaluation error: %v", err)
	}
	return out
}

func TestExpressionPredicate(t *testing.T) {
	got := matching(t, "item.durationMs > 1000 and item.isAI")
	if len(got) != 1 || got[0] != "s2" {
		t.Errorf("matched %v, want [s2]", got)
	}
}

func TestFunctionPredicate(t *testing.T) {
	src := `
function match(item)
  for _, code in ipairs(item.errorCodes) do
    if code == "RATE_LIMIT" then return true end
  end
  return item.hasFallback
end`
	got := matching(t, src)
	if len(got) != 2 || got[0] != "s2" || got[1] != "s3" {
		t.Errorf("matched %v, want [s2 s3]", got)
	}
}

func TestSnapshotAccess(t *testing.T) {
	got := matching(t, `item.snapshot ~= nil and item.snapshot.lead.score > 50`)
	if len(got) != 2 || got[0] != "s2" {
		t.Errorf("matched %v, want [s2 s3]", got)
	}
}

func TestCombinesWithBuiltInFilters(t *testing.T) {
	p, err := Compile(`string.find(item.name, "o") ~= nil`)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer p.Close()

	got := timeline.Apply(sampleItems(t), timeline.Filters{Match: p.Match, IsBottleneck: timeline.Flag(false)})
	if len(got) != 1 || got[0].ID != "s3" {
		t.Errorf("matched %d items, want only s3", len(got))
	}
}

func TestSandboxHidesDangerousGlobals(t *testing.T) {
	for _, src := range []string{
		"os == nil and io == nil",
		"dofile == nil and loadstring == nil and require == nil",
		"math.random == nil and math.floor ~= nil",
	} {
		got := matching(t, src)
		if len(got) != 3 {
			t.Errorf("%q matched %d items, want all 3", src, len(got))
		}
	}
}

func TestCompileErrors(t *testing.T) {
	for _, src := range []string{"", "item.durationMs >", "x = 1"} {
		if p, err := Compile(src); err == nil {
			p.Close()
			t.Errorf("Compile(%q) succeeded", src)
		}
	}
}

func TestRuntimeErrorDoesNotMatch(t *testing.T) {
	p, err := Compile("item.nothing.deeper == 1")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer p.Close()

	items := sampleItems(t)
	if p.Match(items[0]) {
		t.Error("failing predicate matched")
	}
	if p.Err() == nil {
		t.Error("Err should report the evaluation failure")
	}
}

func TestEvalTimeout(t *testing.T) {
	p, err := Compile("function match(item) while true do end end")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	defer p.Close()
	p.SetTimeout(20 * time.Millisecond)

	start := time.Now()
	if _, err := p.Eval(context.Background(), sampleItems(t)[0]); err == nil {
		t.Fatal("endless script returned without error")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout not enforced promptly")
	}
}
