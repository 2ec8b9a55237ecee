package timeline

import (
	"reflect"
	"testing"

	"github.com/kalambet/jreplay/internal/journey"
	"github.com/kalambet/jreplay/internal/metrics"
)

func sampleItems(t *testing.T) []Item {
	t.Helper()
	run := journey.SampleRun()
	m := metrics.Compute(run.Steps, run.AILogs)
	return Build(run, &m)
}

func ids(items []Item) []string {
	out := []string{}
	for _, it := range items {
		out = append(out, it.ID)
	}
	return out
}

func TestBuildDerivesFlags(t *testing.T) {
	items := sampleItems(t)
	if len(items) != 3 {
		t.Fatalf("items = %d, want 3", len(items))
	}

	s1, s2, s3 := items[0], items[1], items[2]
	if s1.IsAI || s1.HasError || s1.IsBottleneck || s1.IsDecision || s1.HasFallback {
		t.Errorf("s1 flags = %+v", s1)
	}
	if !s2.IsAI || !s2.HasError || !s2.IsBottleneck || !s2.IsDecision || s2.HasFallback {
		t.Errorf("s2 flags: ai=%v err=%v bottleneck=%v decision=%v fallback=%v",
			s2.IsAI, s2.HasError, s2.IsBottleneck, s2.IsDecision, s2.HasFallback)
	}
	if !s3.HasFallback {
		t.Error("s3 should have fallback")
	}
	if s2.AILog == nil || s2.AILog.ModelID != "gpt-4o" || s2.TokensUsed != 2000 {
		t.Errorf("s2 AI join = %+v, tokens %d", s2.AILog, s2.TokensUsed)
	}
	if len(s2.Transitions) != 2 || len(s1.Errors) != 0 || s1.Errors == nil {
		t.Errorf("joins: s2 transitions %d, s1 errors %v", len(s2.Transitions), s1.Errors)
	}
	if s3.Snapshot["notified"].BoolValue() != true {
		t.Errorf("s3 snapshot = %v", s3.Snapshot)
	}
}

func TestBuildIsIdempotent(t *testing.T) {
	a, b := sampleItems(t), sampleItems(t)
	if !reflect.DeepEqual(a, b) {
		t.Error("rebuilding the index changed the items")
	}
}

func TestBuildFlagsAnomalies(t *testing.T) {
	run := &journey.Run{Steps: []journey.Step{
		{ID: "a", StartTime: 10, EndTime: 5, Status: journey.StatusCompleted},
		{ID: "b", StartTime: 10, EndTime: 20, Status: journey.StatusCompleted},
	}}
	m := metrics.Compute(run.Steps, nil)
	items := Build(run, &m)
	if len(items) != 2 {
		t.Fatalf("bad items must not be dropped, got %d", len(items))
	}
	if len(items[0].Anomalies) == 0 || items[0].Anomalies[0] != journey.AnomalyNegativeDuration {
		t.Errorf("anomalies = %v", items[0].Anomalies)
	}
}

func TestFilterCombinesWithAnd(t *testing.T) {
	x := NewIndex(sampleItems(t))

	cases := []struct {
		name string
		f    Filters
		want []string
	}{
		{"none", Filters{}, []string{"s1", "s2", "s3"}},
		{"has error", Filters{HasError: Flag(true)}, []string{"s2"}},
		{"no error", Filters{HasError: Flag(false)}, []string{"s1", "s3"}},
		{"type", Filters{Types: []string{"AI", "notify"}}, []string{"s2", "s3"}},
		{"status", Filters{Statuses: []journey.StepStatus{journey.StatusFailed}}, []string{}},
		{"and", Filters{Types: []string{"ai", "notify"}, IsBottleneck: Flag(false)}, []string{"s3"}},
		{"query", Filters{Query: "LEAD"}, []string{"s1"}},
		{"match", Filters{Match: func(it Item) bool { return it.DurationMs == 100 }}, []string{"s1", "s3"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := ids(x.Filter(c.f)); !reflect.DeepEqual(got, c.want) {
				t.Errorf("Filter = %v, want %v", got, c.want)
			}
		})
	}

	if x.Len() != 3 {
		t.Error("filtering must not change the index")
	}
	if !(Filters{}).Empty() || (Filters{HasError: Flag(false)}).Empty() {
		t.Error("Empty misreports")
	}
}

func TestSearchCyclesWithWraparound(t *testing.T) {
	items := sampleItems(t)
	s := NewSearch(items, "o")
	if got := ids(s.Matches()); !reflect.DeepEqual(got, []string{"s1", "s2", "s3"}) {
		t.Fatalf("matches = %v", got)
	}
	if cur, _ := s.Current(); cur.ID != "s1" {
		t.Errorf("cursor starts on %s", cur.ID)
	}
	s.Next()
	s.Next()
	if it, _ := s.Next(); it.ID != "s1" {
		t.Errorf("Next after last = %s, want s1", it.ID)
	}
	if it, _ := s.Prev(); it.ID != "s3" {
		t.Errorf("Prev before first = %s, want s3", it.ID)
	}
}

func TestSearchMatchesDescriptionCaseInsensitive(t *testing.T) {
	s := NewSearch(sampleItems(t), "llm")
	if s.Len() != 1 || s.Cursor() != 0 {
		t.Fatalf("matches = %v", ids(s.Matches()))
	}
	if it, ok := s.Current(); !ok || it.ID != "s2" {
		t.Errorf("Current = %s", it.ID)
	}

	empty := NewSearch(sampleItems(t), "nothing-like-this")
	if _, ok := empty.Next(); ok || empty.Cursor() != -1 {
		t.Error("empty result set should not cycle")
	}
}

func TestIndexLookups(t *testing.T) {
	x := NewIndex(sampleItems(t))
	if it, ok := x.Get("s2"); !ok || it.Index != 1 {
		t.Errorf("Get(s2) = %+v, %v", it, ok)
	}
	if prev, ok := x.Previous("s2"); !ok || prev.ID != "s1" {
		t.Errorf("Previous(s2) = %s, %v", prev.ID, ok)
	}
	if _, ok := x.Previous("s1"); ok {
		t.Error("first item has no previous")
	}
	if _, ok := x.Get("nope"); ok {
		t.Error("unknown id found")
	}
}
