// Package timeline materialises the display-ready view of a run: one item per
// step, joined with its AI log, errors, transitions, snapshot and metrics,
// plus the filters and text search that operate over it.
package timeline

import (
	"github.com/kalambet/jreplay/internal/journey"
	"github.com/kalambet/jreplay/internal/metrics"
)

// Item is one step joined with everything recorded about it. The flags are
// derived at build time and never set independently.
type Item struct {
	journey.Step
	Index          int                  `json:"index"`
	DurationMs     int64                `json:"durationMs"`
	TokensUsed     int64                `json:"tokensUsed"`
	CostMicros     int64                `json:"costMicros"`
	PercentOfTotal float64              `json:"percentOfTotal"`
	AILog          *journey.AILog       `json:"aiLog,omitempty"`
	Errors         []journey.RunError   `json:"errors"`
	Transitions    []journey.Transition `json:"transitions"`
	Snapshot       journey.Snapshot     `json:"snapshot,omitempty"`
	IsAI           bool                 `json:"isAI"`
	IsDecision     bool                 `json:"isDecision"`
	HasError       bool                 `json:"hasError"`
	HasFallback    bool                 `json:"hasFallback"`
	IsBottleneck   bool                 `json:"isBottleneck"`
	Anomalies      []string             `json:"anomalies,omitempty"`
}

// Build joins run with its metrics. It has no hidden state, so calling it
// again on the same input yields the same items.
func Build(run *journey.Run, m *metrics.TimelinePerformanceMetrics) []Item {
	anomalies := journey.AnomaliesByStep(journey.Validate(run))
	items := make([]Item, 0, len(run.Steps))
	for i, s := range run.Steps {
		it := Item{
			Step:        s,
			Index:       i,
			DurationMs:  s.DurationMs(),
			Errors:      run.ErrorsFor(s.ID),
			Transitions: run.TransitionsFrom(s.ID),
			Snapshot:    run.SnapshotFor(s.ID),
			IsDecision:  s.Decision != "",
			HasFallback: s.FallbackTriggered,
			Anomalies:   anomalies[s.ID],
		}
		if l, ok := run.AILogFor(s.ID); ok {
			it.AILog = &l
			it.IsAI = true
		}
		it.HasError = len(it.Errors) > 0
		if m != nil {
			if sm, ok := m.Step(s.ID); ok {
				it.TokensUsed = sm.TokensUsed
				it.CostMicros = sm.CostMicros
				it.PercentOfTotal = sm.PercentOfTotal
			}
			it.IsBottleneck = m.IsBottleneck(s.ID)
		}
		if it.Errors == nil {
			it.Errors = []journey.RunError{}
		}
		if it.Transitions == nil {
			it.Transitions = []journey.Transition{}
		}
		items = append(items, it)
	}
	return items
}

// Index holds the full item list of a loaded run. Filtering returns new
// slices and leaves the index untouched.
type Index struct {
	items []Item
	byID  map[string]int
}

func NewIndex(items []Item) *Index {
	x := &Index{items: items, byID: make(map[string]int, len(items))}
	for i, it := range items {
		if _, dup := x.byID[it.ID]; !dup {
			x.byID[it.ID] = i
		}
	}
	return x
}

func (x *Index) Len() int { return len(x.items) }

// Items returns every item in step order.
func (x *Index) Items() []Item {
	return append([]Item(nil), x.items...)
}

// At returns the item at position i.
func (x *Index) At(i int) (Item, bool) {
	if i < 0 || i >= len(x.items) {
		return Item{}, false
	}
	return x.items[i], true
}

// Get returns the item for stepID.
func (x *Index) Get(stepID string) (Item, bool) {
	i, ok := x.byID[stepID]
	if !ok {
		return Item{}, false
	}
	return x.items[i], true
}

// Previous returns the item recorded immediately before stepID.
func (x *Index) Previous(stepID string) (Item, bool) {
	i, ok := x.byID[stepID]
	if !ok || i == 0 {
		return Item{}, false
	}
	return x.items[i-1], true
}

// Filter returns the items matching f. A zero Filters returns everything.
func (x *Index) Filter(f Filters) []Item {
	return Apply(x.items, f)
}
