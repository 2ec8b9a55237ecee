// Package metrics attributes processing time, tokens and cost to the steps of
// a recorded run and flags statistically anomalous steps as bottlenecks.
package metrics

import (
	"math"
	"sort"

	"github.com/kalambet/jreplay/internal/journey"
)

// StepMetrics is the per-step attribution. DurationMs keeps the recorded
// value even when negative; such steps carry Invalid and are left out of
// every aggregate.
type StepMetrics struct {
	Index          int     `json:"index"`
	StepID         string  `json:"stepId"`
	StepName       string  `json:"stepName"`
	StepType       string  `json:"stepType"`
	DurationMs     int64   `json:"durationMs"`
	TokensUsed     int64   `json:"tokensUsed"`
	CostMicros     int64   `json:"costMicros"`
	PercentOfTotal float64 `json:"percentOfTotal"`
	Invalid        bool    `json:"invalid,omitempty"`
}

// TypeBreakdown aggregates steps sharing a stepType.
type TypeBreakdown struct {
	Count           int   `json:"count"`
	TotalDurationMs int64 `json:"totalDurationMs"`
	AvgDurationMs   int64 `json:"avgDurationMs"`
}

// TimelinePerformanceMetrics is the full attribution for one run.
type TimelinePerformanceMetrics struct {
	TotalDurationMs      int64                    `json:"totalDurationMs"`
	AvgStepDurationMs    int64                    `json:"avgStepDurationMs"`
	MedianStepDurationMs int64                    `json:"medianStepDurationMs"`
	P95StepDurationMs    int64                    `json:"p95StepDurationMs"`
	BottleneckThreshold  int64                    `json:"bottleneckThresholdMs"`
	TotalTokens          int64                    `json:"totalTokens"`
	TotalCostMicros      int64                    `json:"totalCostMicros"`
	Steps                []StepMetrics            `json:"steps"`
	Bottlenecks          []StepMetrics            `json:"bottlenecks"`
	ByType               map[string]TypeBreakdown `json:"byType"`
	TokensByModel        map[string]int64         `json:"tokensByModel"`
	CostByModel          map[string]int64         `json:"costByModel"`
	Anomalies            []journey.Anomaly        `json:"anomalies,omitempty"`
}

// IsBottleneck reports whether stepID is in the bottleneck set.
func (m *TimelinePerformanceMetrics) IsBottleneck(stepID string) bool {
	for _, b := range m.Bottlenecks {
		if b.StepID == stepID {
			return true
		}
	}
	return false
}

// Step returns the metrics for stepID.
func (m *TimelinePerformanceMetrics) Step(stepID string) (StepMetrics, bool) {
	for _, s := range m.Steps {
		if s.StepID == stepID {
			return s, true
		}
	}
	return StepMetrics{}, false
}

// Compute derives the metrics for steps and the AI logs attached to them.
// Only the first AI log per step is attributed to that step, while the
// per-model totals sum every log in the run, orphans included.
func Compute(steps []journey.Step, aiLogs []journey.AILog) TimelinePerformanceMetrics {
	m := TimelinePerformanceMetrics{
		Steps:         make([]StepMetrics, 0, len(steps)),
		Bottlenecks:   []StepMetrics{},
		ByType:        make(map[string]TypeBreakdown),
		TokensByModel: make(map[string]int64),
		CostByModel:   make(map[string]int64),
	}

	stepIDs := make(map[string]bool, len(steps))
	for _, s := range steps {
		stepIDs[s.ID] = true
	}
	logs := make(map[string]journey.AILog, len(aiLogs))
	for _, l := range aiLogs {
		m.TokensByModel[l.ModelID] += nonNeg(l.TotalTokens)
		m.CostByModel[l.ModelID] += nonNeg(l.CostMicros)
		if !stepIDs[l.StepID] {
			continue
		}
		if _, dup := logs[l.StepID]; !dup {
			logs[l.StepID] = l
		}
	}

	var durations []int64
	for i, s := range steps {
		sm := StepMetrics{Index: i, StepID: s.ID, StepName: s.Name, StepType: s.Type, DurationMs: s.DurationMs()}
		if l, ok := logs[s.ID]; ok {
			sm.TokensUsed = nonNeg(l.TotalTokens)
			sm.CostMicros = nonNeg(l.CostMicros)
		}
		if sm.DurationMs < 0 {
			sm.Invalid = true
			m.Anomalies = append(m.Anomalies, journey.Anomaly{
				Code:    journey.AnomalyNegativeDuration,
				StepID:  s.ID,
				Message: "negative step duration excluded from aggregates",
			})
		} else {
			durations = append(durations, sm.DurationMs)
			m.TotalDurationMs += sm.DurationMs
			bt := m.ByType[s.Type]
			bt.Count++
			bt.TotalDurationMs += sm.DurationMs
			m.ByType[s.Type] = bt
		}
		m.TotalTokens += sm.TokensUsed
		m.TotalCostMicros += sm.CostMicros
		m.Steps = append(m.Steps, sm)
	}

	for typ, bt := range m.ByType {
		if bt.Count > 0 {
			bt.AvgDurationMs = bt.TotalDurationMs / int64(bt.Count)
		}
		m.ByType[typ] = bt
	}

	for i := range m.Steps {
		if m.TotalDurationMs > 0 && !m.Steps[i].Invalid {
			m.Steps[i].PercentOfTotal = float64(m.Steps[i].DurationMs) / float64(m.TotalDurationMs) * 100
		}
	}

	if len(durations) == 0 {
		return m
	}

	n := int64(len(durations))
	m.AvgStepDurationMs = m.TotalDurationMs / n
	sorted := append([]int64(nil), durations...)
	sort.Slice(sorted, func(a, b int) bool { return sorted[a] < sorted[b] })
	m.MedianStepDurationMs = Percentile(sorted, 0.50)
	m.P95StepDurationMs = Percentile(sorted, 0.95)

	m.BottleneckThreshold, m.Bottlenecks = bottlenecks(m.Steps, m.P95StepDurationMs, m.TotalDurationMs, n)
	return m
}

// Percentile returns the nearest-rank percentile of an ascending slice:
// index ceil(p*n)-1 clamped to [0, n-1]. It returns 0 for an empty slice.
func Percentile(sorted []int64, p float64) int64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}

// bottlenecks flags steps whose duration reaches the lower of the p95 value
// and three times the mean, and is strictly above the mean. The mean guard
// keeps uniform runs free of bottlenecks. The comparison against 3x mean is
// done on integers (d*n vs 3*total) to stay exact.
func bottlenecks(steps []StepMetrics, p95, total, n int64) (int64, []StepMetrics) {
	threeMeanFloor := 3 * total / n
	threshold := p95
	useMean := 3*total < p95*n
	if useMean {
		threshold = threeMeanFloor
	}

	out := []StepMetrics{}
	for _, s := range steps {
		if s.Invalid {
			continue
		}
		aboveMean := s.DurationMs*n > total
		var reaches bool
		if useMean {
			reaches = s.DurationMs*n >= 3*total
		} else {
			reaches = s.DurationMs >= p95
		}
		if aboveMean && reaches {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].DurationMs > out[b].DurationMs
	})
	return threshold, out
}

func nonNeg(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}
