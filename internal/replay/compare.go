package replay

import "github.com/kalambet/jreplay/internal/metrics"

// StepDelta compares one step present in both runs. Positive values mean
// the second run spent more.
type StepDelta struct {
	StepID          string `json:"stepId"`
	StepName        string `json:"stepName"`
	DurationDeltaMs int64  `json:"durationDeltaMs"`
	TokensDelta     int64  `json:"tokensDelta"`
	CostDeltaMicros int64  `json:"costDeltaMicros"`
}

// Comparison is the difference between the metrics of two runs of the same
// journey, B minus A.
type Comparison struct {
	TotalDurationDeltaMs int64       `json:"totalDurationDeltaMs"`
	P95DeltaMs           int64       `json:"p95DeltaMs"`
	TokensDelta          int64       `json:"tokensDelta"`
	CostDeltaMicros      int64       `json:"costDeltaMicros"`
	Steps                []StepDelta `json:"steps"`
	OnlyInA              []string    `json:"onlyInA"`
	OnlyInB              []string    `json:"onlyInB"`
}

// Compare matches steps by id. Steps keep the order of run A.
func Compare(a, b metrics.TimelinePerformanceMetrics) Comparison {
	c := Comparison{
		TotalDurationDeltaMs: b.TotalDurationMs - a.TotalDurationMs,
		P95DeltaMs:           b.P95StepDurationMs - a.P95StepDurationMs,
		TokensDelta:          b.TotalTokens - a.TotalTokens,
		CostDeltaMicros:      b.TotalCostMicros - a.TotalCostMicros,
		Steps:                []StepDelta{},
		OnlyInA:              []string{},
		OnlyInB:              []string{},
	}

	inA := make(map[string]bool, len(a.Steps))
	for _, sa := range a.Steps {
		inA[sa.StepID] = true
		sb, ok := b.Step(sa.StepID)
		if !ok {
			c.OnlyInA = append(c.OnlyInA, sa.StepID)
			continue
		}
		c.Steps = append(c.Steps, StepDelta{
			StepID:          sa.StepID,
			StepName:        sa.StepName,
			DurationDeltaMs: sb.DurationMs - sa.DurationMs,
			TokensDelta:     sb.TokensUsed - sa.TokensUsed,
			CostDeltaMicros: sb.CostMicros - sa.CostMicros,
		})
	}
	for _, sb := range b.Steps {
		if !inA[sb.StepID] {
			c.OnlyInB = append(c.OnlyInB, sb.StepID)
		}
	}
	return c
}
