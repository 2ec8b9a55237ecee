package journey

import (
	"fmt"
	"sort"
)

// Anomaly codes reported by Validate.
const (
	AnomalyNegativeDuration   = "negative_duration"
	AnomalyDuplicateStep      = "duplicate_step_id"
	AnomalyUnknownStatus      = "unknown_status"
	AnomalyOverlappingSteps   = "overlapping_steps"
	AnomalyOrphanAILog        = "orphan_ai_log"
	AnomalyDuplicateAILog     = "duplicate_ai_log"
	AnomalyTokenMismatch      = "token_total_mismatch"
	AnomalyConfidenceRange    = "confidence_out_of_range"
	AnomalyOrphanError        = "orphan_error"
	AnomalyRecoveredOnFailed  = "recovered_error_on_failed_step"
	AnomalyOrphanTransition   = "orphan_transition"
	AnomalyTakenWithoutCond   = "taken_without_condition"
	AnomalyMultipleTaken      = "multiple_taken_transitions"
	AnomalyOrphanSnapshot     = "orphan_snapshot"
	AnomalyDuplicateSnapshot  = "duplicate_snapshot"
	AnomalyNegativeAIAccounts = "negative_ai_accounting"
)

// Anomaly is a data-integrity problem found in a recorded run. Anomalies
// never prevent a run from loading; the affected step is flagged instead.
type Anomaly struct {
	Code    string `json:"code"`
	StepID  string `json:"stepId,omitempty"`
	RefID   string `json:"refId,omitempty"`
	Message string `json:"message"`
}

func (a Anomaly) String() string {
	if a.StepID == "" {
		return fmt.Sprintf("%s: %s", a.Code, a.Message)
	}
	return fmt.Sprintf("%s [%s]: %s", a.Code, a.StepID, a.Message)
}

// Validate checks the run for data-integrity problems and returns them in a
// deterministic order (step order, then the order checks run).
func Validate(r *Run) []Anomaly {
	var out []Anomaly
	add := func(code, stepID, refID, format string, args ...any) {
		out = append(out, Anomaly{Code: code, StepID: stepID, RefID: refID, Message: fmt.Sprintf(format, args...)})
	}

	steps := make(map[string]Step, len(r.Steps))
	for _, s := range r.Steps {
		if _, dup := steps[s.ID]; dup {
			add(AnomalyDuplicateStep, s.ID, "", "step id %q appears more than once", s.ID)
			continue
		}
		steps[s.ID] = s
		if s.DurationMs() < 0 {
			add(AnomalyNegativeDuration, s.ID, "", "endTime %d precedes startTime %d", s.EndTime, s.StartTime)
		}
		if !s.Status.Valid() {
			add(AnomalyUnknownStatus, s.ID, "", "unknown status %q", s.Status)
		}
	}

	out = append(out, overlaps(r.Steps)...)

	seenLog := make(map[string]bool)
	for _, l := range r.AILogs {
		if _, ok := steps[l.StepID]; !ok {
			add(AnomalyOrphanAILog, l.StepID, l.ModelID, "AI log references unknown step %q", l.StepID)
			continue
		}
		if seenLog[l.StepID] {
			add(AnomalyDuplicateAILog, l.StepID, l.ModelID, "more than one AI log for step; the first is used")
			continue
		}
		seenLog[l.StepID] = true
		if l.InputTokens < 0 || l.OutputTokens < 0 || l.TotalTokens < 0 || l.CostMicros < 0 || l.LatencyMs < 0 {
			add(AnomalyNegativeAIAccounts, l.StepID, l.ModelID, "AI log has negative token, cost or latency fields")
		}
		if l.TotalTokens != l.InputTokens+l.OutputTokens {
			add(AnomalyTokenMismatch, l.StepID, l.ModelID, "totalTokens %d != inputTokens %d + outputTokens %d",
				l.TotalTokens, l.InputTokens, l.OutputTokens)
		}
		if l.Confidence != nil && (*l.Confidence < 0 || *l.Confidence > 1) {
			add(AnomalyConfidenceRange, l.StepID, l.ModelID, "confidence %v outside [0,1]", *l.Confidence)
		}
	}

	for _, e := range r.Errors {
		s, ok := steps[e.StepID]
		if !ok {
			add(AnomalyOrphanError, e.StepID, e.ID, "error references unknown step %q", e.StepID)
			continue
		}
		if e.Recovered && s.Status == StatusFailed {
			add(AnomalyRecoveredOnFailed, e.StepID, e.ID, "error %q marked recovered but step failed", e.ID)
		}
	}

	taken := make(map[string]int)
	for _, t := range r.Transitions {
		if _, ok := steps[t.FromStepID]; !ok {
			add(AnomalyOrphanTransition, t.FromStepID, t.ID, "transition references unknown step %q", t.FromStepID)
			continue
		}
		if t.Taken && !t.ConditionMet {
			add(AnomalyTakenWithoutCond, t.FromStepID, t.ID, "transition %q taken although its condition was not met", t.ID)
		}
		if t.Taken {
			taken[t.FromStepID]++
			if taken[t.FromStepID] == 2 {
				add(AnomalyMultipleTaken, t.FromStepID, t.ID, "more than one transition taken out of step")
			}
		}
	}

	seenSnap := make(map[string]bool)
	for _, sn := range r.Snapshots {
		if _, ok := steps[sn.StepID]; !ok {
			add(AnomalyOrphanSnapshot, sn.StepID, "", "snapshot references unknown step %q", sn.StepID)
			continue
		}
		if seenSnap[sn.StepID] {
			add(AnomalyDuplicateSnapshot, sn.StepID, "", "more than one snapshot for step; the first is used")
		}
		seenSnap[sn.StepID] = true
	}

	return out
}

// overlaps reports steps whose [start, end) intervals intersect. Adjacent
// intervals (end == next start) do not overlap. Each step is checked against
// the furthest-reaching step that started before it, so a step nested inside
// a long earlier one is caught even with other steps in between.
func overlaps(steps []Step) []Anomaly {
	idx := make([]int, 0, len(steps))
	for i, s := range steps {
		if s.DurationMs() > 0 {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return steps[idx[a]].StartTime < steps[idx[b]].StartTime
	})

	var out []Anomaly
	if len(idx) == 0 {
		return out
	}
	widest := steps[idx[0]]
	for k := 1; k < len(idx); k++ {
		cur := steps[idx[k]]
		if cur.StartTime < widest.EndTime {
			out = append(out, Anomaly{
				Code:    AnomalyOverlappingSteps,
				StepID:  cur.ID,
				RefID:   widest.ID,
				Message: fmt.Sprintf("interval [%d,%d) overlaps step %q [%d,%d)", cur.StartTime, cur.EndTime, widest.ID, widest.StartTime, widest.EndTime),
			})
		}
		if cur.EndTime > widest.EndTime {
			widest = cur
		}
	}
	return out
}

// AnomaliesByStep groups anomaly codes by the step they refer to.
func AnomaliesByStep(as []Anomaly) map[string][]string {
	out := make(map[string][]string)
	for _, a := range as {
		if a.StepID == "" {
			continue
		}
		out[a.StepID] = append(out[a.StepID], a.Code)
	}
	return out
}
