// Package journey holds the recorded journey-run data model consumed by the
// replay engine. A Run is read-only once loaded.
package journey

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

type StepStatus string

const (
	StatusPending   StepStatus = "pending"
	StatusRunning   StepStatus = "running"
	StatusCompleted StepStatus = "completed"
	StatusFailed    StepStatus = "failed"
	StatusSkipped   StepStatus = "skipped"
)

// Valid reports whether s is one of the known step statuses.
func (s StepStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Step is one unit of work within a run. StartTime and EndTime are
// millisecond offsets from run start.
type Step struct {
	ID                string     `json:"stepId"`
	Name              string     `json:"stepName"`
	Type              string     `json:"stepType"`
	Description       string     `json:"description,omitempty"`
	StartTime         int64      `json:"startTime"`
	EndTime           int64      `json:"endTime"`
	Status            StepStatus `json:"status"`
	InputData         Value      `json:"inputData"`
	OutputData        Value      `json:"outputData"`
	Decision          string     `json:"decision,omitempty"`
	DecisionReason    string     `json:"decisionReason,omitempty"`
	RetryCount        int        `json:"retryCount"`
	MaxRetries        int        `json:"maxRetries"`
	FallbackTriggered bool       `json:"fallbackTriggered,omitempty"`
	FallbackStrategy  string     `json:"fallbackStrategy,omitempty"`
	FallbackStepID    string     `json:"fallbackStepId,omitempty"`
}

// DurationMs is EndTime - StartTime. It is negative for corrupt records.
func (s Step) DurationMs() int64 {
	return s.EndTime - s.StartTime
}

// AILog records the single model invocation a step may have made.
type AILog struct {
	StepID          string   `json:"stepId"`
	ModelID         string   `json:"modelId"`
	SystemPrompt    string   `json:"systemPrompt,omitempty"`
	UserPrompt      string   `json:"userPrompt,omitempty"`
	Response        string   `json:"response,omitempty"`
	InputTokens     int64    `json:"inputTokens"`
	OutputTokens    int64    `json:"outputTokens"`
	TotalTokens     int64    `json:"totalTokens"`
	LatencyMs       int64    `json:"latencyMs"`
	CostMicros      int64    `json:"costMicros"`
	SelectedOutcome string   `json:"selectedOutcome,omitempty"`
	Confidence      *float64 `json:"confidence,omitempty"`
	Reasoning       string   `json:"reasoning,omitempty"`
}

// RunError is an error recorded during the run. It is data, not an engine
// fault.
type RunError struct {
	ID             string `json:"id"`
	StepID         string `json:"stepId"`
	ErrorCode      string `json:"errorCode"`
	ErrorType      string `json:"errorType"`
	Message        string `json:"message"`
	Stacktrace     string `json:"stacktrace,omitempty"`
	Recovered      bool   `json:"recovered"`
	Retryable      bool   `json:"retryable"`
	RecoveryAction string `json:"recoveryAction,omitempty"`
}

// Transition is an evaluated edge out of a step.
type Transition struct {
	ID           string `json:"id"`
	FromStepID   string `json:"fromStepId"`
	ToStepID     string `json:"toStepId"`
	ConditionMet bool   `json:"conditionMet"`
	Taken        bool   `json:"taken"`
}

// ContextSnapshot is the workflow state recorded immediately after a step.
type ContextSnapshot struct {
	StepID string   `json:"stepId"`
	Data   Snapshot `json:"data"`
}

// Run is one recorded execution of a journey.
type Run struct {
	ID          string            `json:"runId"`
	JourneyID   string            `json:"journeyId"`
	Name        string            `json:"name,omitempty"`
	Steps       []Step            `json:"steps"`
	AILogs      []AILog           `json:"aiLogs,omitempty"`
	Errors      []RunError        `json:"errors,omitempty"`
	Transitions []Transition      `json:"transitions,omitempty"`
	Snapshots   []ContextSnapshot `json:"snapshots,omitempty"`
}

// Decode reads a run encoded as JSON.
func Decode(r io.Reader) (*Run, error) {
	var run Run
	if err := json.NewDecoder(r).Decode(&run); err != nil {
		return nil, fmt.Errorf("decoding run: %w", err)
	}
	return &run, nil
}

// LoadFile reads a run from a JSON file.
func LoadFile(path string) (*Run, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening run file: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// AILogFor returns the first AI log recorded for stepID.
func (r *Run) AILogFor(stepID string) (AILog, bool) {
	for _, l := range r.AILogs {
		if l.StepID == stepID {
			return l, true
		}
	}
	return AILog{}, false
}

// ErrorsFor returns the errors recorded for stepID in recorded order.
func (r *Run) ErrorsFor(stepID string) []RunError {
	var out []RunError
	for _, e := range r.Errors {
		if e.StepID == stepID {
			out = append(out, e)
		}
	}
	return out
}

// TransitionsFrom returns the transitions evaluated out of stepID.
func (r *Run) TransitionsFrom(stepID string) []Transition {
	var out []Transition
	for _, t := range r.Transitions {
		if t.FromStepID == stepID {
			out = append(out, t)
		}
	}
	return out
}

// SnapshotFor returns the snapshot recorded after stepID, or nil.
func (r *Run) SnapshotFor(stepID string) Snapshot {
	for _, s := range r.Snapshots {
		if s.StepID == stepID {
			return s.Data
		}
	}
	return nil
}

// SpanMs is the wall-clock span of the run: the latest step end offset.
func (r *Run) SpanMs() int64 {
	var span int64
	for _, s := range r.Steps {
		if s.EndTime > span {
			span = s.EndTime
		}
	}
	return span
}
