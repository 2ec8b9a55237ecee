package journey

import "sort"

type EventKind string

const (
	EventStepStarted  EventKind = "step_started"
	EventAIInvoked    EventKind = "ai_invoked"
	EventError        EventKind = "error"
	EventTransition   EventKind = "transition"
	EventStepFinished EventKind = "step_finished"
)

// Event is a sub-step occurrence on the replay timeline. A step yields a
// start event, an AI invocation if it has an AI log, one event per recorded
// error and transition, and a finish event.
type Event struct {
	Kind      EventKind `json:"kind"`
	StepIndex int       `json:"stepIndex"`
	StepID    string    `json:"stepId"`
	TimeMs    int64     `json:"timeMs"`
	RefID     string    `json:"refId,omitempty"`
}

// Events flattens the run into time-ordered events. Ties keep step order.
func (r *Run) Events() []Event {
	var out []Event
	for i, s := range r.Steps {
		out = append(out, Event{Kind: EventStepStarted, StepIndex: i, StepID: s.ID, TimeMs: s.StartTime})
		if l, ok := r.AILogFor(s.ID); ok {
			out = append(out, Event{Kind: EventAIInvoked, StepIndex: i, StepID: s.ID, TimeMs: s.StartTime, RefID: l.ModelID})
		}
		end := s.EndTime
		if end < s.StartTime {
			end = s.StartTime
		}
		for _, e := range r.ErrorsFor(s.ID) {
			out = append(out, Event{Kind: EventError, StepIndex: i, StepID: s.ID, TimeMs: end, RefID: e.ID})
		}
		for _, t := range r.TransitionsFrom(s.ID) {
			out = append(out, Event{Kind: EventTransition, StepIndex: i, StepID: s.ID, TimeMs: end, RefID: t.ID})
		}
		out = append(out, Event{Kind: EventStepFinished, StepIndex: i, StepID: s.ID, TimeMs: end})
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].TimeMs < out[b].TimeMs
	})
	return out
}
