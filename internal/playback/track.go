package playback

import (
	"sort"

	"github.com/kalambet/jreplay/internal/journey"
)

type interval struct {
	start, end int64
}

// Track is the immutable time layout of a loaded run: step intervals and
// the ordered sub-event times the player steps through.
type Track struct {
	stepIDs    []string
	steps      []interval
	events     []journey.Event
	durationMs int64
}

// NewTrack lays out run for playback. The duration is the latest step end,
// so recorded gaps between steps are replayed as idle time.
func NewTrack(run *journey.Run) Track {
	t := Track{
		stepIDs:    make([]string, len(run.Steps)),
		steps:      make([]interval, len(run.Steps)),
		events:     run.Events(),
		durationMs: run.SpanMs(),
	}
	for i, s := range run.Steps {
		t.stepIDs[i] = s.ID
		t.steps[i] = interval{start: s.StartTime, end: s.EndTime}
	}
	if t.durationMs < 0 {
		t.durationMs = 0
	}
	return t
}

func (t Track) DurationMs() int64 { return t.durationMs }
func (t Track) Events() []journey.Event { return t.events }
func (t Track) TotalSteps() int { return len(t.steps) }

// StepID returns the id of step i, or "" when out of range.
func (t Track) StepID(i int) string {
	if i < 0 || i >= len(t.stepIDs) {
		return ""
	}
	return t.stepIDs[i]
}

// StepAt returns the index of the step whose half-open [start, end) interval
// contains ms. When several do, the later step wins. In a gap, or at the
// very end, it falls back to the latest step that has already started. It
// returns 0 for a run without steps.
func (t Track) StepAt(ms int64) int {
	found := -1
	for i, iv := range t.steps {
		if iv.start <= ms && ms < iv.end {
			found = i
		}
	}
	if found >= 0 {
		return found
	}
	best := 0
	var bestStart int64 = -1 << 62
	for i, iv := range t.steps {
		if iv.start <= ms && iv.start >= bestStart {
			best, bestStart = i, iv.start
		}
	}
	return best
}

// EventsThrough counts the events at or before ms.
func (t Track) EventsThrough(ms int64) int {
	return sort.Search(len(t.events), func(i int) bool { return t.events[i].TimeMs > ms })
}
