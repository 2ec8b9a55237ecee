// Package diff computes structural differences between two context
// snapshots. Nested maps are walked so a change deep inside the workflow
// state is reported at its own dot-separated path. A key that itself holds a
// dot or backslash has them escaped with a backslash, so "b.c" as one key
// reads `b\.c` while c nested under b reads `b.c`.
package diff

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/jreplay/internal/journey"
)

type Operation string

const (
	OpAdded   Operation = "added"
	OpRemoved Operation = "removed"
	OpChanged Operation = "changed"
)

// Change is a single entry of a StepContextDiff.
type Change struct {
	Path      string         `json:"path"`
	Operation Operation      `json:"operation"`
	OldValue  *journey.Value `json:"oldValue,omitempty"`
	NewValue  *journey.Value `json:"newValue,omitempty"`
}

// StepContextDiff is the difference between the snapshot before a step and
// the snapshot after it. Unchanged keys are omitted.
type StepContextDiff struct {
	AddedKeys    []string `json:"addedKeys"`
	RemovedKeys  []string `json:"removedKeys"`
	ChangedKeys  []string `json:"changedKeys"`
	Changes      []Change `json:"changes"`
	TotalChanges int      `json:"totalChanges"`
}

// Compute diffs previous against current. Either side may be nil, meaning
// no snapshot was recorded: every key of the other side is then added or
// removed.
func Compute(previous, current journey.Snapshot) StepContextDiff {
	d := StepContextDiff{
		AddedKeys:   []string{},
		RemovedKeys: []string{},
		ChangedKeys: []string{},
		Changes:     []Change{},
	}
	walk(&d, "", previous, current)
	d.TotalChanges = len(d.AddedKeys) + len(d.RemovedKeys) + len(d.ChangedKeys)
	return d
}

func walk(d *StepContextDiff, prefix string, prev, cur map[string]journey.Value) {
	for _, k := range unionKeys(prev, cur) {
		path := escapeKey(k)
		if prefix != "" {
			path = prefix + "." + path
		}
		pv, inPrev := prev[k]
		cv, inCur := cur[k]
		switch {
		case !inPrev:
			d.AddedKeys = append(d.AddedKeys, path)
			d.Changes = append(d.Changes, Change{Path: path, Operation: OpAdded, NewValue: ptr(cv)})
		case !inCur:
			d.RemovedKeys = append(d.RemovedKeys, path)
			d.Changes = append(d.Changes, Change{Path: path, Operation: OpRemoved, OldValue: ptr(pv)})
		case pv.Equal(cv):
		case pv.Kind() == journey.KindMap && cv.Kind() == journey.KindMap:
			walk(d, path, pv.Fields(), cv.Fields())
		default:
			d.ChangedKeys = append(d.ChangedKeys, path)
			d.Changes = append(d.Changes, Change{Path: path, Operation: OpChanged, OldValue: ptr(pv), NewValue: ptr(cv)})
		}
	}
}

func unionKeys(a, b map[string]journey.Value) []string {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

var keyEscaper = strings.NewReplacer(`\`, `\\`, `.`, `\.`)

func escapeKey(k string) string { return keyEscaper.Replace(k) }

func ptr(v journey.Value) *journey.Value { return &v }

// Summary renders a one-line description such as
// "+2 added, -1 removed, ~3 changed". An empty diff reads "no changes".
func Summary(d StepContextDiff) string {
	if d.TotalChanges == 0 {
		return "no changes"
	}
	return fmt.Sprintf("+%d added, -%d removed, ~%d changed", len(d.AddedKeys), len(d.RemovedKeys), len(d.ChangedKeys))
}
