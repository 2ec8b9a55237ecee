package diff

import (
	"reflect"
	"testing"

	"github.com/kalambet/jreplay/internal/journey"
)

func snap(m map[string]any) journey.Snapshot {
	out := journey.Snapshot{}
	for k, v := range m {
		out[k] = journey.MustFromAny(v)
	}
	return out
}

func TestComputeNestedChange(t *testing.T) {
	a := snap(map[string]any{"a": 1.0, "b": map[string]any{"c": 2.0}})
	b := snap(map[string]any{"a": 1.0, "b": map[string]any{"c": 3.0}, "d": 4.0})

	d := Compute(a, b)
	if !reflect.DeepEqual(d.ChangedKeys, []string{"b.c"}) {
		t.Errorf("ChangedKeys = %v, want [b.c]", d.ChangedKeys)
	}
	if !reflect.DeepEqual(d.AddedKeys, []string{"d"}) {
		t.Errorf("AddedKeys = %v, want [d]", d.AddedKeys)
	}
	if len(d.RemovedKeys) != 0 {
		t.Errorf("RemovedKeys = %v, want []", d.RemovedKeys)
	}
	if d.TotalChanges != 2 {
		t.Errorf("TotalChanges = %d, want 2", d.TotalChanges)
	}

	var changed Change
	for _, c := range d.Changes {
		if c.Operation == OpChanged {
			changed = c
		}
	}
	if changed.OldValue == nil || changed.NewValue == nil ||
		changed.OldValue.Float() != 2 || changed.NewValue.Float() != 3 {
		t.Errorf("changed entry = %+v", changed)
	}
}

func TestComputeUndefinedSides(t *testing.T) {
	s := snap(map[string]any{"x": 1.0, "y": "z"})

	if d := Compute(nil, nil); d.TotalChanges != 0 || len(d.Changes) != 0 {
		t.Errorf("Compute(nil, nil) = %+v, want empty", d)
	}

	d := Compute(nil, s)
	if !reflect.DeepEqual(d.AddedKeys, []string{"x", "y"}) || d.TotalChanges != 2 {
		t.Errorf("Compute(nil, s) = %+v", d)
	}

	d = Compute(s, nil)
	if !reflect.DeepEqual(d.RemovedKeys, []string{"x", "y"}) || d.TotalChanges != 2 {
		t.Errorf("Compute(s, nil) = %+v", d)
	}
}

func TestComputeIdenticalOmitted(t *testing.T) {
	s := snap(map[string]any{"deep": map[string]any{"list": []any{1.0, map[string]any{"k": "v"}}}})
	o := snap(map[string]any{"deep": map[string]any{"list": []any{1.0, map[string]any{"k": "v"}}}})
	if d := Compute(s, o); d.TotalChanges != 0 {
		t.Errorf("deep-equal snapshots produced %+v", d)
	}
}

func TestComputeTypeChangeIsLeaf(t *testing.T) {
	a := snap(map[string]any{"k": map[string]any{"n": 1.0}})
	b := snap(map[string]any{"k": "flat"})
	d := Compute(a, b)
	if !reflect.DeepEqual(d.ChangedKeys, []string{"k"}) {
		t.Errorf("ChangedKeys = %v, want [k]", d.ChangedKeys)
	}
}

func TestSymmetry(t *testing.T) {
	cases := []struct{ a, b journey.Snapshot }{
		{snap(map[string]any{"a": 1.0}), snap(map[string]any{"b": 2.0})},
		{snap(map[string]any{"a": map[string]any{"x": 1.0, "y": 2.0}}), snap(map[string]any{"a": map[string]any{"y": 3.0, "z": 4.0}})},
		{nil, snap(map[string]any{"q": true})},
	}
	for i, c := range cases {
		ab, ba := Compute(c.a, c.b), Compute(c.b, c.a)
		if !reflect.DeepEqual(ab.AddedKeys, ba.RemovedKeys) || !reflect.DeepEqual(ab.RemovedKeys, ba.AddedKeys) {
			t.Errorf("case %d: asymmetric: %+v vs %+v", i, ab, ba)
		}
		if !reflect.DeepEqual(ab.ChangedKeys, ba.ChangedKeys) {
			t.Errorf("case %d: changed keys differ: %v vs %v", i, ab.ChangedKeys, ba.ChangedKeys)
		}
	}
}

func TestCompletenessTopLevel(t *testing.T) {
	a := snap(map[string]any{"same": 1.0, "gone": 2.0, "mod": 3.0})
	b := snap(map[string]any{"same": 1.0, "new": 4.0, "mod": 5.0})
	d := Compute(a, b)

	seen := map[string]int{}
	for _, k := range append(append(append([]string{}, d.AddedKeys...), d.RemovedKeys...), d.ChangedKeys...) {
		seen[k]++
	}
	for _, k := range []string{"gone", "new", "mod"} {
		if seen[k] != 1 {
			t.Errorf("key %q classified %d times", k, seen[k])
		}
	}
	if seen["same"] != 0 {
		t.Error("unchanged key must be omitted")
	}
}

func TestSummary(t *testing.T) {
	d := StepContextDiff{AddedKeys: []string{"a", "b"}, RemovedKeys: []string{"c"}, ChangedKeys: []string{"d", "e", "f"}, TotalChanges: 6}
	if got, want := Summary(d), "+2 added, -1 removed, ~3 changed"; got != want {
		t.Errorf("Summary = %q, want %q", got, want)
	}
	if got := Summary(Compute(nil, nil)); got != "no changes" {
		t.Errorf("Summary(empty) = %q", got)
	}
}

func TestDottedKeyDoesNotCollideWithNesting(t *testing.T) {
	prev := snap(map[string]any{"b.c": 1.0, "b": map[string]any{"c": 1.0}, `x\y`: 1.0})
	cur := snap(map[string]any{"b.c": 2.0, "b": map[string]any{"c": 3.0}, `x\y`: 2.0})

	d := Compute(prev, cur)
	want := []string{`b\.c`, "b.c", `x\\y`}
	if !reflect.DeepEqual(d.ChangedKeys, want) {
		t.Errorf("ChangedKeys = %q, want %q", d.ChangedKeys, want)
	}
}
