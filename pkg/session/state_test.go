package session

import (
	"reflect"
	"testing"
)

func TestApplyDelta(t *testing.T) {
	state := map[string]any{"x": float64(1), "keep": "yes"}
	delta := map[string]any{"x": float64(2), "y": float64(3)}

	out := ApplyDelta(state, delta)

	want := map[string]any{"x": float64(2), "y": float64(3), "keep": "yes"}
	if !reflect.DeepEqual(out, want) {
		t.Errorf("ApplyDelta = %v, want %v", out, want)
	}
	if state["x"] != float64(1) {
		t.Error("ApplyDelta mutated the input state")
	}
}

func TestApplyDeltaNilState(t *testing.T) {
	out := ApplyDelta(nil, map[string]any{"x": float64(1)})
	if out["x"] != float64(1) {
		t.Errorf("expected x=1, got %v", out)
	}

	out = ApplyDelta(nil, nil)
	if out == nil {
		t.Error("expected empty map, got nil")
	}
}

func TestApplyDeltaCopiesValues(t *testing.T) {
	nested := map[string]any{"k": "v"}
	out := ApplyDelta(nil, map[string]any{"nested": nested})

	nested["k"] = "changed"
	if out["nested"].(map[string]any)["k"] != "v" {
		t.Error("delta value was not deep-copied")
	}
}

func TestApplyDeltaPreservesScopePrefixes(t *testing.T) {
	out := ApplyDelta(nil, map[string]any{"user:pref": "dark", "app:flag": true})
	if out["user:pref"] != "dark" || out["app:flag"] != true {
		t.Errorf("scope-prefixed keys not stored verbatim: %v", out)
	}
}

func TestFoldState(t *testing.T) {
	events := []*Event{
		{Author: "user", Actions: EventActions{StateDelta: map[string]any{"x": float64(1)}}},
		{Author: "agent"},
		nil,
		{Author: "agent", Actions: EventActions{StateDelta: map[string]any{"x": float64(2), "y": "b"}}},
	}

	got := FoldState(map[string]any{"init": true}, events)
	want := map[string]any{"init": true, "x": float64(2), "y": "b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("FoldState = %v, want %v", got, want)
	}
}

func TestFoldStateEmpty(t *testing.T) {
	got := FoldState(nil, nil)
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty map, got %v", got)
	}
}
