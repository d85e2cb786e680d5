package session

// ApplyDelta merges a state delta into state and returns the result.
// The input state is not mutated; delta values are deep-copied so later
// caller mutations cannot leak into stored state. Delta keys overwrite
// existing keys; scope prefixes on keys are preserved verbatim.
func ApplyDelta(state, delta map[string]any) map[string]any {
	out := cloneState(state)
	if out == nil {
		out = make(map[string]any, len(delta))
	}
	for k, v := range delta {
		out[k] = cloneValue(v)
	}
	return out
}

// FoldState recomputes the materialized state by folding every event's
// state delta, in order, over the initial state. Backends that maintain
// state incrementally must produce a result identical to this fold.
func FoldState(initial map[string]any, events []*Event) map[string]any {
	state := cloneState(initial)
	if state == nil {
		state = make(map[string]any)
	}
	for _, ev := range events {
		if ev == nil || len(ev.Actions.StateDelta) == 0 {
			continue
		}
		for k, v := range ev.Actions.StateDelta {
			state[k] = cloneValue(v)
		}
	}
	return state
}

func cloneState(state map[string]any) map[string]any {
	if state == nil {
		return nil
	}
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue deep-copies JSON-shaped values. Scalars are returned as-is.
func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = cloneValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
