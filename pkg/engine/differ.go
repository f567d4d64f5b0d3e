package engine

import (
	"bytes"
	"encoding/json"
)

// Observation is the observed view for one service, keyed by detection local
// name. Presence in the map means the remote artifact exists.
type Observation map[string][]byte

// DiffService classifies every detection name known for one service into
// create/update/delete operations.
//
// desired is the workspace view, state the persisted view, observed the
// remote view. When stateOnly is set the caller passed observed := state and
// the classification degrades accordingly.
func DiffService(service string, desired, state map[string][]byte, observed Observation) ([]Operation, []DriftWarning) {
	var ops []Operation
	var drift []DriftWarning

	names := make(map[string]struct{}, len(desired)+len(state)+len(observed))
	for n := range desired {
		names[n] = struct{}{}
	}
	for n := range state {
		names[n] = struct{}{}
	}
	for n := range observed {
		names[n] = struct{}{}
	}

	for name := range names {
		d, inDesired := desired[name]
		_, inState := state[name]
		o, inObserved := observed[name]

		switch {
		case !inDesired && !inState:
			if inObserved {
				// External resource: warn, never touch outside destroy.
				drift = append(drift, DriftWarning{Service: service, Detection: name})
			}
		case !inDesired && inState:
			ops = append(ops, Operation{Kind: OpDelete, Service: service, Detection: name, Prior: o})
		case inDesired && !inState:
			// Create, adopting any pre-existing remote artifact.
			ops = append(ops, Operation{Kind: OpCreate, Service: service, Detection: name, Desired: d})
		case inDesired && inState && !inObserved:
			// Repair: the remote artifact vanished out from under the state.
			ops = append(ops, Operation{Kind: OpCreate, Service: service, Detection: name, Desired: d})
		default:
			if !canonicalEqual(d, o) {
				ops = append(ops, Operation{Kind: OpUpdate, Service: service, Detection: name, Prior: o, Desired: d})
			}
		}
	}

	return ops, drift
}

// Diff builds the full plan over every target in scope. The observed view per
// service must cover the names read by the caller (desired ∪ state), or be
// the state itself under --state-only.
func Diff(targets []ServiceTarget, state *StateDoc, observed map[string]Observation) *Plan {
	plan := &Plan{}
	for _, t := range targets {
		ops, drift := DiffService(t.ID, t.Desired, state.Artifacts[t.ID], observed[t.ID])
		plan.Ops = append(plan.Ops, ops...)
		plan.Drift = append(plan.Drift, drift...)
	}
	sortOps(plan.Ops)
	return plan
}

// canonicalEqual compares two detection payloads on their canonical form.
// The canonical form of a JSON document is its re-serialization with sorted
// object keys; payloads that do not parse as JSON compare raw.
func canonicalEqual(a, b []byte) bool {
	return bytes.Equal(Canonical(a), Canonical(b))
}

// Canonical returns the canonical form of a detection payload.
func Canonical(content []byte) []byte {
	var v any
	if err := json.Unmarshal(content, &v); err != nil {
		return content
	}
	out, err := json.Marshal(v)
	if err != nil {
		return content
	}
	return out
}
