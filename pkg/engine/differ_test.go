package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bs(s string) []byte { return []byte(s) }

func TestDiffServiceClassification(t *testing.T) {
	tests := []struct {
		name     string
		desired  map[string][]byte
		state    map[string][]byte
		observed Observation
		wantOps  []Operation
		wantDrft int
	}{
		{
			name: "all empty",
		},
		{
			name:     "external resource warns",
			observed: Observation{"r1": bs(`{"a":1}`)},
			wantDrft: 1,
		},
		{
			name:    "state only is delete",
			state:   map[string][]byte{"r1": bs(`{"a":1}`)},
			wantOps: []Operation{{Kind: OpDelete, Service: "s1", Detection: "r1"}},
		},
		{
			name:    "desired only is create",
			desired: map[string][]byte{"r1": bs(`{"a":1}`)},
			wantOps: []Operation{{Kind: OpCreate, Service: "s1", Detection: "r1"}},
		},
		{
			name:     "adopt pre-existing remote",
			desired:  map[string][]byte{"r1": bs(`{"a":1}`)},
			observed: Observation{"r1": bs(`{"a":2}`)},
			wantOps:  []Operation{{Kind: OpCreate, Service: "s1", Detection: "r1"}},
		},
		{
			name:    "repair vanished remote",
			desired: map[string][]byte{"r1": bs(`{"a":1}`)},
			state:   map[string][]byte{"r1": bs(`{"a":1}`)},
			wantOps: []Operation{{Kind: OpCreate, Service: "s1", Detection: "r1"}},
		},
		{
			name:     "in sync",
			desired:  map[string][]byte{"r1": bs(`{"a":1}`)},
			state:    map[string][]byte{"r1": bs(`{"a":1}`)},
			observed: Observation{"r1": bs(`{"a":1}`)},
		},
		{
			name:     "content drift is update",
			desired:  map[string][]byte{"r1": bs(`{"a":2}`)},
			state:    map[string][]byte{"r1": bs(`{"a":1}`)},
			observed: Observation{"r1": bs(`{"a":1}`)},
			wantOps:  []Operation{{Kind: OpUpdate, Service: "s1", Detection: "r1"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops, drift := DiffService("s1", tt.desired, tt.state, tt.observed)
			require.Len(t, ops, len(tt.wantOps))
			for i, want := range tt.wantOps {
				assert.Equal(t, want.Kind, ops[i].Kind)
				assert.Equal(t, want.Service, ops[i].Service)
				assert.Equal(t, want.Detection, ops[i].Detection)
			}
			assert.Len(t, drift, tt.wantDrft)
		})
	}
}

func TestDiffCanonicalEquality(t *testing.T) {
	// Key order and whitespace differences canonicalize away.
	desired := map[string][]byte{"r1": bs(`{"a": 1, "b": "x"}`)}
	state := map[string][]byte{"r1": bs(`{"b":"x","a":1}`)}
	observed := Observation{"r1": bs("{\n  \"b\": \"x\",\n  \"a\": 1\n}")}

	ops, _ := DiffService("s1", desired, state, observed)
	assert.Empty(t, ops)

	// Non-JSON payloads compare raw.
	ops, _ = DiffService("s1",
		map[string][]byte{"r1": bs("raw-a")},
		map[string][]byte{"r1": bs("raw-a")},
		Observation{"r1": bs("raw-b")})
	require.Len(t, ops, 1)
	assert.Equal(t, OpUpdate, ops[0].Kind)
}

func TestDiffOrdering(t *testing.T) {
	targets := []ServiceTarget{
		{ID: "s2", Desired: map[string][]byte{"b-create": bs(`1`)}},
		{ID: "s1", Desired: map[string][]byte{
			"z-create": bs(`1`),
			"a-update": bs(`2`),
		}},
	}
	doc := NewStateDoc()
	doc.SetArtifact("s1", "m-delete", bs(`1`))
	doc.SetArtifact("s1", "a-update", bs(`1`))

	observed := map[string]Observation{
		"s1": {"a-update": bs(`1`)},
		"s2": {},
	}

	plan := Diff(targets, doc, observed)
	require.Len(t, plan.Ops, 4)

	// Deletes, then creates, then updates; lexicographic within a kind.
	assert.Equal(t, OpDelete, plan.Ops[0].Kind)
	assert.Equal(t, "m-delete", plan.Ops[0].Detection)
	assert.Equal(t, OpCreate, plan.Ops[1].Kind)
	assert.Equal(t, "s1", plan.Ops[1].Service)
	assert.Equal(t, "z-create", plan.Ops[1].Detection)
	assert.Equal(t, OpCreate, plan.Ops[2].Kind)
	assert.Equal(t, "s2", plan.Ops[2].Service)
	assert.Equal(t, OpUpdate, plan.Ops[3].Kind)
	assert.Equal(t, "a-update", plan.Ops[3].Detection)
}

func TestDiffIsPure(t *testing.T) {
	targets := []ServiceTarget{
		{ID: "s1", Desired: map[string][]byte{"r1": bs(`{"a":1}`), "r2": bs(`{"b":2}`)}},
	}
	doc := NewStateDoc()
	doc.SetArtifact("s1", "r2", bs(`{"b":1}`))
	observed := map[string]Observation{"s1": {"r2": bs(`{"b":1}`)}}

	first := Diff(targets, doc, observed)
	second := Diff(targets, doc, observed)
	assert.Equal(t, first, second)
}
