package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/vaultsync/internal/ir"
	"github.com/roach88/vaultsync/internal/vclock"
)

func fixtureResult() *Result {
	espresso := ir.Object{"id": ir.String("p-1"), "price_cents": ir.Int(350)}
	r := NewResult()
	r.Trace = append(r.Trace, TraceEvent{Step: 1, Action: ActionSync, Node: "b", Peer: "a", Records: 1, Applied: 1})
	r.State["a"] = NodeState{
		Clock:    vclock.Clock{"a": 1},
		Entities: []EntityState{{Type: "product", ID: "p-1", State: espresso}},
	}
	r.State["b"] = NodeState{
		Clock:    vclock.Clock{"a": 1},
		Entities: []EntityState{{Type: "product", ID: "p-1", State: espresso.Clone()}},
		Conflicts: []ConflictState{
			{Entity: "product/p-1", Kind: "ConcurrentModification", Status: "Resolved", Strategy: "RemoteWins"},
			{Entity: "product/p-2", Kind: "DeleteUpdate", Status: "Pending"},
		},
	}
	r.State["c"] = NodeState{
		Clock: vclock.Clock{},
		Entities: []EntityState{{Type: "product", ID: "p-1", Deleted: true,
			State: ir.Object{"id": ir.String("p-1"), "price_cents": ir.Int(350)}}},
	}
	return r
}

func TestEvaluateAssertions_Pass(t *testing.T) {
	errs := EvaluateAssertions(fixtureResult(), []Assertion{
		{Type: AssertConverged, Nodes: []string{"a", "b"}},
		{Type: AssertEntity, Node: "b", Entity: "product/p-1", Expect: map[string]interface{}{"price_cents": 350}},
		{Type: AssertEntity, Node: "c", Entity: "product/p-1", Deleted: true},
		{Type: AssertConflicts, Node: "b", Status: "pending", Count: 1},
		{Type: AssertConflicts, Node: "b", Status: "resolved", Count: 1},
		{Type: AssertConflicts, Node: "b", Status: "all", Count: 2},
		{Type: AssertClock, Node: "a", Clock: map[string]uint64{"a": 1}},
	})
	assert.Empty(t, errs)
}

func TestEvaluateAssertions_Failures(t *testing.T) {
	tests := []struct {
		name      string
		assertion Assertion
		want      string
	}{
		{"diverged", Assertion{Type: AssertConverged}, "Assertion failed: converged"},
		{"missing entity", Assertion{Type: AssertEntity, Node: "a", Entity: "product/p-9", Expect: map[string]interface{}{"id": "p-9"}}, "entity not found"},
		{"wrong field", Assertion{Type: AssertEntity, Node: "a", Entity: "product/p-1", Expect: map[string]interface{}{"price_cents": 400}}, "Actual: 350"},
		{"missing field", Assertion{Type: AssertEntity, Node: "a", Entity: "product/p-1", Expect: map[string]interface{}{"sku": "X"}}, "Actual: missing"},
		{"not deleted", Assertion{Type: AssertEntity, Node: "a", Entity: "product/p-1", Deleted: true}, "deleted=true"},
		{"conflict count", Assertion{Type: AssertConflicts, Node: "a", Status: "all", Count: 1}, "1 all conflicts on a"},
		{"clock", Assertion{Type: AssertClock, Node: "b", Clock: map[string]uint64{"a": 2}}, "Assertion failed: clock"},
		{"unknown type", Assertion{Type: "vibes"}, `unknown assertion type "vibes"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := EvaluateAssertions(fixtureResult(), []Assertion{tt.assertion})
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0], tt.want)
			assert.Contains(t, errs[0], "assertions[0]")
		})
	}
}

func TestAssertionError_IncludesTrace(t *testing.T) {
	err := &AssertionError{
		Type:     AssertClock,
		Expected: "{a:2}",
		Actual:   "{a:1}",
		Trace:    []TraceEvent{{Step: 1, Action: ActionSync, Node: "b", Peer: "a", Records: 1, Applied: 1}},
	}
	msg := err.Error()
	assert.Contains(t, msg, "Expected: {a:2}")
	assert.Contains(t, msg, "[1] sync b <- a (records=1 applied=1 conflicts=0)")
}
