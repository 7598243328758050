package harness

import (
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/vaultsync/internal/ir"
)

// Snapshot is the golden form of a run: the trace and every node's final
// state. IDs and timestamps are left out.
type Snapshot struct {
	ScenarioName string
	Trace        []TraceEvent
	State        map[string]NodeState
}

// toCanonicalMap converts a Snapshot to plain maps for canonical JSON.
// ir.MarshalCanonical only handles payload values and plain Go containers.
func (s *Snapshot) toCanonicalMap() map[string]any {
	trace := make([]any, len(s.Trace))
	for i, ev := range s.Trace {
		m := map[string]any{
			"step":   ev.Step,
			"action": ev.Action,
			"node":   ev.Node,
		}
		if ev.Peer != "" {
			m["peer"] = ev.Peer
			m["records"] = ev.Records
			m["applied"] = ev.Applied
			m["conflicts"] = ev.Conflicts
		}
		if ev.Entity != "" {
			m["entity"] = ev.Entity
		}
		if ev.Error != "" {
			m["error"] = ev.Error
		}
		trace[i] = m
	}

	nodes := make(map[string]any, len(s.State))
	for id, st := range s.State {
		clock := make(map[string]any, len(st.Clock))
		for k, v := range st.Clock {
			clock[k] = int64(v)
		}
		entities := make([]any, len(st.Entities))
		for i, e := range st.Entities {
			entities[i] = entityMap(e)
		}
		conflicts := make([]any, len(st.Conflicts))
		for i, c := range st.Conflicts {
			m := map[string]any{"entity": c.Entity, "kind": c.Kind, "status": c.Status}
			if c.Strategy != "" {
				m["strategy"] = c.Strategy
			}
			conflicts[i] = m
		}
		nodes[id] = map[string]any{
			"clock":     clock,
			"entities":  entities,
			"conflicts": conflicts,
		}
	}

	return map[string]any{
		"scenario": s.ScenarioName,
		"trace":    trace,
		"nodes":    nodes,
	}
}

func entityMap(e EntityState) map[string]any {
	m := map[string]any{
		"entity": e.Key(),
		"state":  e.State,
	}
	if e.Deleted {
		m["deleted"] = true
	}
	return m
}

// Golden renders a result as canonical JSON.
func Golden(name string, result *Result) ([]byte, error) {
	snap := Snapshot{ScenarioName: name, Trace: result.Trace, State: result.State}
	return ir.MarshalCanonical(snap.toCanonicalMap())
}

// RunWithGolden executes a scenario, fails t on any step or assertion
// failure, and compares the run against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) *Result {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		t.Fatalf("run %s: %v", scenario.Name, err)
	}
	if !result.Pass {
		t.Fatalf("scenario %s failed:\n%s", scenario.Name, strings.Join(result.Errors, "\n"))
	}

	data, err := Golden(scenario.Name, result)
	if err != nil {
		t.Fatalf("render golden for %s: %v", scenario.Name, err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, data)
	return result
}
