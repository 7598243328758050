package harness

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/roach88/vaultsync/internal/ir"
	"github.com/roach88/vaultsync/internal/vclock"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, ev := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s %s", ev.Step, ev.Action, ev.Node)
		if ev.Peer != "" {
			fmt.Fprintf(&buf, " <- %s (records=%d applied=%d conflicts=%d)", ev.Peer, ev.Records, ev.Applied, ev.Conflicts)
		}
		if ev.Entity != "" {
			fmt.Fprintf(&buf, " %s", ev.Entity)
		}
		if ev.Error != "" {
			fmt.Fprintf(&buf, " error=%s", ev.Error)
		}
		buf.WriteByte('\n')
	}
	return buf.String()
}

// EvaluateAssertions checks every assertion against a finished run and
// returns one message per failure.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertConverged:
			err = assertConverged(result, a)
		case AssertEntity:
			err = assertEntity(result, a)
		case AssertConflicts:
			err = assertConflicts(result, a)
		case AssertClock:
			err = assertClock(result, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

// assertConverged checks that the nodes hold identical entities.
func assertConverged(result *Result, a Assertion) error {
	nodes := a.Nodes
	if len(nodes) == 0 {
		for id := range result.State {
			nodes = append(nodes, id)
		}
	}
	if len(nodes) < 2 {
		return nil
	}

	// Compare against the lexically first node for a stable message.
	first := nodes[0]
	for _, n := range nodes[1:] {
		if n < first {
			first = n
		}
	}
	want, err := entitiesFingerprint(result.State[first])
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if n == first {
			continue
		}
		got, err := entitiesFingerprint(result.State[n])
		if err != nil {
			return err
		}
		if !bytes.Equal(want, got) {
			return &AssertionError{
				Type:     AssertConverged,
				Expected: fmt.Sprintf("%s to hold %s", n, want),
				Actual:   string(got),
				Trace:    result.Trace,
			}
		}
	}
	return nil
}

// entitiesFingerprint is the canonical JSON of a node's entities.
func entitiesFingerprint(st NodeState) ([]byte, error) {
	list := make([]any, len(st.Entities))
	for i, e := range st.Entities {
		list[i] = entityMap(e)
	}
	return ir.MarshalCanonical(list)
}

func assertEntity(result *Result, a Assertion) error {
	ent, ok := result.State[a.Node].entity(a.Entity)
	if !ok {
		return &AssertionError{
			Type:     AssertEntity,
			Expected: fmt.Sprintf("%s on %s", a.Entity, a.Node),
			Actual:   "entity not found",
			Trace:    result.Trace,
		}
	}
	if ent.Deleted != a.Deleted {
		return &AssertionError{
			Type:     AssertEntity,
			Expected: fmt.Sprintf("%s deleted=%t on %s", a.Entity, a.Deleted, a.Node),
			Actual:   fmt.Sprintf("deleted=%t", ent.Deleted),
			Trace:    result.Trace,
		}
	}

	for field, want := range a.Expect {
		wantValue, err := ir.FromGo(want)
		if err != nil {
			return fmt.Errorf("expect.%s: %w", field, err)
		}
		got, present := ent.State[field]
		if !present || !valuesEqual(got, wantValue) {
			actual := "missing"
			if present {
				actual = formatValue(got)
			}
			return &AssertionError{
				Type:     AssertEntity,
				Expected: fmt.Sprintf("%s.%s = %s on %s", a.Entity, field, formatValue(wantValue), a.Node),
				Actual:   actual,
				Trace:    result.Trace,
			}
		}
	}
	return nil
}

func assertConflicts(result *Result, a Assertion) error {
	count := 0
	for _, c := range result.State[a.Node].Conflicts {
		switch {
		case a.Status == "all",
			a.Status == "pending" && c.Status == string(ir.StatusPending),
			a.Status == "resolved" && c.Status == string(ir.StatusResolved):
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertConflicts,
			Expected: fmt.Sprintf("%d %s conflicts on %s", a.Count, a.Status, a.Node),
			Actual:   fmt.Sprintf("%d", count),
			Trace:    result.Trace,
		}
	}
	return nil
}

func assertClock(result *Result, a Assertion) error {
	want := vclock.Clock(a.Clock)
	got := result.State[a.Node].Clock
	if got.Compare(want) != vclock.Equal {
		return &AssertionError{
			Type:     AssertClock,
			Expected: fmt.Sprintf("%s on %s", want, a.Node),
			Actual:   got.String(),
			Trace:    result.Trace,
		}
	}
	return nil
}

// valuesEqual compares payload values by their canonical encoding.
func valuesEqual(a, b ir.Value) bool {
	x, err := ir.MarshalCanonical(a)
	if err != nil {
		return false
	}
	y, err := ir.MarshalCanonical(b)
	if err != nil {
		return false
	}
	return bytes.Equal(x, y)
}

func formatValue(v ir.Value) string {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
