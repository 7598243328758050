// Package vclock implements vector clocks for causal ordering of changes
// between terminals.
//
// A Clock maps a node ID to the number of events that node has originated.
// Clocks are values: Increment and Merge return new clocks and never mutate
// their receiver, so a clock stamped on a change record can be shared freely.
// Nodes missing from a clock count as zero.
package vclock

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Ordering is the causal relationship between two clocks.
type Ordering int

const (
	Before     Ordering = -1 // a happened before b
	Equal      Ordering = 0  // identical
	After      Ordering = 1  // a happened after b
	Concurrent Ordering = 2  // neither dominates: a genuine conflict
)

var orderingNames = map[Ordering]string{
	Before:     "Before",
	Equal:      "Equal",
	After:      "After",
	Concurrent: "Concurrent",
}

func (o Ordering) String() string {
	if s, ok := orderingNames[o]; ok {
		return s
	}
	return fmt.Sprintf("Ordering(%d)", int(o))
}

// MarshalText implements encoding.TextMarshaler.
func (o Ordering) MarshalText() ([]byte, error) {
	s, ok := orderingNames[o]
	if !ok {
		return nil, fmt.Errorf("invalid ordering %d", int(o))
	}
	return []byte(s), nil
}

// Clock is a vector timestamp.
type Clock map[string]uint64

// New returns an empty clock.
func New() Clock {
	return Clock{}
}

// Get returns the counter for node, zero if unknown.
func (c Clock) Get(node string) uint64 {
	return c[node]
}

// Clone returns an independent copy. A nil clock clones to an empty one.
func (c Clock) Clone() Clock {
	out := make(Clock, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Increment returns a copy of c with node's counter advanced by one.
// A node only ever increments its own counter.
func (c Clock) Increment(node string) Clock {
	out := c.Clone()
	out[node]++
	return out
}

// Merge returns the pointwise maximum of c and other.
func (c Clock) Merge(other Clock) Clock {
	out := c.Clone()
	for k, v := range other {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// Compare returns the causal ordering of c relative to other.
func (c Clock) Compare(other Clock) Ordering {
	less, greater := false, false

	for k, v := range c {
		o := other[k]
		if v < o {
			less = true
		} else if v > o {
			greater = true
		}
	}
	for k, o := range other {
		if _, seen := c[k]; seen {
			continue
		}
		if o > 0 {
			less = true
		}
	}

	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// Dominates reports whether every counter in other is <= the one in c.
// It is true for both After and Equal.
func (c Clock) Dominates(other Clock) bool {
	ord := c.Compare(other)
	return ord == After || ord == Equal
}

// Nodes returns the node IDs with a non-zero counter, sorted.
func (c Clock) Nodes() []string {
	nodes := make([]string, 0, len(c))
	for k, v := range c {
		if v > 0 {
			nodes = append(nodes, k)
		}
	}
	slices.Sort(nodes)
	return nodes
}

// String renders the clock as {a:1, b:2} with sorted node IDs.
func (c Clock) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, n := range c.Nodes() {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s:%d", n, c[n])
	}
	b.WriteByte('}')
	return b.String()
}

// MarshalJSON emits a JSON object. A nil clock encodes as {} rather than null.
func (c Clock) MarshalJSON() ([]byte, error) {
	if c == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]uint64(c))
}

// UnmarshalJSON accepts a JSON object of node counters; null yields an empty clock.
func (c *Clock) UnmarshalJSON(data []byte) error {
	var m map[string]uint64
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("vector clock: %w", err)
	}
	if m == nil {
		m = map[string]uint64{}
	}
	*c = Clock(m)
	return nil
}

// Parse decodes a clock from its JSON form. Empty input yields an empty clock.
func Parse(data string) (Clock, error) {
	if strings.TrimSpace(data) == "" {
		return New(), nil
	}
	var c Clock
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, err
	}
	return c, nil
}

// MustJSON returns the JSON encoding of c. Encoding a map of counters cannot fail.
func (c Clock) MustJSON() string {
	data, err := c.MarshalJSON()
	if err != nil {
		panic(err)
	}
	return string(data)
}
