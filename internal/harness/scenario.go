package harness

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/vaultsync/internal/ir"
)

// Scenario defines a replication scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Nodes are the terminal IDs taking part. Every node knows every other.
	Nodes []string `yaml:"nodes"`

	// BatchSize caps records per pull. Zero uses the engine default.
	BatchSize int `yaml:"batch_size,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one action on one node.
type Step struct {
	// Action is "write", "sync" or "resolve".
	Action string `yaml:"action"`

	// Node performs the step.
	Node string `yaml:"node"`

	// Peer is the node pulled from (sync).
	Peer string `yaml:"peer,omitempty"`

	// Entity is "type/id" (write, resolve).
	Entity string `yaml:"entity,omitempty"`

	// Op is Create, Update or Delete (write).
	Op string `yaml:"op,omitempty"`

	// Payload is the entity post-state (write).
	Payload map[string]interface{} `yaml:"payload,omitempty"`

	// Repeat writes the step this many times, adding the repetition number to
	// the entity ID (write). Used to build logs longer than one batch.
	Repeat int `yaml:"repeat,omitempty"`

	// Strategy is LocalWins or RemoteWins (resolve).
	Strategy string `yaml:"strategy,omitempty"`

	// By is recorded as the resolver (resolve).
	By string `yaml:"by,omitempty"`

	// Expect checks the counts of a sync session.
	Expect *SyncExpect `yaml:"expect,omitempty"`

	// ExpectError is the error code the step must fail with.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// SyncExpect lists the session counts a sync step must produce.
// Nil fields are not checked.
type SyncExpect struct {
	Records   *int `yaml:"records,omitempty"`
	Applied   *int `yaml:"applied,omitempty"`
	Conflicts *int `yaml:"conflicts,omitempty"`
}

// Assertion validates the final state.
type Assertion struct {
	// Type is converged, entity, conflicts or clock.
	Type string `yaml:"type"`

	// Node is the node inspected (entity, conflicts, clock).
	Node string `yaml:"node,omitempty"`

	// Nodes restricts converged to these nodes.
	Nodes []string `yaml:"nodes,omitempty"`

	// Entity is "type/id" (entity).
	Entity string `yaml:"entity,omitempty"`

	// Expect holds expected payload fields; subset match (entity).
	Expect map[string]interface{} `yaml:"expect,omitempty"`

	// Deleted expects a tombstone (entity).
	Deleted bool `yaml:"deleted,omitempty"`

	// Status is pending, resolved or all (conflicts).
	Status string `yaml:"status,omitempty"`

	// Count is the expected number of conflicts (conflicts).
	Count int `yaml:"count,omitempty"`

	// Clock is the expected vector clock (clock).
	Clock map[string]uint64 `yaml:"clock,omitempty"`
}

// Step actions.
const (
	ActionWrite   = "write"
	ActionSync    = "sync"
	ActionResolve = "resolve"
)

// Assertion types.
const (
	AssertConverged = "converged"
	AssertEntity    = "entity"
	AssertConflicts = "conflicts"
	AssertClock     = "clock"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// splitEntity splits "type/id".
func splitEntity(s string) (entityType, entityID string, ok bool) {
	entityType, entityID, ok = strings.Cut(s, "/")
	return entityType, entityID, ok && entityType != "" && entityID != ""
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Nodes) < 2 {
		return fmt.Errorf("at least two nodes are required")
	}
	if s.BatchSize < 0 || s.BatchSize > ir.MaxBatchSize {
		return fmt.Errorf("batch_size must be within 0..%d", ir.MaxBatchSize)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	nodes := make(map[string]bool, len(s.Nodes))
	for i, n := range s.Nodes {
		if n == "" {
			return fmt.Errorf("nodes[%d]: empty node ID", i)
		}
		if nodes[n] {
			return fmt.Errorf("nodes[%d]: duplicate node %q", i, n)
		}
		nodes[n] = true
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step, nodes); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a, nodes); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, step *Step, nodes map[string]bool) error {
	if !nodes[step.Node] {
		return fmt.Errorf("steps[%d]: unknown node %q", index, step.Node)
	}
	switch step.Action {
	case ActionWrite:
		if _, _, ok := splitEntity(step.Entity); !ok {
			return fmt.Errorf("steps[%d]: entity must be type/id", index)
		}
		if !ir.Operation(step.Op).Valid() {
			return fmt.Errorf("steps[%d]: op must be Create, Update or Delete", index)
		}
		if step.Repeat < 0 {
			return fmt.Errorf("steps[%d]: repeat must be non-negative", index)
		}
	case ActionSync:
		if !nodes[step.Peer] || step.Peer == step.Node {
			return fmt.Errorf("steps[%d]: peer must be another scenario node", index)
		}
	case ActionResolve:
		if _, _, ok := splitEntity(step.Entity); !ok {
			return fmt.Errorf("steps[%d]: entity must be type/id", index)
		}
		if step.Strategy == "" {
			return fmt.Errorf("steps[%d]: strategy is required for resolve", index)
		}
	case "":
		return fmt.Errorf("steps[%d]: action is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown action %q", index, step.Action)
	}
	if step.Expect != nil && step.Action != ActionSync {
		return fmt.Errorf("steps[%d]: expect is only valid on sync steps", index)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion, nodes map[string]bool) error {
	switch a.Type {
	case AssertConverged:
		for _, n := range a.Nodes {
			if !nodes[n] {
				return fmt.Errorf("assertions[%d]: unknown node %q", index, n)
			}
		}
		return nil
	case AssertEntity:
		if _, _, ok := splitEntity(a.Entity); !ok {
			return fmt.Errorf("assertions[%d]: entity must be type/id", index)
		}
		if len(a.Expect) == 0 && !a.Deleted {
			return fmt.Errorf("assertions[%d]: expect or deleted is required for entity", index)
		}
	case AssertConflicts:
		switch a.Status {
		case "pending", "resolved", "all":
		default:
			return fmt.Errorf("assertions[%d]: status must be pending, resolved or all", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertClock:
		if a.Clock == nil {
			return fmt.Errorf("assertions[%d]: clock is required", index)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	if !nodes[a.Node] {
		return fmt.Errorf("assertions[%d]: unknown node %q", index, a.Node)
	}
	return nil
}
