// Package schema loads the CUE entity schemas and the per-entity-type
// conflict resolution policies.
//
// Payloads for known entity types are validated by unifying them with their
// CUE definition. Entity types without a definition are accepted as-is and
// resolved last-writer-wins.
package schema

import (
	_ "embed"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/vaultsync/internal/ir"
)

//go:embed entities.cue
var entitiesCUE []byte

// Resolution names a conflict resolution policy.
type Resolution string

const (
	ResolutionManual Resolution = "manual"
	ResolutionLWW    Resolution = "lww"
	ResolutionMerge  Resolution = "merge"
)

// Policy declares how concurrent edits to an entity type are settled.
type Policy struct {
	Resolution     Resolution `json:"resolution"`
	Additive       []string   `json:"additive"`
	TimestampField string     `json:"timestamp_field"`
}

// DefaultPolicy applies to entity types with no declaration.
var DefaultPolicy = Policy{Resolution: ResolutionLWW, TimestampField: "updated_at"}

// IsAdditive reports whether field is merged additively.
func (p Policy) IsAdditive(field string) bool {
	for _, f := range p.Additive {
		if f == field {
			return true
		}
	}
	return false
}

// Registry holds compiled schemas and policies.
// A cue.Context is not safe for concurrent use, so validation is serialized.
type Registry struct {
	mu       sync.Mutex
	ctx      *cue.Context
	schemas  map[string]cue.Value
	policies map[string]Policy
}

// Load compiles the embedded entity definitions.
func Load() (*Registry, error) {
	return LoadBytes(entitiesCUE)
}

// LoadBytes compiles entity definitions from CUE source.
func LoadBytes(src []byte) (*Registry, error) {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(src, cue.Filename("entities.cue"))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("compile entity schemas: %w", formatCUEError(err))
	}

	r := &Registry{
		ctx:      ctx,
		schemas:  make(map[string]cue.Value),
		policies: make(map[string]Policy),
	}

	entities := value.LookupPath(cue.ParsePath("entity"))
	if !entities.Exists() {
		return r, nil
	}
	iter, err := entities.Fields()
	if err != nil {
		return nil, fmt.Errorf("iterate entities: %w", formatCUEError(err))
	}
	for iter.Next() {
		name := iter.Label()
		def := iter.Value()

		var p Policy
		if err := def.LookupPath(cue.ParsePath("policy")).Decode(&p); err != nil {
			return nil, fmt.Errorf("entity %s: policy: %w", name, formatCUEError(err))
		}
		if p.TimestampField == "" {
			p.TimestampField = DefaultPolicy.TimestampField
		}
		r.policies[name] = p

		if s := def.LookupPath(cue.ParsePath("schema")); s.Exists() {
			r.schemas[name] = s
		}
	}
	return r, nil
}

// Types returns the entity types with a declaration, sorted.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.policies))
	for name := range r.policies {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Policy returns the resolution policy for an entity type.
func (r *Registry) Policy(entityType string) Policy {
	if r == nil {
		return DefaultPolicy
	}
	if p, ok := r.policies[entityType]; ok {
		return p
	}
	return DefaultPolicy
}

// Validate checks a payload against the schema of its entity type.
// Returns a SCHEMA_VIOLATION SyncError on mismatch.
func (r *Registry) Validate(entityType string, payload ir.Object) error {
	if r == nil {
		return nil
	}
	schema, ok := r.schemas[entityType]
	if !ok {
		return nil
	}

	data, err := ir.MarshalCanonical(payload)
	if err != nil {
		return ir.NewSerializationError("validate "+entityType, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	v := r.ctx.CompileBytes(data)
	if err := v.Err(); err != nil {
		return ir.NewSyncError(ir.ErrCodeSchemaViolation, entityType, formatCUEError(err))
	}
	if err := schema.Unify(v).Validate(cue.Concrete(true)); err != nil {
		return ir.NewSyncError(ir.ErrCodeSchemaViolation, entityType, formatCUEError(err))
	}
	return nil
}

// SchemaError carries the first CUE error with its position.
type SchemaError struct {
	Message string
	Pos     token.Pos
}

func (e *SchemaError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Message)
	}
	return e.Message
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	positions := errors.Positions(first)
	if len(positions) > 0 {
		return &SchemaError{Message: first.Error(), Pos: positions[0]}
	}
	return &SchemaError{Message: first.Error()}
}
