// Package schema models a single input's column schema and the unified
// schema the writer emits, plus the sampling and unification walk that
// builds the latter from many of the former.
package schema

import (
	"sort"

	"github.com/sempervent/streaming-parquet/internal/dtype"
)

// Column is one (name, dtype, nullable) entry in a schema.
type Column struct {
	Name     string
	Dtype    dtype.Dtype
	Nullable bool
}

// Schema is an ordered, name-unique sequence of columns, as read or
// inferred from a single input.
type Schema struct {
	Columns []Column
}

// ByName returns the column named n, or (Column{}, false).
func (s *Schema) ByName(n string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == n {
			return c, true
		}
	}
	return Column{}, false
}

// Policy bundles the user-supplied schema-shaping options: renames,
// include/exclude projection, and the two escape hatches
// (stringify_conflicts, reorder).
type Policy struct {
	Renames             map[string]string // source_name -> renamed name, applied before unification
	Include             []string          // if non-empty, only these unified names survive
	Exclude             []string          // these unified names are dropped; ignored when Include is non-empty
	Reorder             bool              // alphabetical unified order instead of insertion order
	StringifyConflicts  bool              // fall back to Utf8 instead of SchemaConflict
}

func (p *Policy) rename(name string) string {
	if p.Renames == nil {
		return name
	}
	if renamed, ok := p.Renames[name]; ok {
		return renamed
	}
	return name
}

func (p *Policy) included(name string) bool {
	if len(p.Include) > 0 {
		for _, n := range p.Include {
			if n == name {
				return true
			}
		}
		return false
	}
	for _, n := range p.Exclude {
		if n == name {
			return false
		}
	}
	return true
}

// Unified is the schema the writer emits, plus a per-input rename map
// recording how each input's source columns resolved onto unified names.
type Unified struct {
	Columns    []Column
	order      []string          // insertion (or alphabetical) order of names
	RenameMaps []map[string]string // one per input, source_name -> unified name
}

// ColumnNames returns the unified schema's column names in output order.
func (u *Unified) ColumnNames() []string {
	return append([]string(nil), u.order...)
}

// Builder accumulates per-input schemas into a Unified schema, widening
// column dtypes as it goes.
type Builder struct {
	policy     Policy
	dtypes     map[string]dtype.Dtype
	order      []string
	renameMaps []map[string]string
	conflict   error
}

// NewBuilder starts a fresh unification walk under policy.
func NewBuilder(policy Policy) *Builder {
	return &Builder{policy: policy, dtypes: map[string]dtype.Dtype{}}
}

// Add merges one input's schema into the accumulator, in discovery order,
// and returns that input's source->unified rename map. If a column's dtype
// cannot be reconciled with the running unified dtype and
// StringifyConflicts is off, Add stops and returns a *ConflictError
// alongside the partial rename map; the caller should treat this as
// SchemaConflict.
func (b *Builder) Add(s Schema) (renameMap map[string]string, err error) {
	renameMap = make(map[string]string, len(s.Columns))
	for _, col := range s.Columns {
		unifiedName := b.policy.rename(col.Name)
		if !b.policy.included(unifiedName) {
			continue
		}
		renameMap[col.Name] = unifiedName

		existing, seen := b.dtypes[unifiedName]
		if !seen {
			b.dtypes[unifiedName] = col.Dtype
			b.order = append(b.order, unifiedName)
			continue
		}
		widened, ok := dtype.Widen(existing, col.Dtype)
		if !ok {
			if b.policy.StringifyConflicts {
				widened = dtype.Utf8
			} else {
				b.renameMaps = append(b.renameMaps, renameMap)
				return renameMap, &ConflictError{Name: unifiedName, A: existing, B: col.Dtype}
			}
		}
		b.dtypes[unifiedName] = widened
	}
	b.renameMaps = append(b.renameMaps, renameMap)
	return renameMap, nil
}

// Build finalizes the unified schema, ordering columns alphabetically if
// Reorder is set, else by first-appearance order. RenameMaps carries one
// entry per Add call, in call order, recording how that input's source
// columns resolved onto unified names.
func (b *Builder) Build() Unified {
	names := append([]string(nil), b.order...)
	if b.policy.Reorder {
		sort.Strings(names)
	}
	cols := make([]Column, 0, len(names))
	for _, n := range names {
		cols = append(cols, Column{Name: n, Dtype: b.dtypes[n], Nullable: true})
	}
	return Unified{Columns: cols, order: names, RenameMaps: b.renameMaps}
}

// ConflictError reports two dtypes for the same unified column that the
// lattice cannot reconcile without stringify_conflicts.
type ConflictError struct {
	Name string
	A, B dtype.Dtype
}

func (e *ConflictError) Error() string {
	return "schema conflict on column " + e.Name + ": " + e.A.String() + " vs " + e.B.String()
}
