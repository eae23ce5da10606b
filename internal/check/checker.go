// Package check validates items against the per-type integrity contract in
// domain.Specs: referential existence and unique-key constraints. Mappings
// call it before writing; it is the storage-layer authority, not a cache
// optimization.
package check

import (
	"fmt"
	"strings"

	"flowbase/pkg/domain"
)

// View is the read access a checker needs into the state being written to.
type View interface {
	// Exists reports whether an item of the given type and id is present.
	Exists(typ domain.ItemType, id int64) bool
	// Lookup returns the id of the item matching the unique key values, if any.
	Lookup(typ domain.ItemType, key []string, values []any) (int64, bool)
}

// Item validates a single item for insertion or update. excludeID is the id
// of the item being updated so it does not collide with itself; pass zero for
// inserts. When verbose is false only the storage-level constraints are
// enforced and the terse reason is kept; verbose mode spells out the field
// and value that caused the rejection.
func Item(view View, typ domain.ItemType, it domain.Item, excludeID int64, verbose bool) error {
	spec, ok := domain.Specs[typ]
	if !ok {
		return domain.ValidationError{Type: typ, Reason: "unknown item type"}
	}
	for _, ref := range spec.References {
		if _, present := it[ref.Field]; !present {
			continue
		}
		for _, id := range ref.ReferencedIDs(it) {
			if existsAny(view, ref.Types, id) {
				continue
			}
			reason := "dangling reference"
			if verbose {
				reason = fmt.Sprintf("field %s references missing %s %d", ref.Field, typesLabel(ref.Types), id)
			}
			return domain.ValidationError{Type: typ, Reason: reason}
		}
	}
	for _, key := range spec.UniqueKeys {
		values, complete := keyValues(it, key)
		if !complete {
			continue
		}
		if id, found := view.Lookup(typ, key, values); found && id != excludeID {
			reason := "duplicate"
			if verbose {
				reason = fmt.Sprintf("duplicate key (%s) = %v, conflicts with id %d", strings.Join(key, ", "), values, id)
			}
			return domain.ValidationError{Type: typ, Reason: reason}
		}
	}
	return nil
}

func existsAny(view View, types []domain.ItemType, id int64) bool {
	for _, typ := range types {
		if view.Exists(typ, id) {
			return true
		}
	}
	return false
}

func keyValues(it domain.Item, key []string) ([]any, bool) {
	values := make([]any, len(key))
	for i, field := range key {
		v, ok := it[field]
		if !ok {
			return nil, false
		}
		values[i] = Normalize(v)
	}
	return values, true
}

// Normalize folds the numeric representations that survive serialization so
// unique-key comparison is stable across backends.
func Normalize(v any) any {
	if id := domain.AsID(v); id != 0 {
		return id
	}
	return v
}

// KeyString renders unique key values into a single comparable string, used
// by views to index their state.
func KeyString(values []any) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = fmt.Sprintf("%v", v)
	}
	return strings.Join(parts, "\x1f")
}

func typesLabel(types []domain.ItemType) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, " or ")
}
