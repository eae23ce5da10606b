// Package domain defines the item model shared by every layer of flowbase:
// the closed set of item types, the per-type reference and uniqueness table
// that drives integrity checks and cascading removal, the change records
// produced by mappings, and the mapping contract itself.
package domain

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// ItemType identifies one typed collection of items within a connection.
type ItemType string

// Supported item type identifiers used in cache keys, change records and
// persistence buckets.
const (
	// TypeObjectClass identifies an object class definition.
	TypeObjectClass ItemType = "object_class"
	// TypeObject identifies an object belonging to an object class.
	TypeObject ItemType = "object"
	// TypeRelationshipClass identifies a relationship class over object classes.
	TypeRelationshipClass ItemType = "relationship_class"
	// TypeRelationship identifies a relationship over objects.
	TypeRelationship ItemType = "relationship"
	// TypeParameterDefinition identifies a parameter declared on a class.
	TypeParameterDefinition ItemType = "parameter_definition"
	// TypeParameterValue identifies a value of a parameter on an entity.
	TypeParameterValue ItemType = "parameter_value"
	// TypeAlternative identifies an alternative.
	TypeAlternative ItemType = "alternative"
	// TypeScenario identifies a scenario referencing ranked alternatives.
	TypeScenario ItemType = "scenario"
	// TypeScenarioAlternative identifies one ranked scenario-alternative link.
	TypeScenarioAlternative ItemType = "scenario_alternative"
	// TypeMetadata identifies a reusable metadata entry.
	TypeMetadata ItemType = "metadata"
	// TypeEntityMetadata links metadata to an object or relationship.
	TypeEntityMetadata ItemType = "entity_metadata"
	// TypeParameterValueMetadata links metadata to a parameter value.
	TypeParameterValueMetadata ItemType = "parameter_value_metadata"
)

// AllTypes lists every item type with referenced types strictly before their
// dependents. Cascade restoration walks it forward; cascade removal walks it
// in reverse.
var AllTypes = []ItemType{
	TypeObjectClass,
	TypeObject,
	TypeRelationshipClass,
	TypeRelationship,
	TypeAlternative,
	TypeParameterDefinition,
	TypeParameterValue,
	TypeScenario,
	TypeScenarioAlternative,
	TypeMetadata,
	TypeEntityMetadata,
	TypeParameterValueMetadata,
}

// Reference declares one foreign-id field of an item type. When List is set
// the field holds a comma-joined id string instead of a single id. Types
// enumerates the candidate referenced types; polymorphic references (an
// "entity" is either an object or a relationship) carry more than one.
type Reference struct {
	Field string
	Types []ItemType
	List  bool
}

// TypeSpec describes the integrity contract of one item type.
type TypeSpec struct {
	UniqueKeys [][]string
	References []Reference
}

// Specs is the closed per-type behavior table. Integrity checking, cascade
// closure computation and import resolution are all driven by it; adding an
// item type means adding exactly one entry here.
var Specs = map[ItemType]TypeSpec{
	TypeObjectClass: {
		UniqueKeys: [][]string{{"name"}},
	},
	TypeObject: {
		UniqueKeys: [][]string{{"class_id", "name"}},
		References: []Reference{
			{Field: "class_id", Types: []ItemType{TypeObjectClass}},
		},
	},
	TypeRelationshipClass: {
		UniqueKeys: [][]string{{"name"}},
		References: []Reference{
			{Field: "object_class_id_list", Types: []ItemType{TypeObjectClass}, List: true},
		},
	},
	TypeRelationship: {
		UniqueKeys: [][]string{{"class_id", "name"}},
		References: []Reference{
			{Field: "class_id", Types: []ItemType{TypeRelationshipClass}},
			{Field: "object_id_list", Types: []ItemType{TypeObject}, List: true},
		},
	},
	TypeParameterDefinition: {
		UniqueKeys: [][]string{{"entity_class_id", "name"}},
		References: []Reference{
			{Field: "entity_class_id", Types: []ItemType{TypeObjectClass, TypeRelationshipClass}},
		},
	},
	TypeParameterValue: {
		UniqueKeys: [][]string{{"parameter_definition_id", "entity_id", "alternative_id"}},
		References: []Reference{
			{Field: "parameter_definition_id", Types: []ItemType{TypeParameterDefinition}},
			{Field: "entity_id", Types: []ItemType{TypeObject, TypeRelationship}},
			{Field: "alternative_id", Types: []ItemType{TypeAlternative}},
		},
	},
	TypeAlternative: {
		UniqueKeys: [][]string{{"name"}},
	},
	TypeScenario: {
		UniqueKeys: [][]string{{"name"}},
	},
	TypeScenarioAlternative: {
		UniqueKeys: [][]string{{"scenario_id", "alternative_id"}},
		References: []Reference{
			{Field: "scenario_id", Types: []ItemType{TypeScenario}},
			{Field: "alternative_id", Types: []ItemType{TypeAlternative}},
		},
	},
	TypeMetadata: {
		UniqueKeys: [][]string{{"name", "value"}},
	},
	TypeEntityMetadata: {
		UniqueKeys: [][]string{{"entity_id", "metadata_id"}},
		References: []Reference{
			{Field: "entity_id", Types: []ItemType{TypeObject, TypeRelationship}},
			{Field: "metadata_id", Types: []ItemType{TypeMetadata}},
		},
	},
	TypeParameterValueMetadata: {
		UniqueKeys: [][]string{{"parameter_value_id", "metadata_id"}},
		References: []Reference{
			{Field: "parameter_value_id", Types: []ItemType{TypeParameterValue}},
			{Field: "metadata_id", Types: []ItemType{TypeMetadata}},
		},
	},
}

// Item is one row of a typed collection: a mapping from field name to value.
// The "id" field holds the stable int64 identifier unique per
// (connection, item type).
type Item map[string]any

// ID returns the item identifier, tolerating the numeric representations
// that survive a JSON round trip. Zero means unassigned.
func (it Item) ID() int64 {
	return AsID(it["id"])
}

// SetID stores the identifier under the "id" field.
func (it Item) SetID(id int64) {
	it["id"] = id
}

// Name returns the "name" field when present.
func (it Item) Name() string {
	s, _ := it["name"].(string)
	return s
}

// Clone returns a shallow field-wise copy. Values are treated as immutable
// scalars; id lists are stored as strings so a field copy is sufficient.
func (it Item) Clone() Item {
	if it == nil {
		return nil
	}
	cp := make(Item, len(it))
	for k, v := range it {
		cp[k] = v
	}
	return cp
}

// Fields returns the field names in sorted order.
func (it Item) Fields() []string {
	keys := make([]string, 0, len(it))
	for k := range it {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// CloneItems clones a slice of items.
func CloneItems(items []Item) []Item {
	if items == nil {
		return nil
	}
	out := make([]Item, len(items))
	for i, it := range items {
		out[i] = it.Clone()
	}
	return out
}

// ItemIDs extracts the identifiers of the given items.
func ItemIDs(items []Item) []int64 {
	ids := make([]int64, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID())
	}
	return ids
}

// AsID coerces a field value to an int64 identifier. Unrecognized values
// yield zero.
func AsID(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		id, _ := n.Int64()
		return id
	case string:
		id, _ := strconv.ParseInt(n, 10, 64)
		return id
	default:
		return 0
	}
}

// ParseIDList splits a comma-joined id string. Blank segments are skipped.
func ParseIDList(s string) []int64 {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// JoinIDList renders ids as the comma-joined string form stored in list
// reference fields.
func JoinIDList(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// ReferencedIDs returns the ids held by one reference field of an item.
func (r Reference) ReferencedIDs(it Item) []int64 {
	v, ok := it[r.Field]
	if !ok {
		return nil
	}
	if r.List {
		s, _ := v.(string)
		return ParseIDList(s)
	}
	if id := AsID(v); id != 0 {
		return []int64{id}
	}
	return nil
}
