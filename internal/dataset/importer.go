// Package dataset converts between the mapping's id-keyed items and the
// name-keyed payloads used for import and export. Imported rows reference
// related items by name; the resolver translates them to ids against the
// current state and splits them into inserts and updates.
package dataset

import (
	"fmt"
	"strings"

	"flowbase/internal/check"
	"flowbase/pkg/domain"
)

// Payload is the name-keyed import form: raw rows per item type.
type Payload map[domain.ItemType][]domain.Item

// Index answers name lookups against a snapshot of mapping state. Rows
// applied during an import are folded back in with Add so later rows can
// reference them.
type Index struct {
	items map[domain.ItemType]map[int64]domain.Item
}

// NewIndex builds an index over the given state.
func NewIndex(state map[domain.ItemType][]domain.Item) *Index {
	idx := &Index{items: make(map[domain.ItemType]map[int64]domain.Item, len(domain.AllTypes))}
	for _, typ := range domain.AllTypes {
		idx.items[typ] = make(map[int64]domain.Item)
	}
	for typ, rows := range state {
		for _, it := range rows {
			idx.Add(typ, it)
		}
	}
	return idx
}

// Add folds an applied item into the index.
func (idx *Index) Add(typ domain.ItemType, it domain.Item) {
	if bucket, ok := idx.items[typ]; ok && it.ID() != 0 {
		bucket[it.ID()] = it.Clone()
	}
}

// Item returns the indexed item of one type by id.
func (idx *Index) Item(typ domain.ItemType, id int64) (domain.Item, bool) {
	it, ok := idx.items[typ][id]
	return it, ok
}

func (idx *Index) find(typ domain.ItemType, match func(domain.Item) bool) (int64, bool) {
	for id, it := range idx.items[typ] {
		if match(it) {
			return id, true
		}
	}
	return 0, false
}

func (idx *Index) byName(typ domain.ItemType, name string) (int64, bool) {
	return idx.find(typ, func(it domain.Item) bool { return it.Name() == name })
}

// classByName resolves a class name over both class types.
func (idx *Index) classByName(name string) (domain.ItemType, int64, bool) {
	if id, ok := idx.byName(domain.TypeObjectClass, name); ok {
		return domain.TypeObjectClass, id, true
	}
	if id, ok := idx.byName(domain.TypeRelationshipClass, name); ok {
		return domain.TypeRelationshipClass, id, true
	}
	return "", 0, false
}

// entityByClassAndName resolves an object or relationship inside a class.
func (idx *Index) entityByClassAndName(classID int64, name string) (domain.ItemType, int64, bool) {
	match := func(it domain.Item) bool {
		return it.Name() == name && domain.AsID(it["class_id"]) == classID
	}
	if id, ok := idx.find(domain.TypeObject, match); ok {
		return domain.TypeObject, id, true
	}
	if id, ok := idx.find(domain.TypeRelationship, match); ok {
		return domain.TypeRelationship, id, true
	}
	return "", 0, false
}

func (idx *Index) definitionByClassAndName(classID int64, name string) (int64, bool) {
	return idx.find(domain.TypeParameterDefinition, func(it domain.Item) bool {
		return it.Name() == name && domain.AsID(it["entity_class_id"]) == classID
	})
}

func (idx *Index) metadataByNameValue(name, value string) (int64, bool) {
	return idx.find(domain.TypeMetadata, func(it domain.Item) bool {
		return it.Name() == name && asString(it["value"]) == value
	})
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// resolver translates one name-keyed row into an id-keyed item, or reports
// why it cannot.
type resolver func(idx *Index, row domain.Item) (domain.Item, error)

var resolvers = map[domain.ItemType]resolver{
	domain.TypeObjectClass:            resolvePlain,
	domain.TypeAlternative:            resolvePlain,
	domain.TypeScenario:               resolvePlain,
	domain.TypeMetadata:               resolvePlain,
	domain.TypeObject:                 resolveObject,
	domain.TypeRelationshipClass:      resolveRelationshipClass,
	domain.TypeRelationship:           resolveRelationship,
	domain.TypeParameterDefinition:    resolveParameterDefinition,
	domain.TypeParameterValue:         resolveParameterValue,
	domain.TypeScenarioAlternative:    resolveScenarioAlternative,
	domain.TypeEntityMetadata:         resolveEntityMetadata,
	domain.TypeParameterValueMetadata: resolveParameterValueMetadata,
}

func resolvePlain(_ *Index, row domain.Item) (domain.Item, error) {
	return row.Clone(), nil
}

func resolveObject(idx *Index, row domain.Item) (domain.Item, error) {
	out, className, err := takeName(row, "class_name")
	if err != nil {
		return nil, err
	}
	id, ok := idx.byName(domain.TypeObjectClass, className)
	if !ok {
		return nil, fmt.Errorf("unknown object class %q", className)
	}
	out["class_id"] = id
	return out, nil
}

func resolveRelationshipClass(idx *Index, row domain.Item) (domain.Item, error) {
	out, names, err := takeNameList(row, "object_class_name_list")
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(names))
	for _, name := range names {
		id, ok := idx.byName(domain.TypeObjectClass, name)
		if !ok {
			return nil, fmt.Errorf("unknown object class %q", name)
		}
		ids = append(ids, id)
	}
	out["object_class_id_list"] = domain.JoinIDList(ids)
	return out, nil
}

func resolveRelationship(idx *Index, row domain.Item) (domain.Item, error) {
	out, className, err := takeName(row, "class_name")
	if err != nil {
		return nil, err
	}
	classID, ok := idx.byName(domain.TypeRelationshipClass, className)
	if !ok {
		return nil, fmt.Errorf("unknown relationship class %q", className)
	}
	out["class_id"] = classID
	class, _ := idx.Item(domain.TypeRelationshipClass, classID)
	memberClassIDs := domain.ParseIDList(asString(class["object_class_id_list"]))
	var names []string
	out, names, err = takeNameList(out, "object_name_list")
	if err != nil {
		return nil, err
	}
	if len(names) != len(memberClassIDs) {
		return nil, fmt.Errorf("relationship wants %d members, got %d", len(memberClassIDs), len(names))
	}
	ids := make([]int64, 0, len(names))
	for i, name := range names {
		id, ok := idx.find(domain.TypeObject, func(it domain.Item) bool {
			return it.Name() == name && domain.AsID(it["class_id"]) == memberClassIDs[i]
		})
		if !ok {
			return nil, fmt.Errorf("unknown object %q", name)
		}
		ids = append(ids, id)
	}
	out["object_id_list"] = domain.JoinIDList(ids)
	if out.Name() == "" {
		out["name"] = className + "_" + strings.Join(names, "__")
	}
	return out, nil
}

func resolveParameterDefinition(idx *Index, row domain.Item) (domain.Item, error) {
	out, className, err := takeName(row, "entity_class_name")
	if err != nil {
		return nil, err
	}
	_, classID, ok := idx.classByName(className)
	if !ok {
		return nil, fmt.Errorf("unknown class %q", className)
	}
	out["entity_class_id"] = classID
	return out, nil
}

func resolveParameterValue(idx *Index, row domain.Item) (domain.Item, error) {
	out, className, err := takeName(row, "entity_class_name")
	if err != nil {
		return nil, err
	}
	_, classID, ok := idx.classByName(className)
	if !ok {
		return nil, fmt.Errorf("unknown class %q", className)
	}
	var entityName string
	out, entityName, err = takeName(out, "entity_name")
	if err != nil {
		return nil, err
	}
	_, entityID, ok := idx.entityByClassAndName(classID, entityName)
	if !ok {
		return nil, fmt.Errorf("unknown entity %q in class %q", entityName, className)
	}
	var parameterName string
	out, parameterName, err = takeName(out, "parameter_name")
	if err != nil {
		return nil, err
	}
	definitionID, ok := idx.definitionByClassAndName(classID, parameterName)
	if !ok {
		return nil, fmt.Errorf("unknown parameter %q on class %q", parameterName, className)
	}
	var alternativeName string
	out, alternativeName, err = takeName(out, "alternative_name")
	if err != nil {
		return nil, err
	}
	alternativeID, ok := idx.byName(domain.TypeAlternative, alternativeName)
	if !ok {
		return nil, fmt.Errorf("unknown alternative %q", alternativeName)
	}
	out["entity_id"] = entityID
	out["parameter_definition_id"] = definitionID
	out["alternative_id"] = alternativeID
	return out, nil
}

func resolveScenarioAlternative(idx *Index, row domain.Item) (domain.Item, error) {
	out, scenarioName, err := takeName(row, "scenario_name")
	if err != nil {
		return nil, err
	}
	scenarioID, ok := idx.byName(domain.TypeScenario, scenarioName)
	if !ok {
		return nil, fmt.Errorf("unknown scenario %q", scenarioName)
	}
	var alternativeName string
	out, alternativeName, err = takeName(out, "alternative_name")
	if err != nil {
		return nil, err
	}
	alternativeID, ok := idx.byName(domain.TypeAlternative, alternativeName)
	if !ok {
		return nil, fmt.Errorf("unknown alternative %q", alternativeName)
	}
	out["scenario_id"] = scenarioID
	out["alternative_id"] = alternativeID
	return out, nil
}

func resolveEntityMetadata(idx *Index, row domain.Item) (domain.Item, error) {
	out, className, err := takeName(row, "class_name")
	if err != nil {
		return nil, err
	}
	_, classID, ok := idx.classByName(className)
	if !ok {
		return nil, fmt.Errorf("unknown class %q", className)
	}
	var entityName string
	out, entityName, err = takeName(out, "entity_name")
	if err != nil {
		return nil, err
	}
	_, entityID, ok := idx.entityByClassAndName(classID, entityName)
	if !ok {
		return nil, fmt.Errorf("unknown entity %q in class %q", entityName, className)
	}
	var metadataID int64
	out, metadataID, err = takeMetadata(idx, out)
	if err != nil {
		return nil, err
	}
	out["entity_id"] = entityID
	out["metadata_id"] = metadataID
	return out, nil
}

func resolveParameterValueMetadata(idx *Index, row domain.Item) (domain.Item, error) {
	resolved, err := resolveParameterValue(idx, row.Clone())
	if err != nil {
		return nil, err
	}
	valueID, ok := idx.find(domain.TypeParameterValue, func(it domain.Item) bool {
		return domain.AsID(it["parameter_definition_id"]) == domain.AsID(resolved["parameter_definition_id"]) &&
			domain.AsID(it["entity_id"]) == domain.AsID(resolved["entity_id"]) &&
			domain.AsID(it["alternative_id"]) == domain.AsID(resolved["alternative_id"])
	})
	if !ok {
		return nil, fmt.Errorf("no parameter value for the given coordinates")
	}
	out, metadataID, err := takeMetadata(idx, resolved)
	if err != nil {
		return nil, err
	}
	for _, field := range []string{"parameter_definition_id", "entity_id", "alternative_id", "value"} {
		delete(out, field)
	}
	out["parameter_value_id"] = valueID
	out["metadata_id"] = metadataID
	return out, nil
}

func takeMetadata(idx *Index, row domain.Item) (domain.Item, int64, error) {
	out, metadataName, err := takeName(row, "metadata_name")
	if err != nil {
		return nil, 0, err
	}
	metadataValue := asString(out["metadata_value"])
	delete(out, "metadata_value")
	metadataID, ok := idx.metadataByNameValue(metadataName, metadataValue)
	if !ok {
		return nil, 0, fmt.Errorf("unknown metadata %q = %q", metadataName, metadataValue)
	}
	return out, metadataID, nil
}

func takeName(row domain.Item, field string) (domain.Item, string, error) {
	out := row.Clone()
	name := asString(out[field])
	if name == "" {
		return nil, "", fmt.Errorf("missing %s", field)
	}
	delete(out, field)
	return out, name, nil
}

func takeNameList(row domain.Item, field string) (domain.Item, []string, error) {
	out := row.Clone()
	raw := asString(out[field])
	if raw == "" {
		return nil, nil, fmt.Errorf("missing %s", field)
	}
	delete(out, field)
	parts := strings.Split(raw, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return out, parts, nil
}

// Resolve translates name-keyed rows of one type into id-keyed items and
// splits them by whether the target already exists. Rows that cannot be
// resolved are enumerated in the error log; valid siblings still go through.
func Resolve(typ domain.ItemType, rows []domain.Item, idx *Index) (toAdd, toUpdate []domain.Item, errorLog []string) {
	resolve, ok := resolvers[typ]
	if !ok {
		return nil, nil, []string{fmt.Sprintf("unsupported item type %s", typ)}
	}
	spec := domain.Specs[typ]
	for _, row := range rows {
		resolved, err := resolve(idx, row)
		if err != nil {
			errorLog = append(errorLog, fmt.Sprintf("%s: %v", typ, err))
			continue
		}
		if id, found := existingID(idx, typ, spec, resolved); found {
			resolved.SetID(id)
			toUpdate = append(toUpdate, resolved)
			continue
		}
		toAdd = append(toAdd, resolved)
	}
	return toAdd, toUpdate, errorLog
}

// existingID matches a resolved row against the index by the type's unique
// keys.
func existingID(idx *Index, typ domain.ItemType, spec domain.TypeSpec, resolved domain.Item) (int64, bool) {
	for _, key := range spec.UniqueKeys {
		values := make([]any, 0, len(key))
		complete := true
		for _, field := range key {
			v, ok := resolved[field]
			if !ok {
				complete = false
				break
			}
			values = append(values, v)
		}
		if !complete {
			continue
		}
		id, found := idx.find(typ, func(it domain.Item) bool {
			for i, field := range key {
				if check.Normalize(it[field]) != check.Normalize(values[i]) {
					return false
				}
			}
			return true
		})
		if found {
			return id, true
		}
	}
	return 0, false
}
