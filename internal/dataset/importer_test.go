package dataset

import (
	"testing"

	"flowbase/pkg/domain"
)

func seedIndex() *Index {
	return NewIndex(map[domain.ItemType][]domain.Item{
		domain.TypeObjectClass: {
			{"id": int64(1), "name": "Plant"},
			{"id": int64(2), "name": "Soil"},
		},
		domain.TypeObject: {
			{"id": int64(10), "name": "Rose", "class_id": int64(1)},
			{"id": int64(11), "name": "Clay", "class_id": int64(2)},
		},
		domain.TypeParameterDefinition: {
			{"id": int64(20), "name": "height", "entity_class_id": int64(1)},
		},
		domain.TypeAlternative: {
			{"id": int64(30), "name": "Base"},
		},
	})
}

func TestResolveSplitsAddsAndUpdates(t *testing.T) {
	idx := seedIndex()
	toAdd, toUpdate, errs := Resolve(domain.TypeObject, []domain.Item{
		{"class_name": "Plant", "name": "Tulip"},
		{"class_name": "Plant", "name": "Rose", "description": "thorny"},
	}, idx)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(toAdd) != 1 || toAdd[0].Name() != "Tulip" || domain.AsID(toAdd[0]["class_id"]) != 1 {
		t.Fatalf("unexpected adds: %v", toAdd)
	}
	if len(toUpdate) != 1 || toUpdate[0].ID() != 10 || toUpdate[0]["description"] != "thorny" {
		t.Fatalf("existing object must become an update: %v", toUpdate)
	}
	if _, ok := toAdd[0]["class_name"]; ok {
		t.Fatalf("name fields must not leak into resolved items")
	}
}

func TestResolveReportsUnknownNames(t *testing.T) {
	idx := seedIndex()
	toAdd, _, errs := Resolve(domain.TypeObject, []domain.Item{
		{"class_name": "Animal", "name": "Cat"},
		{"class_name": "Plant", "name": "Fern"},
	}, idx)
	if len(errs) != 1 {
		t.Fatalf("expected one rejection, got %v", errs)
	}
	if len(toAdd) != 1 || toAdd[0].Name() != "Fern" {
		t.Fatalf("valid siblings must still resolve: %v", toAdd)
	}
}

func TestResolveParameterValueCoordinates(t *testing.T) {
	idx := seedIndex()
	toAdd, _, errs := Resolve(domain.TypeParameterValue, []domain.Item{{
		"entity_class_name": "Plant",
		"entity_name":       "Rose",
		"parameter_name":    "height",
		"alternative_name":  "Base",
		"value":             "1.5",
	}}, idx)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(toAdd) != 1 {
		t.Fatalf("expected one add, got %v", toAdd)
	}
	got := toAdd[0]
	if domain.AsID(got["entity_id"]) != 10 || domain.AsID(got["parameter_definition_id"]) != 20 || domain.AsID(got["alternative_id"]) != 30 {
		t.Fatalf("coordinates not resolved: %v", got)
	}
}

func TestResolveRelationshipMembers(t *testing.T) {
	idx := seedIndex()
	idx.Add(domain.TypeRelationshipClass, domain.Item{
		"id":                   int64(40),
		"name":                 "Plant__Soil",
		"object_class_id_list": "1,2",
	})
	toAdd, _, errs := Resolve(domain.TypeRelationship, []domain.Item{{
		"class_name":       "Plant__Soil",
		"object_name_list": "Rose,Clay",
	}}, idx)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(toAdd) != 1 || toAdd[0]["object_id_list"] != "10,11" {
		t.Fatalf("members not resolved positionally: %v", toAdd)
	}
	if toAdd[0].Name() == "" {
		t.Fatalf("relationship must receive a generated name")
	}

	// A member of the wrong class must not resolve.
	_, _, errs = Resolve(domain.TypeRelationship, []domain.Item{{
		"class_name":       "Plant__Soil",
		"object_name_list": "Clay,Rose",
	}}, idx)
	if len(errs) != 1 {
		t.Fatalf("expected positional mismatch rejection, got %v", errs)
	}
}

func TestIndexFoldsInAppliedRows(t *testing.T) {
	idx := seedIndex()
	toAdd, _, errs := Resolve(domain.TypeObjectClass, []domain.Item{{"name": "Animal"}}, idx)
	if len(errs) != 0 || len(toAdd) != 1 {
		t.Fatalf("resolve class: %v / %v", toAdd, errs)
	}
	applied := toAdd[0].Clone()
	applied.SetID(3)
	idx.Add(domain.TypeObjectClass, applied)

	toAdd, _, errs = Resolve(domain.TypeObject, []domain.Item{{"class_name": "Animal", "name": "Cat"}}, idx)
	if len(errs) != 0 {
		t.Fatalf("later rows must see earlier applied rows: %v", errs)
	}
	if len(toAdd) != 1 || domain.AsID(toAdd[0]["class_id"]) != 3 {
		t.Fatalf("unexpected resolution: %v", toAdd)
	}
}
