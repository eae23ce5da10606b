package memory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"flowbase/pkg/domain"
)

func TestAddAssignsIDsAndValidates(t *testing.T) {
	store := New("mem://test")
	ctx := context.Background()

	applied, errorLog := store.AddItems(ctx, domain.TypeObjectClass, []domain.Item{{"name": "Plant"}, {"name": "Plant"}}, true)
	if len(applied) != 1 {
		t.Fatalf("expected one applied row, got %v", applied)
	}
	if applied[0].ID() == 0 {
		t.Fatalf("expected generated id")
	}
	if len(errorLog) != 1 || !strings.Contains(errorLog[0], "duplicate") {
		t.Fatalf("expected duplicate diagnostics, got %v", errorLog)
	}

	// Terse storage-level rejection with check disabled.
	_, terse := store.AddItems(ctx, domain.TypeObjectClass, []domain.Item{{"name": "Plant"}}, false)
	if len(terse) != 1 || strings.Contains(terse[0], "conflicts with id") {
		t.Fatalf("expected terse rejection, got %v", terse)
	}

	_, errorLog = store.AddItems(ctx, domain.TypeObject, []domain.Item{{"name": "Rose", "class_id": int64(999)}}, true)
	if len(errorLog) != 1 || !strings.Contains(errorLog[0], "missing") {
		t.Fatalf("dangling reference must be rejected, got %v", errorLog)
	}
}

func TestPartialFailureAppliesValidRows(t *testing.T) {
	store := New("mem://test")
	ctx := context.Background()
	classes, _ := store.AddItems(ctx, domain.TypeObjectClass, []domain.Item{{"name": "Plant"}}, true)
	classID := classes[0].ID()

	applied, errorLog := store.AddItems(ctx, domain.TypeObject, []domain.Item{
		{"name": "Rose", "class_id": classID},
		{"name": "Weed", "class_id": int64(999)},
		{"name": "Tulip", "class_id": classID},
	}, true)
	if len(applied) != 2 {
		t.Fatalf("valid rows must be applied despite a failing sibling, got %v", applied)
	}
	if len(errorLog) != 1 {
		t.Fatalf("expected one rejection, got %v", errorLog)
	}
}

func TestUpdateMergesFields(t *testing.T) {
	store := New("mem://test")
	ctx := context.Background()
	classes, _ := store.AddItems(ctx, domain.TypeObjectClass, []domain.Item{{"name": "Plant", "description": "green"}}, true)
	id := classes[0].ID()

	applied, errorLog := store.UpdateItems(ctx, domain.TypeObjectClass, []domain.Item{{"id": id, "name": "Tree"}}, true)
	if len(errorLog) != 0 || len(applied) != 1 {
		t.Fatalf("update failed: %v / %v", applied, errorLog)
	}
	if applied[0].Name() != "Tree" || applied[0]["description"] != "green" {
		t.Fatalf("merge semantics broken: %v", applied[0])
	}

	_, errorLog = store.UpdateItems(ctx, domain.TypeObjectClass, []domain.Item{{"id": int64(77), "name": "x"}}, true)
	if len(errorLog) != 1 || !strings.Contains(errorLog[0], "no object_class with id 77") {
		t.Fatalf("expected missing-id rejection, got %v", errorLog)
	}
}

func TestReplaceOverwritesWholesale(t *testing.T) {
	store := New("mem://test")
	ctx := context.Background()
	classes, _ := store.AddItems(ctx, domain.TypeObjectClass, []domain.Item{{"name": "Plant", "description": "green"}}, true)
	id := classes[0].ID()

	if err := store.ReplaceItems(ctx, domain.TypeObjectClass, []domain.Item{{"id": id, "name": "Tree"}}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	rows, err := store.Query(ctx, domain.TypeObjectClass)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0].Name() != "Tree" {
		t.Fatalf("replaced row = %v", rows)
	}
	if _, ok := rows[0]["description"]; ok {
		t.Fatalf("replace must not merge, got %v", rows[0])
	}

	if err := store.ReplaceItems(ctx, domain.TypeObjectClass, []domain.Item{{"id": int64(77), "name": "x"}}); err == nil || !strings.Contains(err.Error(), "no object_class with id 77") {
		t.Fatalf("expected missing-id failure, got %v", err)
	}
}

func seedPlantRose(t *testing.T, store *Store) (classID, objectID, defID, valueID int64) {
	t.Helper()
	ctx := context.Background()
	classes, errs := store.AddItems(ctx, domain.TypeObjectClass, []domain.Item{{"name": "Plant"}}, true)
	if len(errs) > 0 {
		t.Fatalf("seed class: %v", errs)
	}
	classID = classes[0].ID()
	objects, errs := store.AddItems(ctx, domain.TypeObject, []domain.Item{{"name": "Rose", "class_id": classID}}, true)
	if len(errs) > 0 {
		t.Fatalf("seed object: %v", errs)
	}
	objectID = objects[0].ID()
	defs, errs := store.AddItems(ctx, domain.TypeParameterDefinition, []domain.Item{{"name": "height", "entity_class_id": classID}}, true)
	if len(errs) > 0 {
		t.Fatalf("seed definition: %v", errs)
	}
	defID = defs[0].ID()
	alts, errs := store.AddItems(ctx, domain.TypeAlternative, []domain.Item{{"name": "Base"}}, true)
	if len(errs) > 0 {
		t.Fatalf("seed alternative: %v", errs)
	}
	values, errs := store.AddItems(ctx, domain.TypeParameterValue, []domain.Item{{
		"parameter_definition_id": defID,
		"entity_id":               objectID,
		"alternative_id":          alts[0].ID(),
		"value":                   "1.5",
	}}, true)
	if len(errs) > 0 {
		t.Fatalf("seed value: %v", errs)
	}
	valueID = values[0].ID()
	return classID, objectID, defID, valueID
}

func TestCascadingIDsExpandsDependents(t *testing.T) {
	store := New("mem://test")
	ctx := context.Background()
	classID, objectID, defID, valueID := seedPlantRose(t, store)

	closure, err := store.CascadingIDs(ctx, map[domain.ItemType][]int64{domain.TypeObjectClass: {classID}})
	if err != nil {
		t.Fatalf("cascading ids: %v", err)
	}
	expect := map[domain.ItemType]int64{
		domain.TypeObjectClass:         classID,
		domain.TypeObject:              objectID,
		domain.TypeParameterDefinition: defID,
		domain.TypeParameterValue:      valueID,
	}
	for typ, id := range expect {
		found := false
		for _, got := range closure[typ] {
			if got == id {
				found = true
			}
		}
		if !found {
			t.Fatalf("closure missing %s %d: %v", typ, id, closure)
		}
	}
	// The alternative is not a dependent of the class.
	if len(closure[domain.TypeAlternative]) != 0 {
		t.Fatalf("alternative wrongly cascaded: %v", closure)
	}

	// Unknown seed ids are skipped, not errors.
	closure, err = store.CascadingIDs(ctx, map[domain.ItemType][]int64{domain.TypeObject: {999}})
	if err != nil || len(closure) != 0 {
		t.Fatalf("unknown seeds must be a no-op, got %v / %v", closure, err)
	}
}

func TestCascadeThroughIDLists(t *testing.T) {
	store := New("mem://test")
	ctx := context.Background()
	classes, _ := store.AddItems(ctx, domain.TypeObjectClass, []domain.Item{{"name": "A"}, {"name": "B"}}, true)
	relClasses, errs := store.AddItems(ctx, domain.TypeRelationshipClass, []domain.Item{{
		"name":                 "A__B",
		"object_class_id_list": domain.JoinIDList([]int64{classes[0].ID(), classes[1].ID()}),
	}}, true)
	if len(errs) > 0 {
		t.Fatalf("relationship class: %v", errs)
	}
	closure, err := store.CascadingIDs(ctx, map[domain.ItemType][]int64{domain.TypeObjectClass: {classes[1].ID()}})
	if err != nil {
		t.Fatalf("cascading ids: %v", err)
	}
	if len(closure[domain.TypeRelationshipClass]) != 1 || closure[domain.TypeRelationshipClass][0] != relClasses[0].ID() {
		t.Fatalf("relationship class must cascade via its id list, got %v", closure)
	}
}

func TestCommitAndRollbackBoundaries(t *testing.T) {
	store := New("mem://test")
	ctx := context.Background()

	if err := store.Commit(ctx, "empty"); !errors.Is(err, domain.ErrNothingToCommit) {
		t.Fatalf("expected ErrNothingToCommit, got %v", err)
	}
	if err := store.Rollback(ctx); !errors.Is(err, domain.ErrNothingToRollback) {
		t.Fatalf("expected ErrNothingToRollback, got %v", err)
	}

	classes, _ := store.AddItems(ctx, domain.TypeObjectClass, []domain.Item{{"name": "Plant"}}, true)
	if !store.Dirty() {
		t.Fatalf("pending add must mark the session dirty")
	}
	if err := store.Commit(ctx, "first"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if store.Dirty() {
		t.Fatalf("commit must clean the session")
	}

	store.AddItems(ctx, domain.TypeObjectClass, []domain.Item{{"name": "Animal"}}, true)
	if err := store.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	rows, err := store.Query(ctx, domain.TypeObjectClass)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 1 || rows[0].ID() != classes[0].ID() {
		t.Fatalf("rollback must restore the committed state, got %v", rows)
	}
	commits := store.Commits()
	if len(commits) != 1 || commits[0].Message != "first" {
		t.Fatalf("commit records wrong: %v", commits)
	}
}

func TestReaddPreservesIDs(t *testing.T) {
	store := New("mem://test")
	ctx := context.Background()
	if err := store.ReaddItems(ctx, domain.TypeObjectClass, []domain.Item{{"id": int64(10), "name": "Plant"}}); err != nil {
		t.Fatalf("readd: %v", err)
	}
	// Fresh inserts must not reuse the resurrected id.
	applied, _ := store.AddItems(ctx, domain.TypeObjectClass, []domain.Item{{"name": "Animal"}}, true)
	if applied[0].ID() <= 10 {
		t.Fatalf("id counter must advance past readded ids, got %d", applied[0].ID())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	store := New("mem://test")
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("double close must be a no-op, got %v", err)
	}
	_, errorLog := store.AddItems(context.Background(), domain.TypeObjectClass, []domain.Item{{"name": "x"}}, true)
	if len(errorLog) != 1 || !strings.Contains(errorLog[0], "closed") {
		t.Fatalf("operations after close must fail, got %v", errorLog)
	}
	var storeErr domain.StoreError
	if err := store.Commit(context.Background(), "x"); !errors.As(err, &storeErr) {
		t.Fatalf("expected StoreError, got %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := New("mem://test")
	ctx := context.Background()
	seedPlantRose(t, store)
	if err := store.Commit(ctx, "seed"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	snapshot := store.ExportState()

	restored := New("mem://copy")
	restored.ImportState(snapshot)
	for _, typ := range []domain.ItemType{domain.TypeObjectClass, domain.TypeObject, domain.TypeParameterValue} {
		orig, _ := store.Query(ctx, typ)
		got, err := restored.Query(ctx, typ)
		if err != nil {
			t.Fatalf("query restored: %v", err)
		}
		if len(got) != len(orig) {
			t.Fatalf("%s: restored %d rows, want %d", typ, len(got), len(orig))
		}
	}
	if restored.Dirty() {
		t.Fatalf("hydrated store must open with a clean session")
	}
}
