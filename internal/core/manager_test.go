package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"flowbase/internal/blob"
	"flowbase/internal/dataset"
	"flowbase/pkg/domain"
)

var testClock = ClockFunc(func() time.Time {
	return time.Date(2025, time.March, 14, 9, 0, 0, 0, time.UTC)
})

type recordingListener struct {
	mu         sync.Mutex
	added      []map[*Connection]ChangeSet
	updated    []map[*Connection]ChangeSet
	removed    []map[*Connection]ChangeSet
	committed  [][]*Connection
	rolledBack [][]*Connection
}

func (r *recordingListener) ReceiveItemsAdded(changes map[*Connection]ChangeSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added = append(r.added, changes)
}

func (r *recordingListener) ReceiveItemsUpdated(changes map[*Connection]ChangeSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updated = append(r.updated, changes)
}

func (r *recordingListener) ReceiveItemsRemoved(changes map[*Connection]ChangeSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, changes)
}

func (r *recordingListener) ReceiveSessionCommitted(conns []*Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, conns)
}

func (r *recordingListener) ReceiveSessionRolledBack(conns []*Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rolledBack = append(r.rolledBack, conns)
}

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(append([]Option{WithClock(testClock)}, opts...)...)
	t.Cleanup(func() {
		if err := m.CloseAll(); err != nil {
			t.Errorf("close all: %v", err)
		}
	})
	return m
}

func openMemory(t *testing.T, m *Manager, url string) *Connection {
	t.Helper()
	conn, err := m.GetConnection(url, true, false)
	if err != nil {
		t.Fatalf("get connection: %v", err)
	}
	return conn
}

func addOne(t *testing.T, m *Manager, conn *Connection, typ domain.ItemType, it domain.Item) int64 {
	t.Helper()
	applied, err := m.AddItems(map[*Connection]ChangeSet{conn: {typ: {it}}})
	if err != nil {
		t.Fatalf("add %s: %v", typ, err)
	}
	rows := applied[conn][typ]
	if len(rows) != 1 {
		t.Fatalf("add %s: applied %d rows, want 1", typ, len(rows))
	}
	return rows[0].ID()
}

type gardenIDs struct {
	class, object, definition, alternative, value int64
}

// seedGarden builds the canonical Plant/Rose fixture: a class, an object, a
// height parameter and one value under the Base alternative.
func seedGarden(t *testing.T, m *Manager, conn *Connection) gardenIDs {
	t.Helper()
	var ids gardenIDs
	ids.class = addOne(t, m, conn, domain.TypeObjectClass, domain.Item{"name": "Plant"})
	ids.object = addOne(t, m, conn, domain.TypeObject, domain.Item{"class_id": ids.class, "name": "Rose"})
	ids.definition = addOne(t, m, conn, domain.TypeParameterDefinition, domain.Item{"entity_class_id": ids.class, "name": "height"})
	ids.alternative = addOne(t, m, conn, domain.TypeAlternative, domain.Item{"name": "Base"})
	ids.value = addOne(t, m, conn, domain.TypeParameterValue, domain.Item{
		"parameter_definition_id": ids.definition,
		"entity_id":               ids.object,
		"alternative_id":          ids.alternative,
		"value":                   "1.2",
	})
	return ids
}

func queryIDs(t *testing.T, m *Manager, conn *Connection, typ domain.ItemType) []int64 {
	t.Helper()
	items, err := m.Query(conn, typ)
	if err != nil {
		t.Fatalf("query %s: %v", typ, err)
	}
	return domain.ItemIDs(items)
}

func TestAddAndQueryEndToEnd(t *testing.T) {
	m := newTestManager(t)
	conn := openMemory(t, m, "memory://garden")
	listener := &recordingListener{}
	m.RegisterListener(listener, conn)

	ids := seedGarden(t, m, conn)

	objects, err := m.Query(conn, domain.TypeObject)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(objects) != 1 || objects[0].Name() != "Rose" {
		t.Fatalf("unexpected objects: %v", objects)
	}
	if objects[0].ID() != ids.object {
		t.Fatalf("object id = %d, want %d", objects[0].ID(), ids.object)
	}
	if !conn.Dirty() {
		t.Fatal("session should be dirty before commit")
	}
	if len(listener.added) != 5 {
		t.Fatalf("added notifications = %d, want 5", len(listener.added))
	}
	set := listener.added[1][conn]
	if len(set[domain.TypeObject]) != 1 {
		t.Fatalf("second batch should carry the object, got %v", set)
	}
}

func TestUndoRedoRoundTrip(t *testing.T) {
	m := newTestManager(t)
	conn := openMemory(t, m, "memory://undo")

	classID := addOne(t, m, conn, domain.TypeObjectClass, domain.Item{"name": "Plant"})
	applied, err := m.AddItems(map[*Connection]ChangeSet{conn: {
		domain.TypeObject: {
			{"class_id": classID, "name": "Rose"},
			{"class_id": classID, "name": "Tulip"},
		},
	}})
	if err != nil {
		t.Fatalf("add objects: %v", err)
	}
	wantIDs := domain.ItemIDs(applied[conn][domain.TypeObject])

	if !m.CanUndo(conn) {
		t.Fatal("expected undoable command")
	}
	if ok, _ := m.Undo(conn); !ok {
		t.Fatal("undo returned false")
	}
	if got := queryIDs(t, m, conn, domain.TypeObject); len(got) != 0 {
		t.Fatalf("objects after undo: %v", got)
	}
	if !m.CanRedo(conn) {
		t.Fatal("expected redoable command")
	}
	if ok, _ := m.Redo(conn); !ok {
		t.Fatal("redo returned false")
	}
	got := queryIDs(t, m, conn, domain.TypeObject)
	if len(got) != len(wantIDs) || got[0] != wantIDs[0] || got[1] != wantIDs[1] {
		t.Fatalf("objects after redo = %v, want %v", got, wantIDs)
	}
	// Undo twice more: objects, then the class.
	m.Undo(conn)
	m.Undo(conn)
	if got := queryIDs(t, m, conn, domain.TypeObjectClass); len(got) != 0 {
		t.Fatalf("classes after full undo: %v", got)
	}
	if m.CanUndo(conn) {
		t.Fatal("nothing should remain undoable")
	}
}

func TestUpdateUndoDropsIntroducedField(t *testing.T) {
	m := newTestManager(t)
	conn := openMemory(t, m, "memory://update-undo")

	classID := addOne(t, m, conn, domain.TypeObjectClass, domain.Item{"name": "Plant"})
	_, err := m.UpdateItems(map[*Connection]ChangeSet{conn: {
		domain.TypeObjectClass: {{"id": classID, "description": "thorny"}},
	}})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if ok, _ := m.Undo(conn); !ok {
		t.Fatal("undo returned false")
	}
	classes, err := m.Query(conn, domain.TypeObjectClass)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(classes) != 1 {
		t.Fatalf("classes after undo = %v", classes)
	}
	if v, ok := classes[0]["description"]; ok {
		t.Fatalf("undo left behind the updated field: description=%v", v)
	}

	if ok, _ := m.Redo(conn); !ok {
		t.Fatal("redo returned false")
	}
	classes, _ = m.Query(conn, domain.TypeObjectClass)
	if got := classes[0]["description"]; got != "thorny" {
		t.Fatalf("description after redo = %v", got)
	}
}

func TestUndoTextNamesTheCommand(t *testing.T) {
	m := newTestManager(t)
	conn := openMemory(t, m, "memory://text")
	addOne(t, m, conn, domain.TypeObjectClass, domain.Item{"name": "Plant"})
	if text := m.UndoText(conn); text != "add object_class" {
		t.Fatalf("undo text = %q", text)
	}
	m.Undo(conn)
	if text := m.RedoText(conn); text != "add object_class" {
		t.Fatalf("redo text = %q", text)
	}
}

func TestRejectedBatchLeavesNoHistory(t *testing.T) {
	var (
		mu     sync.Mutex
		errLog map[*Connection][]string
	)
	m := newTestManager(t, WithErrorFunc(func(errs map[*Connection][]string) {
		mu.Lock()
		defer mu.Unlock()
		errLog = errs
	}))
	conn := openMemory(t, m, "memory://rejected")

	applied, err := m.AddItems(map[*Connection]ChangeSet{conn: {
		domain.TypeObject: {{"class_id": int64(999), "name": "Orphan"}},
	}})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if len(applied[conn][domain.TypeObject]) != 0 {
		t.Fatalf("orphan object should be rejected, applied %v", applied)
	}
	if m.CanUndo(conn) {
		t.Fatal("rejected batch must not enter history")
	}
	mu.Lock()
	defer mu.Unlock()
	msgs := errLog[conn]
	if len(msgs) != 1 || !strings.Contains(msgs[0], "references missing object_class") {
		t.Fatalf("unexpected error log: %v", msgs)
	}
}

func TestCascadeRemovalAndResurrection(t *testing.T) {
	m := newTestManager(t)
	conn := openMemory(t, m, "memory://cascade")
	ids := seedGarden(t, m, conn)

	listener := &recordingListener{}
	m.RegisterListener(listener, conn)

	removed, err := m.RemoveItems(map[*Connection]map[domain.ItemType][]int64{
		conn: {domain.TypeObjectClass: {ids.class}},
	})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	for _, typ := range []domain.ItemType{
		domain.TypeObjectClass,
		domain.TypeObject,
		domain.TypeParameterDefinition,
		domain.TypeParameterValue,
	} {
		if len(removed[conn][typ]) != 1 {
			t.Fatalf("cascade should remove one %s, got %v", typ, removed[conn][typ])
		}
	}
	if len(removed[conn][domain.TypeAlternative]) != 0 {
		t.Fatal("alternative must survive the cascade")
	}
	if len(listener.removed) != 1 {
		t.Fatalf("removal notifications = %d, want 1", len(listener.removed))
	}
	if set := listener.removed[0][conn]; len(set) != 4 {
		t.Fatalf("one batch should cover all four types, got %v", set)
	}

	if ok, _ := m.Undo(conn); !ok {
		t.Fatal("undo returned false")
	}
	if got := queryIDs(t, m, conn, domain.TypeParameterValue); len(got) != 1 || got[0] != ids.value {
		t.Fatalf("value after resurrection = %v, want [%d]", got, ids.value)
	}
	if got := queryIDs(t, m, conn, domain.TypeObject); len(got) != 1 || got[0] != ids.object {
		t.Fatalf("object after resurrection = %v, want [%d]", got, ids.object)
	}
}

func TestCommitAndRollbackBoundaries(t *testing.T) {
	m := newTestManager(t)
	conn := openMemory(t, m, "memory://session")
	listener := &recordingListener{}
	m.RegisterListener(listener, conn)

	classID := addOne(t, m, conn, domain.TypeObjectClass, domain.Item{"name": "Plant"})
	if err := m.CommitSession("initial classes", conn); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if conn.Dirty() {
		t.Fatal("session should be clean after commit")
	}
	if len(listener.committed) != 1 || listener.committed[0][0] != conn {
		t.Fatalf("commit notifications = %v", listener.committed)
	}

	// Nothing pending: committing again fails with the sentinel.
	err := m.CommitSession("empty", conn)
	if !errors.Is(err, domain.ErrNothingToCommit) {
		t.Fatalf("second commit error = %v", err)
	}

	addOne(t, m, conn, domain.TypeObject, domain.Item{"class_id": classID, "name": "Rose"})
	if err := m.RollbackSession(conn); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if got := queryIDs(t, m, conn, domain.TypeObject); len(got) != 0 {
		t.Fatalf("objects after rollback: %v", got)
	}
	if got := queryIDs(t, m, conn, domain.TypeObjectClass); len(got) != 1 || got[0] != classID {
		t.Fatalf("committed class should survive rollback, got %v", got)
	}
	if m.CanUndo(conn) {
		t.Fatal("rollback must clear the history")
	}
	if len(listener.rolledBack) != 1 {
		t.Fatalf("rollback notifications = %d, want 1", len(listener.rolledBack))
	}
}

func TestMultiConnectionIsolation(t *testing.T) {
	var (
		mu     sync.Mutex
		errLog map[*Connection][]string
	)
	m := newTestManager(t, WithErrorFunc(func(errs map[*Connection][]string) {
		mu.Lock()
		defer mu.Unlock()
		errLog = errs
	}))
	connA := openMemory(t, m, "memory://a")
	connB := openMemory(t, m, "memory://b")

	onlyA := &recordingListener{}
	m.RegisterListener(onlyA, connA)

	seedGarden(t, m, connA)
	if got := queryIDs(t, m, connB, domain.TypeObject); len(got) != 0 {
		t.Fatalf("connection b must not see a's items: %v", got)
	}
	if m.CanUndo(connB) {
		t.Fatal("connection b has its own empty history")
	}
	for _, batch := range onlyA.added {
		if _, ok := batch[connB]; ok {
			t.Fatal("listener scoped to a received b")
		}
	}

	// One batched call mixing a valid group for a with a doomed one for b:
	// a's rows apply, the failure is logged against b alone.
	applied, err := m.AddItems(map[*Connection]ChangeSet{
		connA: {domain.TypeAlternative: {{"name": "Wet"}}},
		connB: {domain.TypeObject: {{"class_id": int64(1), "name": "Orphan"}}},
	})
	if err != nil {
		t.Fatalf("batched add: %v", err)
	}
	if len(applied[connA][domain.TypeAlternative]) != 1 {
		t.Fatalf("a's alternative should apply, got %v", applied[connA])
	}
	if len(applied[connB]) != 0 {
		t.Fatalf("b's orphan should be rejected, got %v", applied[connB])
	}
	mu.Lock()
	_, forA := errLog[connA]
	_, forB := errLog[connB]
	mu.Unlock()
	if forA || !forB {
		t.Fatalf("error log should name only b: a=%v b=%v", forA, forB)
	}
	if !m.CanUndo(connA) {
		t.Fatal("a's history must be untouched")
	}
	if m.CanUndo(connB) {
		t.Fatal("b's rejected batch must not enter its history")
	}
	last := onlyA.added[len(onlyA.added)-1]
	if len(last[connA][domain.TypeAlternative]) != 1 {
		t.Fatalf("scoped listener should see a's rows from the batched call, got %v", last)
	}
}

func TestListenerPanicDoesNotBreakTheBatch(t *testing.T) {
	m := newTestManager(t)
	conn := openMemory(t, m, "memory://panicky")

	panicky := &panickyListener{}
	steady := &recordingListener{}
	m.RegisterListener(panicky, conn)
	m.RegisterListener(steady, conn)

	addOne(t, m, conn, domain.TypeObjectClass, domain.Item{"name": "Plant"})
	if len(steady.added) != 1 {
		t.Fatalf("steady listener notifications = %d, want 1", len(steady.added))
	}
}

type panickyListener struct{}

func (p *panickyListener) ReceiveItemsAdded(map[*Connection]ChangeSet)   { panic("boom") }
func (p *panickyListener) ReceiveItemsUpdated(map[*Connection]ChangeSet) {}
func (p *panickyListener) ReceiveItemsRemoved(map[*Connection]ChangeSet) {}
func (p *panickyListener) ReceiveSessionCommitted([]*Connection)         {}
func (p *panickyListener) ReceiveSessionRolledBack([]*Connection)        {}

func TestDeregisterListenerStopsDelivery(t *testing.T) {
	m := newTestManager(t)
	conn := openMemory(t, m, "memory://dereg")
	listener := &recordingListener{}
	m.RegisterListener(listener, conn)
	addOne(t, m, conn, domain.TypeObjectClass, domain.Item{"name": "Plant"})
	m.DeregisterListener(listener)
	addOne(t, m, conn, domain.TypeObjectClass, domain.Item{"name": "Soil"})
	if len(listener.added) != 1 {
		t.Fatalf("notifications after deregister = %d, want 1", len(listener.added))
	}
}

func TestImportDataResolvesNames(t *testing.T) {
	m := newTestManager(t)
	conn := openMemory(t, m, "memory://import")

	payload := dataset.Payload{
		domain.TypeObjectClass: {{"name": "Plant"}},
		domain.TypeObject:      {{"class_name": "Plant", "name": "Rose"}},
		domain.TypeAlternative: {{"name": "Base"}},
	}
	if err := m.ImportData(map[*Connection]dataset.Payload{conn: payload}, "import garden"); err != nil {
		t.Fatalf("import: %v", err)
	}
	objects, err := m.Query(conn, domain.TypeObject)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(objects) != 1 {
		t.Fatalf("objects = %v", objects)
	}
	classes := queryIDs(t, m, conn, domain.TypeObjectClass)
	if got := domain.AsID(objects[0]["class_id"]); len(classes) != 1 || got != classes[0] {
		t.Fatalf("class_id = %d, want %d", got, classes[0])
	}
	if text := m.UndoText(conn); text != "import garden" {
		t.Fatalf("undo text = %q", text)
	}

	// One undo reverts the whole import.
	if ok, _ := m.Undo(conn); !ok {
		t.Fatal("undo returned false")
	}
	if got := queryIDs(t, m, conn, domain.TypeObjectClass); len(got) != 0 {
		t.Fatalf("classes after undo: %v", got)
	}
}

func TestEmptyImportLeavesNoTrace(t *testing.T) {
	m := newTestManager(t, WithErrorFunc(func(map[*Connection][]string) {}))
	conn := openMemory(t, m, "memory://noop-import")

	payload := dataset.Payload{
		domain.TypeObject: {{"class_name": "Nowhere", "name": "Ghost"}},
	}
	if err := m.ImportData(map[*Connection]dataset.Payload{conn: payload}, "bad import"); err != nil {
		t.Fatalf("import: %v", err)
	}
	if m.CanUndo(conn) {
		t.Fatal("an import that applied nothing must not enter history")
	}
}

func TestImportDataIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	conn := openMemory(t, m, "memory://idempotent")

	payload := dataset.Payload{
		domain.TypeObjectClass: {{"name": "Plant"}},
		domain.TypeObject:      {{"class_name": "Plant", "name": "Rose"}},
	}
	conns := map[*Connection]dataset.Payload{conn: payload}
	if err := m.ImportData(conns, "first"); err != nil {
		t.Fatalf("first import: %v", err)
	}
	if err := m.ImportData(conns, "second"); err != nil {
		t.Fatalf("second import: %v", err)
	}
	if got := queryIDs(t, m, conn, domain.TypeObject); len(got) != 1 {
		t.Fatalf("objects after re-import: %v", got)
	}
}

func TestDuplicateObjectCopiesValues(t *testing.T) {
	m := newTestManager(t)
	conn := openMemory(t, m, "memory://duplicate")
	ids := seedGarden(t, m, conn)

	dup, err := m.DuplicateObject(conn, ids.object, "Rose copy")
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if dup.Name() != "Rose copy" || dup.ID() == ids.object {
		t.Fatalf("unexpected duplicate: %v", dup)
	}
	values, err := m.Query(conn, domain.TypeParameterValue)
	if err != nil {
		t.Fatalf("query values: %v", err)
	}
	var copied int
	for _, v := range values {
		if domain.AsID(v["entity_id"]) == dup.ID() {
			copied++
		}
	}
	if copied != 1 {
		t.Fatalf("copied values = %d, want 1", copied)
	}

	// One undo removes the duplicate and its values.
	if ok, _ := m.Undo(conn); !ok {
		t.Fatal("undo returned false")
	}
	if got := queryIDs(t, m, conn, domain.TypeObject); len(got) != 1 || got[0] != ids.object {
		t.Fatalf("objects after undo = %v", got)
	}
	if got := queryIDs(t, m, conn, domain.TypeParameterValue); len(got) != 1 {
		t.Fatalf("values after undo = %v", got)
	}
}

func TestDuplicateObjectCopiesRelationships(t *testing.T) {
	m := newTestManager(t)
	conn := openMemory(t, m, "memory://duplicate-rel")
	ids := seedGarden(t, m, conn)

	soilClass := addOne(t, m, conn, domain.TypeObjectClass, domain.Item{"name": "Soil"})
	clay := addOne(t, m, conn, domain.TypeObject, domain.Item{"class_id": soilClass, "name": "Clay"})
	relClass := addOne(t, m, conn, domain.TypeRelationshipClass, domain.Item{
		"name":                 "plant__soil",
		"object_class_id_list": domain.JoinIDList([]int64{ids.class, soilClass}),
	})
	rel := addOne(t, m, conn, domain.TypeRelationship, domain.Item{
		"class_id":       relClass,
		"name":           "Rose__Clay",
		"object_id_list": domain.JoinIDList([]int64{ids.object, clay}),
	})
	affinity := addOne(t, m, conn, domain.TypeParameterDefinition, domain.Item{"entity_class_id": relClass, "name": "affinity"})
	addOne(t, m, conn, domain.TypeParameterValue, domain.Item{
		"parameter_definition_id": affinity,
		"entity_id":               rel,
		"alternative_id":          ids.alternative,
		"value":                   "0.9",
	})

	dup, err := m.DuplicateObject(conn, ids.object, "Rose copy")
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	rels, err := m.Query(conn, domain.TypeRelationship)
	if err != nil {
		t.Fatalf("query relationships: %v", err)
	}
	var copied domain.Item
	for _, r := range rels {
		if r.ID() != rel {
			copied = r
		}
	}
	if copied == nil {
		t.Fatalf("relationship of the duplicate is missing: %v", rels)
	}
	if copied.Name() != "Rose copy__Clay" {
		t.Fatalf("copied relationship name = %q", copied.Name())
	}
	list, _ := copied["object_id_list"].(string)
	members := domain.ParseIDList(list)
	if len(members) != 2 || members[0] != dup.ID() || members[1] != clay {
		t.Fatalf("copied member list = %v, want [%d %d]", members, dup.ID(), clay)
	}
	values, err := m.Query(conn, domain.TypeParameterValue)
	if err != nil {
		t.Fatalf("query values: %v", err)
	}
	var onCopy int
	for _, v := range values {
		if domain.AsID(v["entity_id"]) == copied.ID() {
			onCopy++
		}
	}
	if onCopy != 1 {
		t.Fatalf("values on the copied relationship = %d, want 1", onCopy)
	}

	// One undo removes the duplicate, its relationship and their values.
	if ok, _ := m.Undo(conn); !ok {
		t.Fatal("undo returned false")
	}
	if got := queryIDs(t, m, conn, domain.TypeRelationship); len(got) != 1 || got[0] != rel {
		t.Fatalf("relationships after undo = %v", got)
	}
	if got := queryIDs(t, m, conn, domain.TypeParameterValue); len(got) != 2 {
		t.Fatalf("values after undo = %v", got)
	}
}

func TestDuplicateObjectUnknownID(t *testing.T) {
	m := newTestManager(t)
	conn := openMemory(t, m, "memory://duplicate-missing")
	if _, err := m.DuplicateObject(conn, 42, "copy"); err == nil {
		t.Fatal("expected error for unknown object")
	}
}

func TestSetScenarioAlternativesReplaces(t *testing.T) {
	m := newTestManager(t)
	conn := openMemory(t, m, "memory://scenario")

	scenarioID := addOne(t, m, conn, domain.TypeScenario, domain.Item{"name": "Drought"})
	base := addOne(t, m, conn, domain.TypeAlternative, domain.Item{"name": "Base"})
	dry := addOne(t, m, conn, domain.TypeAlternative, domain.Item{"name": "Dry"})

	if err := m.SetScenarioAlternatives(conn, scenarioID, []int64{base, dry}); err != nil {
		t.Fatalf("set: %v", err)
	}
	rows, err := m.Query(conn, domain.TypeScenarioAlternative)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("scenario alternatives = %v", rows)
	}

	if err := m.SetScenarioAlternatives(conn, scenarioID, []int64{dry}); err != nil {
		t.Fatalf("replace: %v", err)
	}
	rows, _ = m.Query(conn, domain.TypeScenarioAlternative)
	if len(rows) != 1 || domain.AsID(rows[0]["alternative_id"]) != dry {
		t.Fatalf("replaced rows = %v", rows)
	}
	if domain.AsID(rows[0]["rank"]) != 1 {
		t.Fatalf("rank = %v, want 1", rows[0]["rank"])
	}

	// Undo restores the previous pair.
	if ok, _ := m.Undo(conn); !ok {
		t.Fatal("undo returned false")
	}
	rows, _ = m.Query(conn, domain.TypeScenarioAlternative)
	if len(rows) != 2 {
		t.Fatalf("rows after undo = %v", rows)
	}
	if err := m.SetScenarioAlternatives(conn, 999, nil); err == nil {
		t.Fatal("expected error for unknown scenario")
	}
}

func TestExportAndPublish(t *testing.T) {
	m := newTestManager(t)
	conn := openMemory(t, m, "memory://export")
	seedGarden(t, m, conn)

	artifacts, err := m.ExportData(conn, []domain.ItemType{domain.TypeObjectClass, domain.TypeObject}, dataset.FormatJSON, "garden")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(artifacts) != 1 || artifacts[0].Key != "garden.json" {
		t.Fatalf("unexpected artifacts: %v", artifacts)
	}

	store := blob.NewMemory()
	if err := m.Publish(context.Background(), store, artifacts); err != nil {
		t.Fatalf("publish: %v", err)
	}
	infos, err := store.List(context.Background(), "garden")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 1 || infos[0].ContentType != "application/json" {
		t.Fatalf("published blobs: %v", infos)
	}
}

func TestGetConnectionReusesOpenHandles(t *testing.T) {
	m := newTestManager(t)
	conn := openMemory(t, m, "memory://shared")
	again, err := m.GetConnection("memory://shared", false, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if conn != again {
		t.Fatal("same url should return the same connection")
	}
	if _, err := m.GetConnection("mysql://nope", false, false); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
}

func TestQuerySurfacesFetchFailure(t *testing.T) {
	m := newTestManager(t)
	conn := openMemory(t, m, "memory://fetch-fail")
	if err := conn.mapping.Close(); err != nil {
		t.Fatalf("close mapping: %v", err)
	}
	items, err := m.Query(conn, domain.TypeObject)
	if err == nil {
		t.Fatalf("query on a failing mapping returned %v with nil error", items)
	}
	if !errors.Is(err, domain.ErrClosed) {
		t.Fatalf("error = %v, want the closed-store sentinel", err)
	}
}

func TestCloseConnectionStopsWork(t *testing.T) {
	m := newTestManager(t)
	conn := openMemory(t, m, "memory://closing")
	if err := m.CloseConnection(conn); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := m.Query(conn, domain.TypeObject); err == nil {
		t.Fatal("expected error on closed connection")
	}
}
