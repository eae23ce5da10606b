package cache

import (
	"math/rand"
	"testing"

	"flowbase/pkg/domain"
)

func TestGetAbsentIsNotAnError(t *testing.T) {
	c := New()
	if _, ok := c.Get(domain.TypeObject, 1); ok {
		t.Fatalf("expected absence")
	}
}

func TestPutUpsertsAndMerges(t *testing.T) {
	c := New()
	c.Put(domain.TypeObject, []domain.Item{{"id": int64(1), "name": "Rose", "class_id": int64(10)}})
	c.Put(domain.TypeObject, []domain.Item{{"id": int64(1), "name": "Tulip"}})
	it, ok := c.Get(domain.TypeObject, 1)
	if !ok {
		t.Fatalf("expected item")
	}
	if it.Name() != "Tulip" {
		t.Fatalf("last write should win, got %q", it.Name())
	}
	if domain.AsID(it["class_id"]) != 10 {
		t.Fatalf("merge lost untouched field: %v", it)
	}
	c.Put(domain.TypeObject, []domain.Item{{"name": "no id"}})
	if c.Len(domain.TypeObject) != 1 {
		t.Fatalf("id-less item must be ignored")
	}
}

func TestReplaceDropsAbsentFields(t *testing.T) {
	c := New()
	c.Put(domain.TypeObject, []domain.Item{{"id": int64(1), "name": "Rose", "description": "thorny"}})
	c.Replace(domain.TypeObject, []domain.Item{{"id": int64(1), "name": "Rose"}})
	it, ok := c.Get(domain.TypeObject, 1)
	if !ok {
		t.Fatalf("expected item")
	}
	if _, ok := it["description"]; ok {
		t.Fatalf("replace must not merge, got %v", it)
	}
}

func TestReadersGetSnapshots(t *testing.T) {
	c := New()
	c.Put(domain.TypeObjectClass, []domain.Item{{"id": int64(1), "name": "Plant"}})
	snapshot, _ := c.Get(domain.TypeObjectClass, 1)
	snapshot["name"] = "mutated"
	fresh, _ := c.Get(domain.TypeObjectClass, 1)
	if fresh.Name() != "Plant" {
		t.Fatalf("cache leaked a mutable reference")
	}
}

func TestRemoveReturnsOnlyEvicted(t *testing.T) {
	c := New()
	c.Put(domain.TypeObject, []domain.Item{{"id": int64(1)}, {"id": int64(2)}})
	removed := c.Remove(domain.TypeObject, []int64{2, 3})
	if len(removed) != 1 || removed[0] != 2 {
		t.Fatalf("Remove = %v", removed)
	}
	if c.Len(domain.TypeObject) != 1 {
		t.Fatalf("expected one item left")
	}
}

func TestClear(t *testing.T) {
	c := New()
	c.Put(domain.TypeScenario, []domain.Item{{"id": int64(1)}})
	c.Clear()
	if c.Len(domain.TypeScenario) != 0 {
		t.Fatalf("expected empty cache after clear")
	}
}

// Replays a random add/update/remove sequence against a plain map and checks
// GetAll agrees with the reference at the end.
func TestReplayEquivalence(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	c := New()
	ref := make(map[int64]string)
	for step := 0; step < 500; step++ {
		id := int64(rng.Intn(50) + 1)
		switch rng.Intn(3) {
		case 0, 1:
			name := string(rune('a' + rng.Intn(26)))
			c.Put(domain.TypeObject, []domain.Item{{"id": id, "name": name}})
			ref[id] = name
		case 2:
			c.Remove(domain.TypeObject, []int64{id})
			delete(ref, id)
		}
	}
	got := c.GetAll(domain.TypeObject)
	if len(got) != len(ref) {
		t.Fatalf("size mismatch: cache %d, reference %d", len(got), len(ref))
	}
	for _, it := range got {
		if ref[it.ID()] != it.Name() {
			t.Fatalf("item %d: cache %q, reference %q", it.ID(), it.Name(), ref[it.ID()])
		}
	}
}
