// Package cache holds the in-memory projection of current items for one
// connection. It is the single source of truth GUI-side readers consume; the
// backing mapping is only touched through the connection's worker, which is
// also the only mutator of the cache.
package cache

import (
	"sort"
	"sync"

	"flowbase/pkg/domain"
)

// ItemCache stores current item snapshots per item type, keyed by id.
// Readers receive clones and must treat them as point-in-time snapshots;
// re-query instead of holding references across yield points.
type ItemCache struct {
	mu    sync.RWMutex
	items map[domain.ItemType]map[int64]domain.Item
}

// New constructs an empty cache.
func New() *ItemCache {
	return &ItemCache{items: make(map[domain.ItemType]map[int64]domain.Item)}
}

// Get returns a clone of one item. Absence is not an error; the caller is
// expected to fetch from the mapping.
func (c *ItemCache) Get(typ domain.ItemType, id int64) (domain.Item, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it, ok := c.items[typ][id]
	if !ok {
		return nil, false
	}
	return it.Clone(), true
}

// GetAll returns clones of all items of one type, ordered by id for
// deterministic iteration.
func (c *ItemCache) GetAll(typ domain.ItemType) []domain.Item {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byID := c.items[typ]
	out := make([]domain.Item, 0, len(byID))
	for _, it := range byID {
		out = append(out, it.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Put upserts items by id; on field conflicts the incoming write wins.
// Items without an id are ignored.
func (c *ItemCache) Put(typ domain.ItemType, items []domain.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byID := c.items[typ]
	if byID == nil {
		byID = make(map[int64]domain.Item)
		c.items[typ] = byID
	}
	for _, it := range items {
		id := it.ID()
		if id == 0 {
			continue
		}
		if existing, ok := byID[id]; ok {
			merged := existing.Clone()
			for k, v := range it {
				merged[k] = v
			}
			byID[id] = merged
			continue
		}
		byID[id] = it.Clone()
	}
}

// Replace overwrites cached rows wholesale by id, dropping fields absent
// from the incoming snapshot. Items without an id are ignored.
func (c *ItemCache) Replace(typ domain.ItemType, items []domain.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byID := c.items[typ]
	if byID == nil {
		byID = make(map[int64]domain.Item)
		c.items[typ] = byID
	}
	for _, it := range items {
		if id := it.ID(); id != 0 {
			byID[id] = it.Clone()
		}
	}
}

// Remove evicts the given ids and returns the ids that were actually present;
// the rest are no-ops.
func (c *ItemCache) Remove(typ domain.ItemType, ids []int64) []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	byID := c.items[typ]
	removed := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := byID[id]; ok {
			delete(byID, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Clear evicts everything. Used on rollback.
func (c *ItemCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[domain.ItemType]map[int64]domain.Item)
}

// Len reports the number of cached items of one type.
func (c *ItemCache) Len(typ domain.ItemType) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items[typ])
}
