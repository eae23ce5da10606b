package core

import (
	"context"
	"sort"
	"sync"

	"flowbase/internal/cache"
	"flowbase/internal/command"
	"flowbase/internal/metrics"
	"flowbase/internal/worker"
	"flowbase/pkg/domain"
)

// batch accumulates the effects of one logical manager operation. The worker
// goroutine fills it in; the manager drains it afterwards and turns it into
// exactly one notification per change kind.
type batch struct {
	added   ChangeSet
	updated ChangeSet
	removed ChangeSet
	errors  []string
}

func newBatch() *batch {
	return &batch{added: ChangeSet{}, updated: ChangeSet{}, removed: ChangeSet{}}
}

func (b *batch) record(set ChangeSet, typ domain.ItemType, items []domain.Item) {
	if len(items) > 0 {
		set[typ] = append(set[typ], domain.CloneItems(items)...)
	}
}

// Connection binds one open mapping to its cache, undo history and worker.
// It implements the command store contract; those methods must only run on
// the worker goroutine, which the manager guarantees by funneling every
// operation through exec.
type Connection struct {
	url     string
	mapping domain.Mapping
	cache   *cache.ItemCache
	history *command.History
	worker  *worker.Worker
	logger  domain.Logger
	metrics *metrics.Metrics

	ctx     context.Context
	fetched map[domain.ItemType]bool
	pending *batch

	closeOnce sync.Once
	closeErr  error
}

func newConnection(url string, mapping domain.Mapping, o options) *Connection {
	return &Connection{
		url:     url,
		mapping: mapping,
		cache:   cache.New(),
		history: command.NewHistory(),
		worker:  worker.New(url, worker.WithLogger(o.logger), worker.WithMetrics(o.metrics)),
		logger:  o.logger,
		metrics: o.metrics,
		ctx:     context.Background(),
		fetched: make(map[domain.ItemType]bool),
		pending: newBatch(),
	}
}

// URL identifies the backing store of this connection.
func (c *Connection) URL() string { return c.url }

// Mapping exposes the backing store for read paths that bypass the cache,
// such as dataset export.
func (c *Connection) Mapping() domain.Mapping { return c.mapping }

// exec runs fn on the worker goroutine and blocks until it finished.
func (c *Connection) exec(op string, fn func()) error {
	return c.worker.Exec(op, fn)
}

// drain returns the accumulated batch and resets the pending one. Must run
// on the worker goroutine.
func (c *Connection) drain() *batch {
	out := c.pending
	c.pending = newBatch()
	return out
}

// ensureFetched populates the cache with the mapping's current rows of one
// type the first time that type is touched. Fetching is pure cache
// population: it is not undoable and produces no notifications.
func (c *Connection) ensureFetched(typ domain.ItemType) error {
	if c.fetched[typ] {
		return nil
	}
	items, err := c.mapping.Query(c.ctx, typ)
	if err != nil {
		return err
	}
	c.cache.Put(typ, items)
	c.fetched[typ] = true
	return nil
}

// fetchForWrite is ensureFetched on the mutation paths, where the store
// contract has no error return; failures go to the pending error log.
func (c *Connection) fetchForWrite(typ domain.ItemType) {
	if err := c.ensureFetched(typ); err != nil {
		c.pending.errors = append(c.pending.errors, err.Error())
	}
}

// AddItems inserts items through the mapping, folds the applied rows into the
// cache and records them for notification.
func (c *Connection) AddItems(typ domain.ItemType, items []domain.Item, check bool) []domain.Item {
	c.fetchForWrite(typ)
	applied, errorLog := c.mapping.AddItems(c.ctx, typ, items, check)
	c.cache.Put(typ, applied)
	c.pending.record(c.pending.added, typ, applied)
	c.pending.errors = append(c.pending.errors, errorLog...)
	c.metrics.CountErrors(c.url, "add", len(errorLog))
	return applied
}

// ReaddItems restores removed rows with their original ids.
func (c *Connection) ReaddItems(typ domain.ItemType, items []domain.Item) {
	c.fetchForWrite(typ)
	if err := c.mapping.ReaddItems(c.ctx, typ, items); err != nil {
		c.pending.errors = append(c.pending.errors, err.Error())
		return
	}
	c.cache.Put(typ, items)
	c.pending.record(c.pending.added, typ, items)
}

// UpdateItems merges fields into existing rows through the mapping.
func (c *Connection) UpdateItems(typ domain.ItemType, items []domain.Item, check bool) []domain.Item {
	c.fetchForWrite(typ)
	applied, errorLog := c.mapping.UpdateItems(c.ctx, typ, items, check)
	c.cache.Put(typ, applied)
	c.pending.record(c.pending.updated, typ, applied)
	c.pending.errors = append(c.pending.errors, errorLog...)
	c.metrics.CountErrors(c.url, "update", len(errorLog))
	return applied
}

// ReplaceItems overwrites rows wholesale with the given snapshots, in both
// the mapping and the cache. Used by undo and redo of updates.
func (c *Connection) ReplaceItems(typ domain.ItemType, items []domain.Item) {
	c.fetchForWrite(typ)
	if err := c.mapping.ReplaceItems(c.ctx, typ, items); err != nil {
		c.pending.errors = append(c.pending.errors, err.Error())
		return
	}
	c.cache.Replace(typ, items)
	c.pending.record(c.pending.updated, typ, items)
}

// RemoveItems expands the seed ids to their cascading closure, snapshots
// every doomed row, removes them from the mapping and cache, and returns the
// snapshots keyed by type.
func (c *Connection) RemoveItems(ids map[domain.ItemType][]int64) map[domain.ItemType][]domain.Item {
	closure, err := c.mapping.CascadingIDs(c.ctx, ids)
	if err != nil {
		c.pending.errors = append(c.pending.errors, err.Error())
		return nil
	}
	removed := make(map[domain.ItemType][]domain.Item)
	for typ, typeIDs := range closure {
		c.fetchForWrite(typ)
		doomed := make([]int64, 0, len(typeIDs))
		for _, id := range typeIDs {
			if it, ok := c.cache.Get(typ, id); ok {
				removed[typ] = append(removed[typ], it)
				doomed = append(doomed, id)
			}
		}
		closure[typ] = doomed
	}
	if err := c.mapping.RemoveItems(c.ctx, closure); err != nil {
		c.pending.errors = append(c.pending.errors, err.Error())
		return nil
	}
	for typ, items := range removed {
		sort.Slice(items, func(i, j int) bool { return items[i].ID() < items[j].ID() })
		c.cache.Remove(typ, domain.ItemIDs(items))
		c.pending.record(c.pending.removed, typ, items)
	}
	return removed
}

// CachedItem returns the current cache snapshot of one row, fetching the
// type on first touch.
func (c *Connection) CachedItem(typ domain.ItemType, id int64) (domain.Item, bool) {
	c.fetchForWrite(typ)
	return c.cache.Get(typ, id)
}

// cachedItems returns the current cache snapshot of all rows of one type,
// fetching on first touch. Must run on the worker goroutine.
func (c *Connection) cachedItems(typ domain.ItemType) ([]domain.Item, error) {
	if err := c.ensureFetched(typ); err != nil {
		return nil, err
	}
	return c.cache.GetAll(typ), nil
}

// Dirty reports whether uncommitted session changes are pending.
func (c *Connection) Dirty() bool { return c.mapping.Dirty() }

// close stops the worker so no task outlives the connection, then releases
// the mapping. Safe to call more than once.
func (c *Connection) close() error {
	c.closeOnce.Do(func() {
		c.worker.Stop()
		c.closeErr = c.mapping.Close()
	})
	return c.closeErr
}
