// Package memory provides the in-memory transactional item mapping. It keeps
// a committed state and a working state; the working state accumulates the
// current session's changes until Commit makes them durable or Rollback
// discards them. Durable backends embed this store and persist the committed
// snapshot on commit.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"flowbase/internal/check"
	"flowbase/pkg/domain"
)

// Compile-time contract assertion.
var _ domain.Mapping = (*Store)(nil)

type state map[domain.ItemType]map[int64]domain.Item

func newState() state {
	s := make(state, len(domain.AllTypes))
	for _, typ := range domain.AllTypes {
		s[typ] = make(map[int64]domain.Item)
	}
	return s
}

func (s state) clone() state {
	cloned := make(state, len(s))
	for typ, byID := range s {
		bucket := make(map[int64]domain.Item, len(byID))
		for id, it := range byID {
			bucket[id] = it.Clone()
		}
		cloned[typ] = bucket
	}
	return cloned
}

// stateView adapts a state to the checker's read contract.
type stateView struct {
	s state
}

func (v stateView) Exists(typ domain.ItemType, id int64) bool {
	_, ok := v.s[typ][id]
	return ok
}

func (v stateView) Lookup(typ domain.ItemType, key []string, values []any) (int64, bool) {
	want := check.KeyString(values)
	for id, it := range v.s[typ] {
		have := make([]any, 0, len(key))
		complete := true
		for _, field := range key {
			fv, ok := it[field]
			if !ok {
				complete = false
				break
			}
			have = append(have, check.Normalize(fv))
		}
		if complete && check.KeyString(have) == want {
			return id, true
		}
	}
	return 0, false
}

// Snapshot is the serializable form of a committed state, used by durable
// backends for persistence and hydration.
type Snapshot map[domain.ItemType][]domain.Item

// CommitRecord describes one successful commit of the session.
type CommitRecord struct {
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Store is the in-memory mapping.
type Store struct {
	mu        sync.RWMutex
	url       string
	committed state
	working   state
	nextID    map[domain.ItemType]int64
	changes   []domain.Change
	commits   []CommitRecord
	closed    bool
	nowFn     func() time.Time
}

// New constructs an empty store identified by the given URL.
func New(url string) *Store {
	return &Store{
		url:       url,
		committed: newState(),
		working:   newState(),
		nextID:    make(map[domain.ItemType]int64, len(domain.AllTypes)),
		nowFn:     func() time.Time { return time.Now().UTC() },
	}
}

// URL identifies the backing store.
func (s *Store) URL() string { return s.url }

func (s *Store) guard(op string) error {
	if s.closed {
		return domain.StoreError{URL: s.url, Op: op, Err: domain.ErrClosed}
	}
	return nil
}

func (s *Store) allocateID(typ domain.ItemType) int64 {
	s.nextID[typ]++
	return s.nextID[typ]
}

func (s *Store) noteID(typ domain.ItemType, id int64) {
	if id > s.nextID[typ] {
		s.nextID[typ] = id
	}
}

// Query returns the current (committed plus pending) items of one type,
// ordered by id.
func (s *Store) Query(_ context.Context, typ domain.ItemType) ([]domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard("query"); err != nil {
		return nil, err
	}
	byID := s.working[typ]
	out := make([]domain.Item, 0, len(byID))
	for _, it := range byID {
		out = append(out, it.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out, nil
}

// AddItems inserts items, assigning fresh ids. Valid rows are applied even
// when siblings fail; rejected rows are enumerated in the error log.
func (s *Store) AddItems(_ context.Context, typ domain.ItemType, items []domain.Item, verbose bool) ([]domain.Item, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard("add " + string(typ)); err != nil {
		return nil, []string{err.Error()}
	}
	view := stateView{s.working}
	var applied []domain.Item
	var errorLog []string
	for _, raw := range items {
		it := raw.Clone()
		delete(it, "id")
		if err := check.Item(view, typ, it, 0, verbose); err != nil {
			errorLog = append(errorLog, err.Error())
			continue
		}
		it.SetID(s.allocateID(typ))
		s.working[typ][it.ID()] = it
		s.changes = append(s.changes, domain.Change{Type: typ, Action: domain.ActionAdd, After: it.Clone()})
		applied = append(applied, it.Clone())
	}
	return applied, errorLog
}

// ReaddItems restores previously removed items with their original ids. The
// rows were valid when first written, so no integrity diagnostics are run.
func (s *Store) ReaddItems(_ context.Context, typ domain.ItemType, items []domain.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard("readd " + string(typ)); err != nil {
		return err
	}
	for _, raw := range items {
		it := raw.Clone()
		id := it.ID()
		if id == 0 {
			return domain.StoreError{URL: s.url, Op: "readd " + string(typ), Err: fmt.Errorf("item without id")}
		}
		s.noteID(typ, id)
		s.working[typ][id] = it
		s.changes = append(s.changes, domain.Change{Type: typ, Action: domain.ActionAdd, After: it.Clone()})
	}
	return nil
}

// UpdateItems merges the given fields into existing items by id.
func (s *Store) UpdateItems(_ context.Context, typ domain.ItemType, items []domain.Item, verbose bool) ([]domain.Item, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard("update " + string(typ)); err != nil {
		return nil, []string{err.Error()}
	}
	view := stateView{s.working}
	var applied []domain.Item
	var errorLog []string
	for _, raw := range items {
		id := raw.ID()
		current, ok := s.working[typ][id]
		if !ok {
			errorLog = append(errorLog, fmt.Sprintf("no %s with id %d", typ, id))
			continue
		}
		merged := current.Clone()
		for k, v := range raw {
			merged[k] = v
		}
		merged.SetID(id)
		if err := check.Item(view, typ, merged, id, verbose); err != nil {
			errorLog = append(errorLog, err.Error())
			continue
		}
		before := current.Clone()
		s.working[typ][id] = merged
		s.changes = append(s.changes, domain.Change{Type: typ, Action: domain.ActionUpdate, Before: before, After: merged.Clone()})
		applied = append(applied, merged.Clone())
	}
	return applied, errorLog
}

// ReplaceItems overwrites existing rows wholesale with the given snapshots.
// Unlike UpdateItems there is no merge: fields absent from a snapshot are
// dropped. Rows are snapshots of prior state, so integrity is not re-checked.
func (s *Store) ReplaceItems(_ context.Context, typ domain.ItemType, items []domain.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard("replace " + string(typ)); err != nil {
		return err
	}
	for _, raw := range items {
		id := raw.ID()
		current, ok := s.working[typ][id]
		if !ok {
			return fmt.Errorf("no %s with id %d", typ, id)
		}
		replacement := raw.Clone()
		replacement.SetID(id)
		s.working[typ][id] = replacement
		s.changes = append(s.changes, domain.Change{Type: typ, Action: domain.ActionUpdate, Before: current.Clone(), After: replacement.Clone()})
	}
	return nil
}

// CascadingIDs expands seed ids to the transitive closure of dependents.
// Seeds that no longer exist are skipped.
func (s *Store) CascadingIDs(_ context.Context, seed map[domain.ItemType][]int64) (map[domain.ItemType][]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.guard("cascading_ids"); err != nil {
		return nil, err
	}
	doomed := make(map[domain.ItemType]map[int64]bool, len(domain.AllTypes))
	for _, typ := range domain.AllTypes {
		doomed[typ] = make(map[int64]bool)
	}
	for typ, ids := range seed {
		for _, id := range ids {
			if _, ok := s.working[typ][id]; ok {
				doomed[typ][id] = true
			}
		}
	}
	// Fixpoint over the reference table: an item whose reference field holds
	// any doomed id of a candidate type is doomed too.
	for changed := true; changed; {
		changed = false
		for _, typ := range domain.AllTypes {
			spec := domain.Specs[typ]
			if len(spec.References) == 0 {
				continue
			}
			for id, it := range s.working[typ] {
				if doomed[typ][id] {
					continue
				}
				if referencesDoomed(spec, it, doomed) {
					doomed[typ][id] = true
					changed = true
				}
			}
		}
	}
	closure := make(map[domain.ItemType][]int64)
	for typ, ids := range doomed {
		if len(ids) == 0 {
			continue
		}
		sorted := make([]int64, 0, len(ids))
		for id := range ids {
			sorted = append(sorted, id)
		}
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		closure[typ] = sorted
	}
	return closure, nil
}

func referencesDoomed(spec domain.TypeSpec, it domain.Item, doomed map[domain.ItemType]map[int64]bool) bool {
	for _, ref := range spec.References {
		for _, id := range ref.ReferencedIDs(it) {
			for _, target := range ref.Types {
				if doomed[target][id] {
					return true
				}
			}
		}
	}
	return false
}

// RemoveItems deletes the given ids; absent ids are no-ops.
func (s *Store) RemoveItems(_ context.Context, ids map[domain.ItemType][]int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard("remove_items"); err != nil {
		return err
	}
	for typ, typeIDs := range ids {
		for _, id := range typeIDs {
			current, ok := s.working[typ][id]
			if !ok {
				continue
			}
			delete(s.working[typ], id)
			s.changes = append(s.changes, domain.Change{Type: typ, Action: domain.ActionRemove, Before: current.Clone()})
		}
	}
	return nil
}

// Commit makes the working state the committed state.
func (s *Store) Commit(_ context.Context, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard("commit"); err != nil {
		return err
	}
	if len(s.changes) == 0 {
		return domain.StoreError{URL: s.url, Op: "commit", Err: domain.ErrNothingToCommit}
	}
	s.committed = s.working.clone()
	s.changes = nil
	s.commits = append(s.commits, CommitRecord{Message: message, At: s.nowFn()})
	return nil
}

// Rollback discards the working state in favor of the committed one.
func (s *Store) Rollback(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.guard("rollback"); err != nil {
		return err
	}
	if len(s.changes) == 0 {
		return domain.StoreError{URL: s.url, Op: "rollback", Err: domain.ErrNothingToRollback}
	}
	s.working = s.committed.clone()
	s.changes = nil
	s.rebuildIDCounters()
	return nil
}

func (s *Store) rebuildIDCounters() {
	s.nextID = make(map[domain.ItemType]int64, len(domain.AllTypes))
	for typ, byID := range s.working {
		for id := range byID {
			if id > s.nextID[typ] {
				s.nextID[typ] = id
			}
		}
	}
}

// Dirty reports whether uncommitted changes are pending.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.changes) > 0
}

// Changes returns a copy of the pending session change log.
func (s *Store) Changes() []domain.Change {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.CloneChanges(s.changes)
}

// Commits returns the commit records of this store instance.
func (s *Store) Commits() []CommitRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]CommitRecord, len(s.commits))
	copy(out, s.commits)
	return out
}

// Close marks the store closed. Closing twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ExportState snapshots the committed state for durable persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := make(Snapshot, len(s.committed))
	for typ, byID := range s.committed {
		rows := make([]domain.Item, 0, len(byID))
		for _, it := range byID {
			rows = append(rows, it.Clone())
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].ID() < rows[j].ID() })
		snapshot[typ] = rows
	}
	return snapshot
}

// ImportState replaces both committed and working state from a snapshot and
// opens a fresh, clean session on top of it.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = newState()
	for typ, rows := range snapshot {
		bucket := s.committed[typ]
		if bucket == nil {
			continue
		}
		for _, it := range rows {
			if id := it.ID(); id != 0 {
				cp := it.Clone()
				cp.SetID(id)
				bucket[id] = cp
			}
		}
	}
	s.working = s.committed.clone()
	s.changes = nil
	s.rebuildIDCounters()
}
