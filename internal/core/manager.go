// Package core provides the manager façade over open database connections.
// Each connection owns a mapping, an item cache, an undo history and a
// worker goroutine; the manager funnels every mutation through the owning
// worker, batches the effects, and fans exactly one notification per change
// kind out to registered listeners.
package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"flowbase/internal/blob"
	"flowbase/internal/command"
	"flowbase/internal/dataset"
	"flowbase/internal/infra/persistence/memory"
	"flowbase/internal/infra/persistence/postgres"
	"flowbase/internal/infra/persistence/sqlite"
	"flowbase/pkg/domain"
)

// Manager owns the open connections and the listener registry. All methods
// are safe for concurrent use; per-connection mutations serialize on that
// connection's worker, so operations on different connections proceed
// independently.
type Manager struct {
	opts     options
	registry *listenerRegistry

	mu    sync.Mutex
	conns map[string]*Connection
}

// NewManager constructs a manager with the given options.
func NewManager(opts ...Option) *Manager {
	o := buildOptions(opts)
	return &Manager{
		opts:     o,
		registry: newListenerRegistry(o.logger),
		conns:    make(map[string]*Connection),
	}
}

// GetConnection returns the open connection for url, opening it on first
// use. The create flag allows establishing a store that does not exist yet;
// upgrade permits migrating an on-disk schema from an older version. A
// too-old schema without upgrade fails with a VersionError the caller can
// inspect.
func (m *Manager) GetConnection(url string, create, upgrade bool) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.conns[url]; ok {
		return conn, nil
	}
	mapping, err := openMapping(url, create, upgrade)
	if err != nil {
		return nil, err
	}
	conn := newConnection(url, mapping, m.opts)
	m.conns[url] = conn
	m.opts.metrics.ConnectionOpened()
	m.opts.logger.Info("connection opened", "url", url)
	return conn, nil
}

func openMapping(url string, create, upgrade bool) (domain.Mapping, error) {
	switch {
	case strings.HasPrefix(url, "memory://"):
		return memory.New(url), nil
	case strings.HasPrefix(url, "sqlite://"):
		return sqlite.NewStore(strings.TrimPrefix(url, "sqlite://"), create, upgrade)
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return postgres.NewStore(url)
	default:
		return nil, fmt.Errorf("unsupported database url %q", url)
	}
}

// CloseConnection stops the connection's worker, closes the mapping and
// removes the connection from every listener scope.
func (m *Manager) CloseConnection(conn *Connection) error {
	m.mu.Lock()
	delete(m.conns, conn.url)
	m.mu.Unlock()
	m.registry.dropConnection(conn)
	err := conn.close()
	m.opts.metrics.ConnectionClosed()
	m.opts.logger.Info("connection closed", "url", conn.url)
	return err
}

// CloseAll closes every open connection and reports the joined errors.
func (m *Manager) CloseAll() error {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()
	var errs []error
	for _, conn := range conns {
		m.registry.dropConnection(conn)
		if err := conn.close(); err != nil {
			errs = append(errs, err)
		}
		m.opts.metrics.ConnectionClosed()
	}
	return errors.Join(errs...)
}

// RegisterListener subscribes the listener to change batches of the given
// connections.
func (m *Manager) RegisterListener(l Listener, conns ...*Connection) {
	m.registry.register(l, conns...)
}

// DeregisterListener unsubscribes the listener from the given connections,
// or from everything when none are named.
func (m *Manager) DeregisterListener(l Listener, conns ...*Connection) {
	m.registry.deregister(l, conns...)
}

// Query returns the cached current rows of one type, fetching from the
// mapping on first touch. A failing fetch surfaces here, not on the next
// mutation.
func (m *Manager) Query(conn *Connection, typ domain.ItemType) ([]domain.Item, error) {
	var (
		items    []domain.Item
		fetchErr error
	)
	err := conn.exec("query", func() {
		items, fetchErr = conn.cachedItems(typ)
	})
	if err != nil {
		return nil, err
	}
	return items, fetchErr
}

// AddItems inserts items keyed by connection, each connection's group as one
// undoable unit. Returned rows carry the generated ids; per-row validation
// failures go to the error callback without failing the batch, and one
// connection's failure never blocks another's.
func (m *Manager) AddItems(data map[*Connection]ChangeSet) (map[*Connection]ChangeSet, error) {
	return m.mutateEach("add_items", data, func(conn *Connection, sets ChangeSet, now time.Time) ChangeSet {
		applied := ChangeSet{}
		perType(conn, sets, "add items", now, func(typ domain.ItemType, items []domain.Item) command.Command {
			cmd := command.NewAddItems(conn, typ, items, true, now)
			if rows := cmd.Applied(); len(rows) > 0 {
				applied[typ] = rows
			}
			return cmd
		})
		return applied
	})
}

// UpdateItems merges fields into existing items keyed by connection, each
// connection's group as one undoable unit.
func (m *Manager) UpdateItems(data map[*Connection]ChangeSet) (map[*Connection]ChangeSet, error) {
	return m.mutateEach("update_items", data, func(conn *Connection, sets ChangeSet, now time.Time) ChangeSet {
		applied := ChangeSet{}
		perType(conn, sets, "update items", now, func(typ domain.ItemType, items []domain.Item) command.Command {
			cmd := command.NewUpdateItems(conn, typ, items, true, now)
			if rows := cmd.Applied(); len(rows) > 0 {
				applied[typ] = rows
			}
			return cmd
		})
		return applied
	})
}

// mutateEach applies one mutation per connection on its worker, collects the
// applied rows, and delivers one notification batch covering every
// connection. Worker failures are joined per connection.
func (m *Manager) mutateEach(op string, data map[*Connection]ChangeSet, apply func(conn *Connection, sets ChangeSet, now time.Time) ChangeSet) (map[*Connection]ChangeSet, error) {
	applied := make(map[*Connection]ChangeSet, len(data))
	batches := make(map[*Connection]*batch, len(data))
	var errs []error
	for conn, sets := range data {
		var (
			result ChangeSet
			b      *batch
		)
		err := conn.exec(op, func() {
			result = apply(conn, sets, m.opts.clock.Now())
			b = conn.drain()
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", conn.url, err))
			continue
		}
		batches[conn] = b
		if len(result) > 0 {
			applied[conn] = result
		}
	}
	m.dispatch(batches)
	return applied, errors.Join(errs...)
}

// perType builds one command per non-empty type in dependency order. A
// single affected type is pushed as a plain command; more than one becomes a
// macro so undo reverts them together. Must run on the worker goroutine.
func perType(conn *Connection, data map[domain.ItemType][]domain.Item, macroText string, now time.Time, build func(domain.ItemType, []domain.Item) command.Command) {
	var cmds []command.Command
	for _, typ := range domain.AllTypes {
		if items := data[typ]; len(items) > 0 {
			cmds = append(cmds, build(typ, items))
		}
	}
	switch len(cmds) {
	case 0:
		return
	case 1:
		if !cmds[0].Obsolete() {
			conn.history.Push(cmds[0])
		}
	default:
		macro := command.NewMacro(macroText, now)
		for _, cmd := range cmds {
			macro.Add(cmd)
		}
		if !macro.Obsolete() {
			conn.history.Push(macro)
		}
	}
}

// RemoveItems removes the given ids together with every item that references
// them, keyed by connection, each connection's removal as one undoable unit.
// The returned map holds the full snapshots of everything removed.
func (m *Manager) RemoveItems(ids map[*Connection]map[domain.ItemType][]int64) (map[*Connection]map[domain.ItemType][]domain.Item, error) {
	removed := make(map[*Connection]map[domain.ItemType][]domain.Item, len(ids))
	batches := make(map[*Connection]*batch, len(ids))
	var errs []error
	for conn, seeds := range ids {
		var b *batch
		err := conn.exec("remove_items", func() {
			cmd := command.NewRemoveItems(conn, seeds, m.opts.clock.Now())
			if rm := cmd.Removed(); len(rm) > 0 {
				removed[conn] = rm
			}
			if !cmd.Obsolete() {
				conn.history.Push(cmd)
			}
			b = conn.drain()
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", conn.url, err))
			continue
		}
		batches[conn] = b
	}
	m.dispatch(batches)
	return removed, errors.Join(errs...)
}

// Undo reverts the latest command of the connection. Returns false when
// nothing undoable remains.
func (m *Manager) Undo(conn *Connection) (bool, error) {
	var ok bool
	err := m.mutate(conn, "undo", func(time.Time) {
		ok = conn.history.Undo()
	})
	return ok, err
}

// Redo re-applies the next command of the connection. Returns false when
// nothing redoable remains.
func (m *Manager) Redo(conn *Connection) (bool, error) {
	var ok bool
	err := m.mutate(conn, "redo", func(time.Time) {
		ok = conn.history.Redo()
	})
	return ok, err
}

// CanUndo reports whether the connection has an undoable command.
func (m *Manager) CanUndo(conn *Connection) bool {
	var ok bool
	conn.exec("can_undo", func() { ok = conn.history.CanUndo() })
	return ok
}

// CanRedo reports whether the connection has a redoable command.
func (m *Manager) CanRedo(conn *Connection) bool {
	var ok bool
	conn.exec("can_redo", func() { ok = conn.history.CanRedo() })
	return ok
}

// UndoText returns the label of the command Undo would revert.
func (m *Manager) UndoText(conn *Connection) string {
	var text string
	conn.exec("undo_text", func() { text = conn.history.UndoText() })
	return text
}

// RedoText returns the label of the command Redo would re-apply.
func (m *Manager) RedoText(conn *Connection) string {
	var text string
	conn.exec("redo_text", func() { text = conn.history.RedoText() })
	return text
}

// ImportData resolves and applies one name-keyed payload per connection,
// each as a single named macro. A payload that applies nothing leaves no
// trace in that connection's history. One connection's failure never blocks
// another's import.
func (m *Manager) ImportData(payloads map[*Connection]dataset.Payload, text string) error {
	batches := make(map[*Connection]*batch, len(payloads))
	var errs []error
	for conn, payload := range payloads {
		b, err := m.importOne(conn, payload, text)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", conn.url, err))
			continue
		}
		batches[conn] = b
	}
	m.dispatch(batches)
	return errors.Join(errs...)
}

func (m *Manager) importOne(conn *Connection, payload dataset.Payload, text string) (*batch, error) {
	var (
		b        *batch
		stateErr error
	)
	err := conn.exec("import_data", func() {
		defer func() { b = conn.drain() }()
		now := m.opts.clock.Now()
		state, err := currentState(conn)
		if err != nil {
			stateErr = err
			return
		}
		idx := dataset.NewIndex(state)
		macro := command.NewMacro(text, now)
		for _, typ := range domain.AllTypes {
			rows := payload[typ]
			if len(rows) == 0 {
				continue
			}
			toAdd, toUpdate, errorLog := dataset.Resolve(typ, rows, idx)
			conn.pending.errors = append(conn.pending.errors, errorLog...)
			if len(toAdd) > 0 {
				cmd := command.NewAddItems(conn, typ, toAdd, true, now)
				macro.Add(cmd)
				for _, it := range cmd.Applied() {
					idx.Add(typ, it)
				}
			}
			if len(toUpdate) > 0 {
				cmd := command.NewUpdateItems(conn, typ, toUpdate, true, now)
				macro.Add(cmd)
				for _, it := range cmd.Applied() {
					idx.Add(typ, it)
				}
			}
		}
		if macro.Children() > 0 && !macro.Obsolete() {
			conn.history.Push(macro)
		}
	})
	if err == nil {
		err = stateErr
	}
	return b, err
}

func currentState(conn *Connection) (map[domain.ItemType][]domain.Item, error) {
	state := make(map[domain.ItemType][]domain.Item, len(domain.AllTypes))
	for _, typ := range domain.AllTypes {
		items, err := conn.cachedItems(typ)
		if err != nil {
			return nil, err
		}
		if len(items) > 0 {
			state[typ] = items
		}
	}
	return state, nil
}

// ExportData renders the current mapping state of the selected types into
// artifacts of the requested format. It reads from the mapping, not the
// cache, so exports always see the store's own view.
func (m *Manager) ExportData(conn *Connection, types []domain.ItemType, format dataset.Format, baseKey string) ([]dataset.Artifact, error) {
	var (
		artifacts []dataset.Artifact
		exportErr error
	)
	err := conn.exec("export_data", func() {
		artifacts, exportErr = dataset.Export(conn.ctx, conn.mapping, types, format, baseKey)
	})
	if err != nil {
		return nil, err
	}
	return artifacts, exportErr
}

// Publish writes export artifacts to a blob store.
func (m *Manager) Publish(ctx context.Context, store blob.Store, artifacts []dataset.Artifact) error {
	for _, a := range artifacts {
		opts := blob.PutOptions{ContentType: a.ContentType}
		if _, err := store.Put(ctx, a.Key, bytes.NewReader(a.Payload), opts); err != nil {
			return fmt.Errorf("publish %s: %w", a.Key, err)
		}
		m.opts.logger.Info("artifact published", "key", a.Key, "bytes", a.SizeBytes)
	}
	return nil
}

// DuplicateObject copies one object under a new name, together with its
// parameter values, metadata links and the relationships it is a member of,
// as a single undoable macro. Returns the new object row.
func (m *Manager) DuplicateObject(conn *Connection, objectID int64, newName string) (domain.Item, error) {
	var (
		dup    domain.Item
		opErr  error
		b      *batch
		origin string
	)
	err := conn.exec("duplicate_object", func() {
		defer func() { b = conn.drain() }()
		orig, ok := conn.CachedItem(domain.TypeObject, objectID)
		if !ok {
			opErr = fmt.Errorf("no object with id %d", objectID)
			return
		}
		origin = orig.Name()
		now := m.opts.clock.Now()
		macro := command.NewMacro("duplicate object "+origin, now)
		clone := orig.Clone()
		delete(clone, "id")
		clone["name"] = newName
		addCmd := command.NewAddItems(conn, domain.TypeObject, []domain.Item{clone}, true, now)
		macro.Add(addCmd)
		applied := addCmd.Applied()
		if len(applied) == 0 {
			opErr = fmt.Errorf("duplicate of object %q was rejected", origin)
			return
		}
		dup = applied[0]
		newID := dup.ID()
		copyDependents(conn, macro, domain.TypeParameterValue, "entity_id", objectID, newID, now)
		copyDependents(conn, macro, domain.TypeEntityMetadata, "entity_id", objectID, newID, now)
		copyRelationships(conn, macro, objectID, newID, origin, newName, now)
		conn.history.Push(macro)
	})
	if err != nil {
		return nil, err
	}
	m.dispatch(map[*Connection]*batch{conn: b})
	return dup, opErr
}

// copyDependents adds copies of every row of typ whose field points at
// sourceID, re-pointed at targetID. Must run on the worker goroutine.
func copyDependents(conn *Connection, macro *command.Macro, typ domain.ItemType, field string, sourceID, targetID int64, now time.Time) {
	items, err := conn.cachedItems(typ)
	if err != nil {
		conn.pending.errors = append(conn.pending.errors, err.Error())
		return
	}
	var copies []domain.Item
	for _, it := range items {
		if domain.AsID(it[field]) != sourceID {
			continue
		}
		cp := it.Clone()
		delete(cp, "id")
		cp[field] = targetID
		copies = append(copies, cp)
	}
	if len(copies) > 0 {
		macro.Add(command.NewAddItems(conn, typ, copies, true, now))
	}
}

// copyRelationships duplicates every relationship whose member list contains
// sourceID, substituting targetID (and the new name in the relationship
// name). Parameter values of the originals follow their copies. Must run on
// the worker goroutine.
func copyRelationships(conn *Connection, macro *command.Macro, sourceID, targetID int64, origName, dupName string, now time.Time) {
	rels, err := conn.cachedItems(domain.TypeRelationship)
	if err != nil {
		conn.pending.errors = append(conn.pending.errors, err.Error())
		return
	}
	var copies []domain.Item
	originByName := make(map[string]int64)
	for _, rel := range rels {
		list, _ := rel["object_id_list"].(string)
		members := domain.ParseIDList(list)
		changed := false
		for i, id := range members {
			if id == sourceID {
				members[i] = targetID
				changed = true
			}
		}
		if !changed {
			continue
		}
		cp := rel.Clone()
		delete(cp, "id")
		cp["object_id_list"] = domain.JoinIDList(members)
		name := strings.ReplaceAll(rel.Name(), origName, dupName)
		if name == rel.Name() {
			name = rel.Name() + "_" + dupName
		}
		cp["name"] = name
		copies = append(copies, cp)
		originByName[name] = rel.ID()
	}
	if len(copies) == 0 {
		return
	}
	cmd := command.NewAddItems(conn, domain.TypeRelationship, copies, true, now)
	macro.Add(cmd)
	for _, applied := range cmd.Applied() {
		if origID, ok := originByName[applied.Name()]; ok {
			copyDependents(conn, macro, domain.TypeParameterValue, "entity_id", origID, applied.ID(), now)
		}
	}
}

// SetScenarioAlternatives replaces the alternatives of one scenario with the
// given ordered list, as a single undoable macro. Ranks are assigned from
// list position.
func (m *Manager) SetScenarioAlternatives(conn *Connection, scenarioID int64, alternativeIDs []int64) error {
	var opErr error
	err := m.mutate(conn, "set_scenario_alternatives", func(now time.Time) {
		if _, ok := conn.CachedItem(domain.TypeScenario, scenarioID); !ok {
			opErr = fmt.Errorf("no scenario with id %d", scenarioID)
			return
		}
		macro := command.NewMacro("set scenario alternatives", now)
		existing, err := conn.cachedItems(domain.TypeScenarioAlternative)
		if err != nil {
			opErr = err
			return
		}
		var doomed []int64
		for _, sa := range existing {
			if domain.AsID(sa["scenario_id"]) == scenarioID {
				doomed = append(doomed, sa.ID())
			}
		}
		if len(doomed) > 0 {
			macro.Add(command.NewRemoveItems(conn, map[domain.ItemType][]int64{domain.TypeScenarioAlternative: doomed}, now))
		}
		rows := make([]domain.Item, 0, len(alternativeIDs))
		for i, altID := range alternativeIDs {
			rows = append(rows, domain.Item{
				"scenario_id":    scenarioID,
				"alternative_id": altID,
				"rank":           int64(i + 1),
			})
		}
		if len(rows) > 0 {
			macro.Add(command.NewAddItems(conn, domain.TypeScenarioAlternative, rows, true, now))
		}
		if macro.Children() > 0 && !macro.Obsolete() {
			conn.history.Push(macro)
		}
	})
	if err != nil {
		return err
	}
	return opErr
}

// CommitSession makes the pending changes of the given connections durable
// under one message. Each connection commits independently; failures are
// aggregated and do not block the others. Committed connections get their
// history marked clean and one session notification.
func (m *Manager) CommitSession(message string, conns ...*Connection) error {
	var (
		committed []*Connection
		errs      []error
		errLog    = make(map[*Connection][]string)
	)
	for _, conn := range conns {
		var commitErr error
		err := conn.exec("commit_session", func() {
			commitErr = conn.mapping.Commit(conn.ctx, message)
			if commitErr == nil {
				conn.history.SetClean()
			}
		})
		if err == nil {
			err = commitErr
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", conn.url, err))
			errLog[conn] = append(errLog[conn], err.Error())
			continue
		}
		committed = append(committed, conn)
	}
	m.reportErrors(errLog)
	m.registry.notifySession(true, committed)
	return errors.Join(errs...)
}

// RollbackSession discards the pending changes of the given connections.
// Caches, fetch state and undo histories are reset, so everything is
// re-fetched from the committed state on next touch.
func (m *Manager) RollbackSession(conns ...*Connection) error {
	var (
		rolledBack []*Connection
		errs       []error
		errLog     = make(map[*Connection][]string)
	)
	for _, conn := range conns {
		var rollbackErr error
		err := conn.exec("rollback_session", func() {
			rollbackErr = conn.mapping.Rollback(conn.ctx)
			if rollbackErr != nil {
				return
			}
			conn.cache.Clear()
			conn.fetched = make(map[domain.ItemType]bool)
			conn.history.Clear()
			conn.pending = newBatch()
		})
		if err == nil {
			err = rollbackErr
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", conn.url, err))
			errLog[conn] = append(errLog[conn], err.Error())
			continue
		}
		rolledBack = append(rolledBack, conn)
	}
	m.reportErrors(errLog)
	m.registry.notifySession(false, rolledBack)
	return errors.Join(errs...)
}

// mutate runs fn on the connection's worker, then drains the accumulated
// batch and delivers its notifications and errors.
func (m *Manager) mutate(conn *Connection, op string, fn func(now time.Time)) error {
	var b *batch
	err := conn.exec(op, func() {
		fn(m.opts.clock.Now())
		b = conn.drain()
	})
	if err != nil {
		return err
	}
	m.dispatch(map[*Connection]*batch{conn: b})
	return nil
}

// dispatch turns drained batches into one notification per change kind and
// forwards accumulated errors to the error callback.
func (m *Manager) dispatch(batches map[*Connection]*batch) {
	added := make(map[*Connection]ChangeSet)
	updated := make(map[*Connection]ChangeSet)
	removed := make(map[*Connection]ChangeSet)
	errLog := make(map[*Connection][]string)
	for conn, b := range batches {
		if b == nil {
			continue
		}
		if len(b.added) > 0 {
			added[conn] = b.added
		}
		if len(b.updated) > 0 {
			updated[conn] = b.updated
		}
		if len(b.removed) > 0 {
			removed[conn] = b.removed
		}
		if len(b.errors) > 0 {
			errLog[conn] = b.errors
		}
	}
	m.registry.notifyItems(kindAdded, added)
	m.registry.notifyItems(kindUpdated, updated)
	m.registry.notifyItems(kindRemoved, removed)
	m.reportErrors(errLog)
}

func (m *Manager) reportErrors(errLog map[*Connection][]string) {
	if len(errLog) == 0 {
		return
	}
	for conn, msgs := range errLog {
		m.opts.logger.Warn("operation reported errors", "url", conn.url, "count", len(msgs))
	}
	if m.opts.errFn != nil {
		m.opts.errFn(errLog)
	}
}
