// Package command implements the reversible mutation log behind multi-level
// undo/redo. Commands execute eagerly on construction and record both the
// forward and inverse payload snapshots, so History only tracks position and
// never re-derives state from the store.
package command

import (
	"time"

	"flowbase/pkg/domain"
)

// Store is the connection-scoped mutation surface commands run against. It is
// implemented by the connection and always invoked on the connection's worker
// goroutine, so commands never race with each other.
type Store interface {
	// AddItems inserts items and returns the rows actually written, carrying
	// generated ids.
	AddItems(typ domain.ItemType, items []domain.Item, check bool) []domain.Item
	// ReaddItems restores removed items with their original ids.
	ReaddItems(typ domain.ItemType, items []domain.Item)
	// UpdateItems merges fields into existing items and returns the rows
	// actually written.
	UpdateItems(typ domain.ItemType, items []domain.Item, check bool) []domain.Item
	// ReplaceItems overwrites existing items wholesale with the given
	// snapshots, dropping fields the snapshots do not carry.
	ReplaceItems(typ domain.ItemType, items []domain.Item)
	// RemoveItems removes the cascading closure of the given ids and returns
	// the full snapshots of everything that vanished, keyed by type.
	RemoveItems(ids map[domain.ItemType][]int64) map[domain.ItemType][]domain.Item
	// CachedItem returns the current cache snapshot of one item.
	CachedItem(typ domain.ItemType, id int64) (domain.Item, bool)
}

// Command is one reversible cache+store mutation. Redo and Undo are no-ops
// once the command is obsolete.
type Command interface {
	Redo()
	Undo()
	Obsolete() bool
	SetObsolete()
	Text() string
	At() time.Time
}

type base struct {
	text     string
	at       time.Time
	obsolete bool
}

func (b *base) Text() string  { return b.text }
func (b *base) At() time.Time { return b.at }

func (b *base) Obsolete() bool { return b.obsolete }

// SetObsolete marks the command a permanent no-op; History drops it on the
// next pass over it.
func (b *base) SetObsolete() { b.obsolete = true }

// AddItemsCommand adds items of one type. Construction performs the forward
// mutation; a command that applied nothing is born obsolete.
type AddItemsCommand struct {
	base
	store   Store
	typ     domain.ItemType
	applied []domain.Item
}

// NewAddItems executes the addition and captures the applied rows (with their
// generated ids) for replay.
func NewAddItems(store Store, typ domain.ItemType, items []domain.Item, check bool, now time.Time) *AddItemsCommand {
	cmd := &AddItemsCommand{
		base:  base{text: "add " + string(typ), at: now},
		store: store,
		typ:   typ,
	}
	cmd.applied = store.AddItems(typ, items, check)
	if len(cmd.applied) == 0 {
		cmd.obsolete = true
	}
	return cmd
}

// Redo re-inserts the recorded rows with their original ids.
func (c *AddItemsCommand) Redo() {
	if c.obsolete {
		return
	}
	c.store.ReaddItems(c.typ, c.applied)
}

// Undo removes exactly the rows the command added.
func (c *AddItemsCommand) Undo() {
	if c.obsolete {
		return
	}
	c.store.RemoveItems(map[domain.ItemType][]int64{c.typ: domain.ItemIDs(c.applied)})
}

// Applied exposes the rows written by the initial execution.
func (c *AddItemsCommand) Applied() []domain.Item {
	return domain.CloneItems(c.applied)
}

// UpdateItemsCommand updates items of one type, holding both the pre-update
// snapshots (for undo) and the post-update snapshots (for redo). The before
// snapshots are taken from the cache prior to the mutation, because the cache
// is updated in place.
type UpdateItemsCommand struct {
	base
	store  Store
	typ    domain.ItemType
	before []domain.Item
	after  []domain.Item
}

// NewUpdateItems snapshots current state, executes the update, and keeps the
// rows actually written.
func NewUpdateItems(store Store, typ domain.ItemType, items []domain.Item, check bool, now time.Time) *UpdateItemsCommand {
	cmd := &UpdateItemsCommand{
		base:  base{text: "update " + string(typ), at: now},
		store: store,
		typ:   typ,
	}
	previous := make(map[int64]domain.Item, len(items))
	for _, it := range items {
		if cur, ok := store.CachedItem(typ, it.ID()); ok {
			previous[it.ID()] = cur
		}
	}
	cmd.after = store.UpdateItems(typ, items, check)
	for _, it := range cmd.after {
		if prev, ok := previous[it.ID()]; ok {
			cmd.before = append(cmd.before, prev)
		}
	}
	if len(cmd.after) == 0 {
		cmd.obsolete = true
	}
	return cmd
}

// Redo re-applies the post-update snapshots wholesale.
func (c *UpdateItemsCommand) Redo() {
	if c.obsolete {
		return
	}
	c.store.ReplaceItems(c.typ, c.after)
}

// Undo restores the pre-update snapshots wholesale. Replacement, not merge:
// a field the update introduced must not survive its own undo.
func (c *UpdateItemsCommand) Undo() {
	if c.obsolete {
		return
	}
	c.store.ReplaceItems(c.typ, c.before)
}

// Applied exposes the rows written by the initial execution.
func (c *UpdateItemsCommand) Applied() []domain.Item {
	return domain.CloneItems(c.after)
}

// RemoveItemsCommand removes items and their cascading dependents, keeping
// the full removed snapshots so undo can resurrect every one of them.
type RemoveItemsCommand struct {
	base
	store   Store
	removed map[domain.ItemType][]domain.Item
}

// NewRemoveItems executes the removal. The store expands the seed ids to the
// cascading closure; everything that vanished is recorded.
func NewRemoveItems(store Store, ids map[domain.ItemType][]int64, now time.Time) *RemoveItemsCommand {
	cmd := &RemoveItemsCommand{
		base:  base{text: "remove items", at: now},
		store: store,
	}
	cmd.removed = store.RemoveItems(ids)
	if countItems(cmd.removed) == 0 {
		cmd.obsolete = true
	}
	return cmd
}

// Redo removes the recorded rows again.
func (c *RemoveItemsCommand) Redo() {
	if c.obsolete {
		return
	}
	ids := make(map[domain.ItemType][]int64, len(c.removed))
	for typ, items := range c.removed {
		ids[typ] = domain.ItemIDs(items)
	}
	c.store.RemoveItems(ids)
}

// Undo resurrects the removed rows, parents before dependents, so no restored
// item ever references a missing one.
func (c *RemoveItemsCommand) Undo() {
	if c.obsolete {
		return
	}
	for _, typ := range domain.AllTypes {
		if items := c.removed[typ]; len(items) > 0 {
			c.store.ReaddItems(typ, items)
		}
	}
}

// Removed exposes the recorded snapshots keyed by type.
func (c *RemoveItemsCommand) Removed() map[domain.ItemType][]domain.Item {
	out := make(map[domain.ItemType][]domain.Item, len(c.removed))
	for typ, items := range c.removed {
		out[typ] = domain.CloneItems(items)
	}
	return out
}

func countItems(byType map[domain.ItemType][]domain.Item) int {
	n := 0
	for _, items := range byType {
		n += len(items)
	}
	return n
}

// Macro is a named ordered group of child commands treated as one undo/redo
// unit. Children execute forward in insertion order and undo in reverse,
// because later children may reference ids created by earlier ones.
type Macro struct {
	base
	children []Command
}

// NewMacro constructs an empty macro; children are appended as they execute.
func NewMacro(text string, now time.Time) *Macro {
	return &Macro{base: base{text: text, at: now}}
}

// Add appends an already-executed child.
func (m *Macro) Add(cmd Command) {
	m.children = append(m.children, cmd)
}

// Children reports the number of child commands.
func (m *Macro) Children() int { return len(m.children) }

// Redo replays children in insertion order.
func (m *Macro) Redo() {
	if m.Obsolete() {
		return
	}
	for _, child := range m.children {
		child.Redo()
	}
}

// Undo reverts children in reverse insertion order.
func (m *Macro) Undo() {
	if m.Obsolete() {
		return
	}
	for i := len(m.children) - 1; i >= 0; i-- {
		m.children[i].Undo()
	}
}

// Obsolete reports true when explicitly marked or when every child is
// obsolete, which is how an import that applied nothing reconciles itself
// out of history.
func (m *Macro) Obsolete() bool {
	if m.obsolete {
		return true
	}
	if len(m.children) == 0 {
		return false
	}
	for _, child := range m.children {
		if !child.Obsolete() {
			return false
		}
	}
	return true
}
