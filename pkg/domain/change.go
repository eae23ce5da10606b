package domain

// Action describes the kind of mutation captured in a Change record.
type Action string

// Supported change actions.
const (
	ActionAdd    Action = "add"
	ActionUpdate Action = "update"
	ActionRemove Action = "remove"
)

// Change captures one item mutation performed within the current session of a
// mapping. Before and After hold item snapshots; Before is nil for adds and
// After is nil for removals.
type Change struct {
	Type   ItemType
	Action Action
	Before Item
	After  Item
}

// Clone returns a deep copy of the change record.
func (c Change) Clone() Change {
	return Change{Type: c.Type, Action: c.Action, Before: c.Before.Clone(), After: c.After.Clone()}
}

// CloneChanges clones a change log.
func CloneChanges(changes []Change) []Change {
	if changes == nil {
		return nil
	}
	out := make([]Change, len(changes))
	for i, c := range changes {
		out[i] = c.Clone()
	}
	return out
}
