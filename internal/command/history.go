package command

// History is the linear undo stack of one connection: an ordered,
// position-indexed command list with a clean index marking the last committed
// position. Commands arrive already executed, so Push records without
// replaying. Pushing while not at the tip discards everything after the
// current position.
type History struct {
	cmds  []Command
	index int // commands [0, index) are in the executed state
	clean int // position of the last commit; -1 once that position is unreachable
}

// NewHistory constructs an empty, clean history.
func NewHistory() *History {
	return &History{}
}

// Push appends an executed command at the current position, truncating any
// redoable tail.
func (h *History) Push(cmd Command) {
	if h.index < len(h.cmds) {
		h.cmds = h.cmds[:h.index]
		if h.clean > h.index {
			h.clean = -1
		}
	}
	h.cmds = append(h.cmds, cmd)
	h.index++
}

// Undo reverts the command at the current position. Obsolete commands are
// silently dropped from the stack instead of being undone. Returns false when
// nothing undoable remains.
func (h *History) Undo() bool {
	for h.index > 0 {
		cmd := h.cmds[h.index-1]
		if cmd.Obsolete() {
			h.dropAt(h.index - 1)
			continue
		}
		cmd.Undo()
		h.index--
		return true
	}
	return false
}

// Redo re-applies the next command, dropping obsolete ones it encounters.
// Returns false when nothing redoable remains.
func (h *History) Redo() bool {
	for h.index < len(h.cmds) {
		cmd := h.cmds[h.index]
		if cmd.Obsolete() {
			h.dropAt(h.index)
			continue
		}
		cmd.Redo()
		h.index++
		return true
	}
	return false
}

func (h *History) dropAt(pos int) {
	h.cmds = append(h.cmds[:pos], h.cmds[pos+1:]...)
	if h.index > pos {
		h.index--
	}
	// A dropped command is a no-op, so the states on either side of it are
	// identical; a clean boundary at pos survives, later ones shift down.
	if h.clean > pos {
		h.clean--
	}
}

// CanUndo reports whether a non-obsolete command precedes the position.
func (h *History) CanUndo() bool {
	for i := h.index - 1; i >= 0; i-- {
		if !h.cmds[i].Obsolete() {
			return true
		}
	}
	return false
}

// CanRedo reports whether a non-obsolete command follows the position.
func (h *History) CanRedo() bool {
	for i := h.index; i < len(h.cmds); i++ {
		if !h.cmds[i].Obsolete() {
			return true
		}
	}
	return false
}

// UndoText returns the label of the command Undo would revert.
func (h *History) UndoText() string {
	for i := h.index - 1; i >= 0; i-- {
		if !h.cmds[i].Obsolete() {
			return h.cmds[i].Text()
		}
	}
	return ""
}

// RedoText returns the label of the command Redo would re-apply.
func (h *History) RedoText() string {
	for i := h.index; i < len(h.cmds); i++ {
		if !h.cmds[i].Obsolete() {
			return h.cmds[i].Text()
		}
	}
	return ""
}

// SetClean marks the current position as the last committed one.
func (h *History) SetClean() {
	h.clean = h.index
}

// IsClean reports whether the current position equals the clean index.
func (h *History) IsClean() bool {
	return h.clean == h.index
}

// Clear discards the entire history and resets the clean index, as required
// on rollback.
func (h *History) Clear() {
	h.cmds = nil
	h.index = 0
	h.clean = 0
}

// Len reports the number of commands currently held.
func (h *History) Len() int { return len(h.cmds) }

// Index reports the current position.
func (h *History) Index() int { return h.index }
