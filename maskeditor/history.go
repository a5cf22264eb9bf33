package maskeditor

// History is a linear undo/redo list. Entries live in a slice and the cursor
// is an index into it; recording after an undo drops everything past the
// cursor.
type History[T any] struct {
	entries []T
	cursor  int
}

// NewHistory creates a history whose only entry is initial.
func NewHistory[T any](initial T) *History[T] {
	return &History[T]{entries: []T{initial}}
}

// Record appends v after the cursor, discarding any redo branch, and moves the
// cursor onto it.
func (h *History[T]) Record(v T) {
	if len(h.entries) == 0 {
		h.entries = append(h.entries, v)
		h.cursor = 0
		return
	}
	h.entries = append(h.entries[:h.cursor+1], v)
	h.cursor = len(h.entries) - 1
}

// Reset drops every entry and starts over with v.
func (h *History[T]) Reset(v T) {
	h.entries = []T{v}
	h.cursor = 0
}

// Undo moves the cursor back one entry and returns it. It reports false and
// leaves the cursor alone at the first entry.
func (h *History[T]) Undo() (T, bool) {
	var zero T
	if !h.CanUndo() {
		return zero, false
	}
	h.cursor--
	return h.entries[h.cursor], true
}

// Redo moves the cursor forward one entry and returns it. It reports false and
// leaves the cursor alone at the last entry.
func (h *History[T]) Redo() (T, bool) {
	var zero T
	if !h.CanRedo() {
		return zero, false
	}
	h.cursor++
	return h.entries[h.cursor], true
}

func (h *History[T]) CanUndo() bool { return h.cursor > 0 }

func (h *History[T]) CanRedo() bool { return h.cursor < len(h.entries)-1 }

// Current returns the entry under the cursor.
func (h *History[T]) Current() (T, bool) {
	var zero T
	if len(h.entries) == 0 {
		return zero, false
	}
	return h.entries[h.cursor], true
}

func (h *History[T]) Len() int { return len(h.entries) }

func (h *History[T]) Cursor() int { return h.cursor }
