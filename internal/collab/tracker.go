package collab

import (
	"sync"
	"time"
)

// changeMaxAge bounds how long individual change entries are kept. The dirty
// flag outlives pruned entries, so a stuck save never loses the fact that
// unsaved work exists.
const changeMaxAge = 30 * time.Second

// FieldChange is one recorded local edit. ItemID is empty for rundown-level
// (global) fields.
type FieldChange struct {
	ItemID string
	Field  string
	Value  string
	At     time.Time
}

func changeKey(itemID, field string) string {
	return itemID + ":" + field
}

// ChangeTracker records local edits incrementally, keyed by item and field.
// Tracking a keystroke is O(1); no whole-document diff runs until save time.
// Full-list change detection per keystroke does not survive contact with a
// few hundred rows of rundown.
type ChangeTracker struct {
	mu         sync.Mutex
	changes    map[string]FieldChange
	order      []string // keys in first-recorded order
	structural bool
	dirty      bool
	now        func() time.Time
}

func NewChangeTracker() *ChangeTracker {
	return &ChangeTracker{
		changes: make(map[string]FieldChange),
		now:     time.Now,
	}
}

// TrackFieldChange records or overwrites the latest value for (itemID, field).
func (t *ChangeTracker) TrackFieldChange(itemID, field, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()
	key := changeKey(itemID, field)
	if _, exists := t.changes[key]; !exists {
		t.order = append(t.order, key)
	}
	t.changes[key] = FieldChange{ItemID: itemID, Field: field, Value: value, At: t.now()}
	t.dirty = true
}

// TrackGlobalChange records a rundown-level field edit.
func (t *ChangeTracker) TrackGlobalChange(field, value string) {
	t.TrackFieldChange("", field, value)
}

// MarkStructuralChange flags a row add/remove/reorder. Structural changes get
// the short debounce: losing a typed character to a crash is annoying, losing
// a whole reorder is worse.
func (t *ChangeTracker) MarkStructuralChange() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.structural = true
	t.dirty = true
}

// HasContentChanges reports whether anything is waiting to be saved.
func (t *ChangeTracker) HasContentChanges() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dirty || t.structural || len(t.changes) > 0
}

// HasStructuralChange reports whether a structural change is pending.
func (t *ChangeTracker) HasStructuralChange() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.structural
}

// Changes returns the pending field changes in first-recorded order.
func (t *ChangeTracker) Changes() []FieldChange {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]FieldChange, 0, len(t.changes))
	for _, key := range t.order {
		if change, ok := t.changes[key]; ok {
			out = append(out, change)
		}
	}
	return out
}

// ChangedValue returns the pending value for (itemID, field), if any.
func (t *ChangeTracker) ChangedValue(itemID, field string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	change, ok := t.changes[changeKey(itemID, field)]
	return change.Value, ok
}

// Clear wipes all recorded state after a successful save.
func (t *ChangeTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.changes = make(map[string]FieldChange)
	t.order = nil
	t.structural = false
	t.dirty = false
}

// ClearField drops one entry, used after it was saved or its conflict was
// adjudicated.
func (t *ChangeTracker) ClearField(itemID, field string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := changeKey(itemID, field)
	delete(t.changes, key)
	for i, k := range t.order {
		if k == key {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	if len(t.changes) == 0 && !t.structural {
		t.dirty = false
	}
}

// ClearStructural resets the structural flag after a successful save.
func (t *ChangeTracker) ClearStructural() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.structural = false
	if len(t.changes) == 0 {
		t.dirty = false
	}
}

func (t *ChangeTracker) pruneLocked() {
	if len(t.changes) == 0 {
		return
	}
	cutoff := t.now().Add(-changeMaxAge)
	var keep []string
	for _, key := range t.order {
		change, ok := t.changes[key]
		if !ok {
			continue
		}
		if change.At.Before(cutoff) {
			delete(t.changes, key)
			continue
		}
		keep = append(keep, key)
	}
	t.order = keep
}
