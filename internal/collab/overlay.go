package collab

import (
	"sync"
	"time"

	"rundown/api/internal/store"
	"rundown/api/internal/util"
)

// PendingUpdate is one optimistic local edit not yet confirmed by the store.
type PendingUpdate struct {
	ID     string
	ItemID string
	Field  string
	Value  string
	At     time.Time
}

// OptimisticOverlay holds pending local edits and lays them over the
// authoritative item list when rendering, so a keystroke is never visibly
// rolled back by a slower remote echo.
//
// Invariant: the value a reader sees for a field is the pending edit's value
// while one exists for that field, else the authoritative value.
type OptimisticOverlay struct {
	mu      sync.Mutex
	pending map[string]PendingUpdate // update id -> update
	byField map[string]string        // itemID:field -> update id (latest wins)
	now     func() time.Time
}

func NewOptimisticOverlay() *OptimisticOverlay {
	return &OptimisticOverlay{
		pending: make(map[string]PendingUpdate),
		byField: make(map[string]string),
		now:     time.Now,
	}
}

// Add records a pending edit and returns its id for later confirm/revert.
// A newer edit to the same field supersedes the older pending entry.
func (o *OptimisticOverlay) Add(itemID, field, value string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := changeKey(itemID, field)
	if oldID, ok := o.byField[key]; ok {
		delete(o.pending, oldID)
	}
	id := util.NewID("opt")
	o.pending[id] = PendingUpdate{ID: id, ItemID: itemID, Field: field, Value: value, At: o.now()}
	o.byField[key] = id
	return id
}

// Apply returns a derived item list with every pending edit overlaid. The
// base is never mutated and applying twice yields the same result.
func (o *OptimisticOverlay) Apply(base []store.Item) []store.Item {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.pending) == 0 {
		return store.CloneItems(base)
	}

	out := store.CloneItems(base)
	index := make(map[string]int, len(out))
	for i, it := range out {
		index[it.ID] = i
	}
	for _, update := range o.pending {
		if update.ItemID == "" {
			continue
		}
		if i, ok := index[update.ItemID]; ok {
			out[i].SetField(update.Field, update.Value)
		}
	}
	return out
}

// ApplyGlobals overlays pending rundown-level edits onto a copy of the
// document's scalar fields.
func (o *OptimisticOverlay) ApplyGlobals(doc store.Rundown) store.Rundown {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, update := range o.pending {
		if update.ItemID == "" {
			doc.SetGlobalField(update.Field, update.Value)
		}
	}
	return doc
}

// Confirm drops a pending edit once the store reflects it. Leaving the entry
// around would mask later remote changes to the same field.
func (o *OptimisticOverlay) Confirm(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removeLocked(id)
}

// ConfirmMatching drops any pending edit for (itemID, field) whose value the
// authoritative document now carries, field-for-field equality.
func (o *OptimisticOverlay) ConfirmMatching(itemID, field, value string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := changeKey(itemID, field)
	id, ok := o.byField[key]
	if !ok {
		return
	}
	if o.pending[id].Value == value {
		o.removeLocked(id)
	}
}

// Revert removes a pending edit without confirmation (rejected save).
func (o *OptimisticOverlay) Revert(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removeLocked(id)
}

// Drop removes whatever pending edit exists for (itemID, field), used when a
// conflict on that field has been explicitly adjudicated.
func (o *OptimisticOverlay) Drop(itemID, field string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if id, ok := o.byField[changeKey(itemID, field)]; ok {
		o.removeLocked(id)
	}
}

func (o *OptimisticOverlay) removeLocked(id string) {
	update, ok := o.pending[id]
	if !ok {
		return
	}
	delete(o.pending, id)
	key := changeKey(update.ItemID, update.Field)
	if o.byField[key] == id {
		delete(o.byField, key)
	}
}

// PendingFor returns the live pending value for (itemID, field).
func (o *OptimisticOverlay) PendingFor(itemID, field string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, ok := o.byField[changeKey(itemID, field)]
	if !ok {
		return "", false
	}
	return o.pending[id].Value, true
}

// Pending returns all live pending edits.
func (o *OptimisticOverlay) Pending() []PendingUpdate {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]PendingUpdate, 0, len(o.pending))
	for _, update := range o.pending {
		out = append(out, update)
	}
	return out
}

// Len reports the number of live pending edits.
func (o *OptimisticOverlay) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}
