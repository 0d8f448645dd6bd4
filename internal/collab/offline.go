package collab

import (
	"sync"
	"time"
)

// OfflineChange is one buffered mutation recorded while connectivity was
// down. Key is itemID:field (itemID empty for rundown-level fields).
type OfflineChange struct {
	Key    string
	ItemID string
	Field  string
	Value  string
	At     time.Time
}

// OfflineQueue buffers mutations while the client is disconnected and
// replays them, deduplicated by field key, once connectivity returns.
// Replay order is first-recorded order; a repeat edit to the same field
// updates the value in place.
type OfflineQueue struct {
	mu      sync.Mutex
	changes map[string]OfflineChange
	order   []string
	now     func() time.Time
}

func NewOfflineQueue() *OfflineQueue {
	return &OfflineQueue{
		changes: make(map[string]OfflineChange),
		now:     time.Now,
	}
}

// Record appends or overwrites the buffered value for (itemID, field).
func (q *OfflineQueue) Record(itemID, field, value string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := changeKey(itemID, field)
	if _, exists := q.changes[key]; !exists {
		q.order = append(q.order, key)
	}
	q.changes[key] = OfflineChange{Key: key, ItemID: itemID, Field: field, Value: value, At: q.now()}
}

// Changes returns the buffered set in recorded order.
func (q *OfflineQueue) Changes() []OfflineChange {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]OfflineChange, 0, len(q.changes))
	for _, key := range q.order {
		if change, ok := q.changes[key]; ok {
			out = append(out, change)
		}
	}
	return out
}

// MarkApplied removes entries a save or merge has incorporated.
func (q *OfflineQueue) MarkApplied(keys []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, key := range keys {
		delete(q.changes, key)
	}
	var keep []string
	for _, key := range q.order {
		if _, ok := q.changes[key]; ok {
			keep = append(keep, key)
		}
	}
	q.order = keep
}

// Len reports the number of buffered changes.
func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.changes)
}
