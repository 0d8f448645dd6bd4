package collab

import "testing"

func TestOfflineQueueDeduplicatesByFieldKey(t *testing.T) {
	q := NewOfflineQueue()
	q.Record("a1", "name", "Brea")
	q.Record("a1", "name", "Breaking")
	q.Record("a1", "name", "Breaking News")
	q.Record("a2", "duration", "00:30")

	if q.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", q.Len())
	}
	changes := q.Changes()
	if changes[0].ItemID != "a1" || changes[0].Value != "Breaking News" {
		t.Errorf("first change = %+v, want the latest value for a1:name", changes[0])
	}
	if changes[1].ItemID != "a2" || changes[1].Value != "00:30" {
		t.Errorf("second change = %+v", changes[1])
	}
}

func TestOfflineQueueKeepsFirstRecordedOrder(t *testing.T) {
	q := NewOfflineQueue()
	q.Record("a1", "name", "x")
	q.Record("a2", "notes", "y")
	q.Record("a1", "name", "z") // rewrite must not move a1:name to the back

	changes := q.Changes()
	if len(changes) != 2 || changes[0].Key != "a1:name" || changes[1].Key != "a2:notes" {
		t.Fatalf("changes = %+v", changes)
	}
}

func TestMarkAppliedDrainsQueue(t *testing.T) {
	q := NewOfflineQueue()
	q.Record("a1", "name", "x")
	q.Record("", "title", "Evening Show") // rundown-level field
	q.Record("a2", "script", "y")

	q.MarkApplied([]string{"a1:name", ":title"})
	if q.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", q.Len())
	}
	remaining := q.Changes()
	if remaining[0].Key != "a2:script" {
		t.Fatalf("remaining = %+v", remaining)
	}

	q.MarkApplied([]string{"a2:script"})
	if q.Len() != 0 {
		t.Fatal("queue should be empty after full replay")
	}
}
