package collab

import (
	"testing"

	"rundown/api/internal/store"
)

func baseItems() []store.Item {
	return []store.Item{
		{ID: "a1", Type: store.ItemTypeRow, Name: "Open", Duration: "00:30"},
		{ID: "a2", Type: store.ItemTypeRow, Name: "Weather", Duration: "01:00"},
	}
}

func TestApplyOverlaysPendingEdits(t *testing.T) {
	overlay := NewOptimisticOverlay()
	overlay.Add("a1", "name", "Cold Open")

	base := baseItems()
	out := overlay.Apply(base)

	if out[0].Name != "Cold Open" {
		t.Errorf("overlaid name = %q, want %q", out[0].Name, "Cold Open")
	}
	if out[1].Name != "Weather" {
		t.Errorf("untouched item changed: %+v", out[1])
	}
	if base[0].Name != "Open" {
		t.Fatal("Apply must not mutate the base items")
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	overlay := NewOptimisticOverlay()
	overlay.Add("a1", "duration", "00:45")

	once := overlay.Apply(baseItems())
	twice := overlay.Apply(once)
	if twice[0].Duration != "00:45" || twice[1].Duration != "01:00" {
		t.Fatalf("double apply diverged: %+v", twice)
	}
}

func TestNewerEditSupersedesOlderPendingEntry(t *testing.T) {
	overlay := NewOptimisticOverlay()
	overlay.Add("a1", "name", "B")
	overlay.Add("a1", "name", "Br")
	overlay.Add("a1", "name", "Bre")

	if overlay.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 pending entry per field", overlay.Len())
	}
	value, ok := overlay.PendingFor("a1", "name")
	if !ok || value != "Bre" {
		t.Fatalf("PendingFor = %q, %v", value, ok)
	}
}

func TestConfirmMatchingDropsOnlyEqualValues(t *testing.T) {
	overlay := NewOptimisticOverlay()
	overlay.Add("a1", "name", "Breaking News")

	// A stale echo with an older value must not confirm the entry.
	overlay.ConfirmMatching("a1", "name", "Breaking")
	if overlay.Len() != 1 {
		t.Fatal("non-matching value must not confirm the pending edit")
	}

	overlay.ConfirmMatching("a1", "name", "Breaking News")
	if overlay.Len() != 0 {
		t.Fatal("matching value should confirm and drop the pending edit")
	}
}

func TestRevertRemovesPendingEdit(t *testing.T) {
	overlay := NewOptimisticOverlay()
	id := overlay.Add("a1", "script", "draft copy")
	overlay.Revert(id)

	out := overlay.Apply(baseItems())
	if out[0].Script != "" {
		t.Fatalf("reverted edit still visible: %+v", out[0])
	}
}

// A remote update to a different field never rolls back the user's own
// in-flight keystroke.
func TestLocalEditSurvivesRemoteUpdateToOtherField(t *testing.T) {
	overlay := NewOptimisticOverlay()
	overlay.Add("a1", "name", "Cold Open v2")

	// Remote changed duration; the authoritative base moves underneath.
	remote := baseItems()
	remote[0].Duration = "02:00"

	out := overlay.Apply(remote)
	if out[0].Name != "Cold Open v2" {
		t.Fatalf("local pending edit lost: %+v", out[0])
	}
	if out[0].Duration != "02:00" {
		t.Fatalf("remote change to untouched field lost: %+v", out[0])
	}
}
