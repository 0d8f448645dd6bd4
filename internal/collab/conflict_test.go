package collab

import (
	"testing"

	"rundown/api/internal/store"
)

func noPending(string, string) (string, bool) { return "", false }

func pendingOnly(itemID, field, value string) PendingLookup {
	return func(id, f string) (string, bool) {
		if id == itemID && f == field {
			return value, true
		}
		return "", false
	}
}

// Divergence alone is not a conflict: without a live pending edit the remote
// value wins silently.
func TestNoConflictWithoutPendingEdit(t *testing.T) {
	local := []store.Item{{ID: "b2", Type: store.ItemTypeRow, Duration: "00:30"}}
	remote := []store.Item{{ID: "b2", Type: store.ItemTypeRow, Duration: "00:45"}}

	conflicts := DetectConflicts(remote, local, noPending)
	if len(conflicts) != 0 {
		t.Fatalf("conflicts = %+v, want none", conflicts)
	}

	result := Resolve(remote, local, noPending)
	if result.HadConflicts {
		t.Fatal("merge should be conflict-free")
	}
	if result.Merged[0].Duration != "00:45" {
		t.Fatalf("remote should win untouched fields: %+v", result.Merged[0])
	}
}

func TestConflictRequiresDivergentPendingEdit(t *testing.T) {
	local := []store.Item{{ID: "b2", Type: store.ItemTypeRow, Duration: "00:30"}}
	remote := []store.Item{{ID: "b2", Type: store.ItemTypeRow, Duration: "00:45"}}

	conflicts := DetectConflicts(remote, local, pendingOnly("b2", "duration", "00:30"))
	if len(conflicts) != 1 {
		t.Fatalf("got %d conflicts, want 1", len(conflicts))
	}
	c := conflicts[0]
	if c.ItemID != "b2" || c.Field != "duration" || c.Local != "00:30" || c.Remote != "00:45" {
		t.Fatalf("conflict = %+v", c)
	}
	if c.Resolution != ResolutionPending || c.Resolved {
		t.Fatalf("fresh conflict should be pending: %+v", c)
	}
}

// A pending edit that matches the remote value is a convergent echo, not a
// conflict.
func TestNoConflictWhenPendingMatchesRemote(t *testing.T) {
	local := []store.Item{{ID: "b2", Type: store.ItemTypeRow, Duration: "00:30"}}
	remote := []store.Item{{ID: "b2", Type: store.ItemTypeRow, Duration: "00:45"}}

	conflicts := DetectConflicts(remote, local, pendingOnly("b2", "duration", "00:45"))
	if len(conflicts) != 0 {
		t.Fatalf("conflicts = %+v, want none", conflicts)
	}
}

func TestResolveKeepsPendingValueAndSurfacesConflict(t *testing.T) {
	local := []store.Item{{ID: "b2", Type: store.ItemTypeRow, Name: "Sports", Duration: "00:30"}}
	remote := []store.Item{{ID: "b2", Type: store.ItemTypeRow, Name: "Sports Update", Duration: "00:45"}}

	result := Resolve(remote, local, pendingOnly("b2", "duration", "00:30"))
	if !result.Success || !result.HadConflicts {
		t.Fatalf("result = %+v", result)
	}
	merged := result.Merged[0]
	if merged.Duration != "00:30" {
		t.Errorf("conflicted field should keep the pending local value, got %q", merged.Duration)
	}
	if merged.Name != "Sports Update" {
		t.Errorf("untouched field should take the remote value, got %q", merged.Name)
	}
}

// The item set merges as a union: rows created locally while the remote
// snapshot was in flight are appended, not dropped.
func TestResolvePreservesLocalOnlyItems(t *testing.T) {
	local := []store.Item{
		{ID: "a1", Type: store.ItemTypeRow, Name: "Open"},
		{ID: "new1", Type: store.ItemTypeRow, Name: "Late Add"},
	}
	remote := []store.Item{
		{ID: "a1", Type: store.ItemTypeRow, Name: "Open"},
		{ID: "a2", Type: store.ItemTypeRow, Name: "Weather"},
	}

	result := Resolve(remote, local, noPending)
	if len(result.Merged) != 3 {
		t.Fatalf("merged %d items, want 3: %+v", len(result.Merged), result.Merged)
	}
	// Remote ordering wins for shared items; local-only rows append.
	if result.Merged[0].ID != "a1" || result.Merged[1].ID != "a2" || result.Merged[2].ID != "new1" {
		t.Fatalf("merged order = %v", []string{result.Merged[0].ID, result.Merged[1].ID, result.Merged[2].ID})
	}
}

func TestDetectConflictsCoversCustomColumns(t *testing.T) {
	local := []store.Item{{ID: "a1", Type: store.ItemTypeRow, Custom: map[string]string{"col_cam": "CAM 2"}}}
	remote := []store.Item{{ID: "a1", Type: store.ItemTypeRow, Custom: map[string]string{"col_cam": "CAM 3"}}}

	conflicts := DetectConflicts(remote, local, pendingOnly("a1", "col_cam", "CAM 2"))
	if len(conflicts) != 1 || conflicts[0].Field != "col_cam" {
		t.Fatalf("conflicts = %+v", conflicts)
	}
}

func TestResolveItemsMissingLocally(t *testing.T) {
	// Items only present remotely (created by another session) just arrive.
	local := []store.Item{}
	remote := []store.Item{{ID: "a1", Type: store.ItemTypeRow, Name: "Open"}}

	result := Resolve(remote, local, noPending)
	if len(result.Merged) != 1 || result.Merged[0].ID != "a1" {
		t.Fatalf("merged = %+v", result.Merged)
	}
}
