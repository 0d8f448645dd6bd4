package collab

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"rundown/api/internal/store"
)

func TestProcessUpdateRejectsStaleVersions(t *testing.T) {
	ledger := NewVersionLedger("user-1", "tab-1", 5)
	ctx := context.Background()

	applied := 0
	apply := func(context.Context) error { applied++; return nil }

	for _, version := range []int64{3, 5} {
		err := ledger.ProcessUpdate(ctx, version, apply)
		if !errors.Is(err, ErrStaleUpdate) {
			t.Errorf("version %d: err = %v, want ErrStaleUpdate", version, err)
		}
	}
	if applied != 0 {
		t.Fatalf("stale updates were applied %d time(s)", applied)
	}
	if ledger.Current() != 5 {
		t.Fatalf("Current() = %d, want 5", ledger.Current())
	}
}

func TestProcessUpdateAdvancesMonotonically(t *testing.T) {
	ledger := NewVersionLedger("user-1", "tab-1", 0)
	ctx := context.Background()
	apply := func(context.Context) error { return nil }

	// Interleave accepts and stale redeliveries; the version never regresses.
	sequence := []int64{1, 2, 1, 3, 2, 4}
	var accepted []int64
	for _, version := range sequence {
		if err := ledger.ProcessUpdate(ctx, version, apply); err == nil {
			accepted = append(accepted, version)
		}
		if ledger.Current() < version && contains(accepted, version) {
			t.Fatalf("Current() = %d after accepting %d", ledger.Current(), version)
		}
	}
	if ledger.Current() != 4 {
		t.Fatalf("Current() = %d, want 4", ledger.Current())
	}
}

func contains(versions []int64, v int64) bool {
	for _, x := range versions {
		if x == v {
			return true
		}
	}
	return false
}

func TestProcessUpdateGapTriggersCatchUp(t *testing.T) {
	ledger := NewVersionLedger("user-1", "tab-1", 3)
	ctx := context.Background()

	fetches := 0
	ledger.SetCatchUp(func(context.Context) (int64, error) {
		fetches++
		return 6, nil
	})

	applied := false
	err := ledger.ProcessUpdate(ctx, 5, func(context.Context) error {
		applied = true
		return nil
	})
	if err != nil {
		t.Fatalf("ProcessUpdate returned %v", err)
	}
	if fetches != 1 {
		t.Fatalf("catch-up fetch ran %d time(s), want 1", fetches)
	}
	if applied {
		t.Fatal("gapped delta payload must not be applied directly")
	}
	if ledger.Current() != 6 {
		t.Fatalf("Current() = %d, want fetched version 6", ledger.Current())
	}
}

func TestProcessUpdateSequentialVersionApplies(t *testing.T) {
	ledger := NewVersionLedger("user-1", "tab-1", 3)
	applied := false
	err := ledger.ProcessUpdate(context.Background(), 4, func(context.Context) error {
		applied = true
		return nil
	})
	if err != nil || !applied {
		t.Fatalf("err = %v, applied = %v", err, applied)
	}
	if ledger.Current() != 4 {
		t.Fatalf("Current() = %d, want 4", ledger.Current())
	}
}

func TestOwnUpdateRecognition(t *testing.T) {
	ledger := NewVersionLedger("user-1", "tab-1", 1)
	ledger.TrackOwnUpdate("2026-08-29T18:00:00.123456Z", 2)

	// Same instant in a different textual shape still matches.
	if !ledger.IsOwnUpdate("2026-08-29 18:00:00.123-00", "someone-else", "other-tab") {
		t.Error("normalized timestamp match should be recognized as own")
	}
	if !ledger.IsOwnUpdate("2026-08-29T19:00:00Z", "user-2", "tab-1") {
		t.Error("same tab id should be recognized as own")
	}
	if ledger.IsOwnUpdate("2026-08-29T19:00:00Z", "user-2", "tab-9") {
		t.Error("different user, tab and timestamp must not match")
	}
}

func TestOwnUpdateEntriesExpire(t *testing.T) {
	ledger := NewVersionLedger("user-1", "tab-1", 1)
	base := time.Now()
	ledger.now = func() time.Time { return base }
	ledger.TrackOwnUpdate("2026-08-29T18:00:00.000Z", 2)

	ledger.now = func() time.Time { return base.Add(ownUpdateTTL + time.Second) }
	if ledger.IsOwnUpdate("2026-08-29T18:00:00.000Z", "user-9", "tab-9") {
		t.Fatal("own-update entry should have expired")
	}
}

func TestExecuteSaveAdvancesAndTracksOwn(t *testing.T) {
	ledger := NewVersionLedger("user-1", "tab-1", 5)
	savedAt := time.Date(2026, 8, 29, 18, 0, 0, 0, time.UTC)

	result, err := ledger.ExecuteSave(context.Background(), ledger.Current(), func(ctx context.Context, expected int64) (store.SaveResult, error) {
		if expected != 5 {
			t.Fatalf("expected version %d, want 5", expected)
		}
		return store.SaveResult{DocVersion: 6, UpdatedAt: savedAt}, nil
	})
	if err != nil {
		t.Fatalf("ExecuteSave returned %v", err)
	}
	if result.DocVersion != 6 || ledger.Current() != 6 {
		t.Fatalf("result %+v, Current() = %d", result, ledger.Current())
	}
	if !ledger.IsOwnUpdate(FormatTimestamp(savedAt), "", "") {
		t.Fatal("successful save should be tracked as own")
	}
}

func TestExecuteSavePropagatesVersionConflict(t *testing.T) {
	ledger := NewVersionLedger("user-1", "tab-1", 5)
	_, err := ledger.ExecuteSave(context.Background(), ledger.Current(), func(ctx context.Context, expected int64) (store.SaveResult, error) {
		return store.SaveResult{}, fmt.Errorf("expected doc_version 5, store has 6: %w", store.ErrVersionConflict)
	})
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("err = %v, want store.ErrVersionConflict", err)
	}
	if ledger.Current() != 5 {
		t.Fatalf("Current() = %d, a rejected save must not advance the version", ledger.Current())
	}
}

func TestExecuteSaveUsesCallerObservedVersion(t *testing.T) {
	ledger := NewVersionLedger("user-1", "tab-1", 5)
	expected := ledger.Current()

	// A remote merge lands after the caller snapshotted its state. The write
	// must still go out against the snapshot's version so the store rejects
	// it and the caller re-merges, instead of pairing the adopted version
	// with pre-merge content.
	ledger.Adopt(7)

	_, err := ledger.ExecuteSave(context.Background(), expected, func(ctx context.Context, version int64) (store.SaveResult, error) {
		if version != 5 {
			t.Fatalf("save issued against version %d, want the caller's snapshot 5", version)
		}
		return store.SaveResult{}, fmt.Errorf("expected doc_version 5, store has 7: %w", store.ErrVersionConflict)
	})
	if !errors.Is(err, store.ErrVersionConflict) {
		t.Fatalf("err = %v, want store.ErrVersionConflict", err)
	}
	if ledger.Current() != 7 {
		t.Fatalf("Current() = %d, want 7", ledger.Current())
	}
}
