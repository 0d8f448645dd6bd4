package collab

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestDebounceCoalescesRapidEdits(t *testing.T) {
	var saves int32
	s := NewAutosaveScheduler(SchedulerConfig{
		FieldDebounce:      40 * time.Millisecond,
		StructuralDebounce: 20 * time.Millisecond,
		Save: func(context.Context) error {
			atomic.AddInt32(&saves, 1)
			return nil
		},
	})
	defer s.Stop()

	// Ten keystrokes inside one quiet window.
	for i := 0; i < 10; i++ {
		s.NoteFieldEdit()
		time.Sleep(2 * time.Millisecond)
	}

	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&saves) > 0 })
	time.Sleep(60 * time.Millisecond)
	if n := atomic.LoadInt32(&saves); n != 1 {
		t.Fatalf("saved %d times, want 1", n)
	}
	if s.HasUnsavedChanges() {
		t.Fatal("successful save should clear unsaved state")
	}
}

func TestStructuralEditUsesShortWindow(t *testing.T) {
	saved := make(chan time.Time, 1)
	s := NewAutosaveScheduler(SchedulerConfig{
		FieldDebounce:      200 * time.Millisecond,
		StructuralDebounce: 20 * time.Millisecond,
		Save: func(context.Context) error {
			select {
			case saved <- time.Now():
			default:
			}
			return nil
		},
	})
	defer s.Stop()

	start := time.Now()
	s.NoteStructuralEdit()
	// A trailing field edit keeps the short window: the structural change is
	// still pending.
	s.NoteFieldEdit()

	select {
	case at := <-saved:
		if elapsed := at.Sub(start); elapsed >= 200*time.Millisecond {
			t.Fatalf("save after %v, expected the short structural window", elapsed)
		}
	case <-time.After(time.Second):
		t.Fatal("save never fired")
	}
}

func TestBlockedPredicateDefersSave(t *testing.T) {
	var blocked atomic.Bool
	blocked.Store(true)
	var saves int32
	s := NewAutosaveScheduler(SchedulerConfig{
		FieldDebounce:      20 * time.Millisecond,
		StructuralDebounce: 10 * time.Millisecond,
		Blocked:            func() bool { return blocked.Load() },
		Save: func(context.Context) error {
			atomic.AddInt32(&saves, 1)
			return nil
		},
	})
	defer s.Stop()

	s.NoteFieldEdit()
	time.Sleep(60 * time.Millisecond)
	if atomic.LoadInt32(&saves) != 0 {
		t.Fatal("save ran while blocked")
	}
	if !s.HasUnsavedChanges() {
		t.Fatal("blocked save must not clear dirty state")
	}

	blocked.Store(false)
	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&saves) == 1 })
}

func TestEditDuringSaveCoalescesIntoFollowUp(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var saves int
	s := NewAutosaveScheduler(SchedulerConfig{
		FieldDebounce:      10 * time.Millisecond,
		StructuralDebounce: 10 * time.Millisecond,
		Save: func(context.Context) error {
			mu.Lock()
			saves++
			first := saves == 1
			mu.Unlock()
			if first {
				<-release
			}
			return nil
		},
	})
	defer s.Stop()

	s.NoteFieldEdit()
	waitFor(t, time.Second, s.IsSaving)

	// Three edits land while the first save is still in flight; they should
	// collapse into exactly one follow-up save, not three.
	go s.Flush(context.Background())
	go s.Flush(context.Background())
	go s.Flush(context.Background())
	time.Sleep(20 * time.Millisecond)
	close(release)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return saves == 2
	})
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if saves != 2 {
		t.Fatalf("saved %d times, want 2 (initial + one follow-up)", saves)
	}
}

func TestFlushSavesImmediately(t *testing.T) {
	var saves int32
	s := NewAutosaveScheduler(SchedulerConfig{
		FieldDebounce:      10 * time.Second, // would never fire within the test
		StructuralDebounce: 10 * time.Second,
		Save: func(context.Context) error {
			atomic.AddInt32(&saves, 1)
			return nil
		},
	})
	defer s.Stop()

	s.NoteFieldEdit()
	s.Flush(context.Background())
	if atomic.LoadInt32(&saves) != 1 {
		t.Fatal("Flush should save synchronously")
	}
	if s.HasUnsavedChanges() {
		t.Fatal("flush should clear unsaved state")
	}

	// Nothing dirty: flush is a no-op.
	s.Flush(context.Background())
	if atomic.LoadInt32(&saves) != 1 {
		t.Fatal("Flush with no pending edits must not save")
	}
}

func TestFailingAfterRetryBudget(t *testing.T) {
	s := NewAutosaveScheduler(SchedulerConfig{
		FieldDebounce:      10 * time.Second,
		StructuralDebounce: 10 * time.Second,
		MaxRetries:         3,
		Save:               func(context.Context) error { return errors.New("boom") },
	})
	defer s.Stop()

	for i := 0; i < 3; i++ {
		s.NoteFieldEdit()
		s.Flush(context.Background())
	}
	if !s.Failing() {
		t.Fatal("three consecutive failures should trip the failing state")
	}
	if !s.HasUnsavedChanges() {
		t.Fatal("failed saves must not discard unsaved work")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	s := NewAutosaveScheduler(SchedulerConfig{
		FieldDebounce: 10 * time.Second,
		MaxRetries:    3,
		Save: func(context.Context) error {
			if fail.Load() {
				return errors.New("boom")
			}
			return nil
		},
	})
	defer s.Stop()

	s.NoteFieldEdit()
	s.Flush(context.Background())
	s.NoteFieldEdit()
	s.Flush(context.Background())

	fail.Store(false)
	s.NoteFieldEdit()
	s.Flush(context.Background())
	if s.Failing() {
		t.Fatal("a successful save should reset the failure count")
	}
}

func TestStopPreventsFurtherSaves(t *testing.T) {
	var saves int32
	s := NewAutosaveScheduler(SchedulerConfig{
		FieldDebounce: 10 * time.Millisecond,
		Save: func(context.Context) error {
			atomic.AddInt32(&saves, 1)
			return nil
		},
	})
	s.NoteFieldEdit()
	s.Stop()
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&saves) != 0 {
		t.Fatal("stopped scheduler must not save")
	}
}
