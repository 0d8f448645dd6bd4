package collab

import (
	"context"
	"sync"
	"time"
)

const (
	defaultFieldDebounce      = 1500 * time.Millisecond
	defaultStructuralDebounce = 500 * time.Millisecond
	defaultMaxSaveRetries     = 3
)

// SchedulerConfig configures one autosave scheduler.
type SchedulerConfig struct {
	// FieldDebounce is the quiet window after a plain field edit, long
	// enough that rapid typing coalesces into one save.
	FieldDebounce time.Duration
	// StructuralDebounce is the shorter window after row add/remove/reorder.
	StructuralDebounce time.Duration
	// MaxRetries is how many consecutive failed saves are tolerated before
	// the scheduler reports a persistent failure state.
	MaxRetries int
	// Save performs one save attempt.
	Save func(ctx context.Context) error
	// Blocked gates every save attempt (e.g. an undo restore in progress).
	// While blocked the scheduler neither saves nor clears dirty state.
	Blocked func() bool
}

// AutosaveScheduler debounces local changes into periodic save attempts.
// At most one save is in flight per rundown; edits arriving mid-save are
// coalesced into a single follow-up save instead of a concurrent write.
type AutosaveScheduler struct {
	cfg SchedulerConfig

	mu                sync.Mutex
	timer             *time.Timer
	structuralPending bool
	saving            bool
	followUp          bool
	unsaved           bool
	failures          int
	stopped           bool
}

func NewAutosaveScheduler(cfg SchedulerConfig) *AutosaveScheduler {
	if cfg.FieldDebounce <= 0 {
		cfg.FieldDebounce = defaultFieldDebounce
	}
	if cfg.StructuralDebounce <= 0 {
		cfg.StructuralDebounce = defaultStructuralDebounce
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxSaveRetries
	}
	if cfg.Blocked == nil {
		cfg.Blocked = func() bool { return false }
	}
	return &AutosaveScheduler{cfg: cfg}
}

// NoteFieldEdit arms (or re-arms) the long debounce timer.
func (s *AutosaveScheduler) NoteFieldEdit() {
	s.note(false)
}

// NoteStructuralEdit arms the short debounce timer. A pending structural
// change keeps the short window even if field edits follow.
func (s *AutosaveScheduler) NoteStructuralEdit() {
	s.note(true)
}

func (s *AutosaveScheduler) note(structural bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.unsaved = true
	if structural {
		s.structuralPending = true
	}
	delay := s.cfg.FieldDebounce
	if s.structuralPending {
		delay = s.cfg.StructuralDebounce
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(delay, s.fire)
	} else {
		s.timer.Stop()
		s.timer.Reset(delay)
	}
}

func (s *AutosaveScheduler) fire() {
	s.mu.Lock()
	s.timer = nil
	s.structuralPending = false
	s.mu.Unlock()
	s.attempt(context.Background())
}

func (s *AutosaveScheduler) attempt(ctx context.Context) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if s.cfg.Blocked() {
		// Leave dirty state untouched and try again next tick.
		if s.timer == nil {
			s.timer = time.AfterFunc(s.cfg.FieldDebounce, s.fire)
		}
		s.mu.Unlock()
		return
	}
	if s.saving {
		s.followUp = true
		s.mu.Unlock()
		return
	}
	s.saving = true
	s.mu.Unlock()

	err := s.cfg.Save(ctx)

	s.mu.Lock()
	s.saving = false
	if err != nil {
		s.failures++
		s.mu.Unlock()
		return
	}
	s.failures = 0
	followUp := s.followUp
	s.followUp = false
	if !followUp {
		s.unsaved = false
	}
	stopped := s.stopped
	s.mu.Unlock()

	if followUp && !stopped {
		// Edits landed while the save was in flight; run one more cycle.
		s.attempt(ctx)
	}
}

// Flush cancels any pending debounce timer and saves immediately. Used on
// navigation away and explicit user save. The blocking predicate still
// applies.
func (s *AutosaveScheduler) Flush(ctx context.Context) {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.structuralPending = false
	unsaved := s.unsaved
	s.mu.Unlock()
	if unsaved {
		s.attempt(ctx)
	}
}

// Stop cancels pending timers and refuses further saves.
func (s *AutosaveScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// IsSaving reports whether a save is in flight.
func (s *AutosaveScheduler) IsSaving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saving
}

// HasUnsavedChanges reports whether edits are waiting on a save.
func (s *AutosaveScheduler) HasUnsavedChanges() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsaved
}

// Failing reports whether consecutive save failures exceeded the retry
// budget; callers surface a persistent error state recommending a refresh.
func (s *AutosaveScheduler) Failing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures >= s.cfg.MaxRetries
}
