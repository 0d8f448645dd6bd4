package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"rundown/api/internal/store"
)

// ErrDisconnected is returned by save attempts while connectivity is down;
// dirty state stays put and the offline queue replays on reconnect.
var ErrDisconnected = errors.New("disconnected")

// ErrConflictPending is returned when a rejected save surfaced conflicts that
// need adjudication before the fields involved can be written again.
var ErrConflictPending = errors.New("conflict pending adjudication")

const maxUndoDepth = 50

// Identity names the local editor. TabID discriminates two tabs of the same
// user editing the same rundown.
type Identity struct {
	UserID string
	Email  string
	TabID  string
}

// DocumentStore is the persistence boundary the session saves through.
type DocumentStore interface {
	GetRundown(ctx context.Context, id string) (store.Rundown, error)
	UpdateRundown(ctx context.Context, id string, patch store.RundownPatch, expectedVersion int64) (store.SaveResult, error)
}

// SessionConfig configures one editing session for one open rundown.
type SessionConfig struct {
	RundownID string
	Identity  Identity
	Store     DocumentStore
	Transport Transport

	FieldDebounce      time.Duration
	StructuralDebounce time.Duration

	// OnChange fires after every visible document change (local edit applied
	// or remote state merged). Renderers re-read Items()/Rundown().
	OnChange func()
	// OnConflict fires when newly detected conflicts need adjudication.
	OnConflict func([]Conflict)
}

type undoSnapshot struct {
	items   []store.Item
	globals map[string]string
}

// Session is one editor's live connection to a shared rundown: it tracks
// local edits, overlays them optimistically, autosaves through
// compare-and-swap writes, and folds in concurrently arriving remote updates
// so every session converges on the same document without losing edits.
type Session struct {
	cfg     SessionConfig
	ledger  *VersionLedger
	tracker *ChangeTracker
	overlay *OptimisticOverlay
	offline *OfflineQueue
	sched   *AutosaveScheduler
	gate    *UpdateGate

	mu        sync.Mutex
	doc       store.Rundown
	connected bool
	undoing   bool
	undoStack []undoSnapshot
	conflicts []Conflict
}

// Open fetches the rundown, subscribes for remote updates and starts the
// autosave machinery.
func Open(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.RundownID == "" {
		return nil, errors.New("rundown id required")
	}
	doc, err := cfg.Store.GetRundown(ctx, cfg.RundownID)
	if err != nil {
		return nil, fmt.Errorf("open rundown %s: %w", cfg.RundownID, err)
	}

	s := &Session{
		cfg:       cfg,
		ledger:    NewVersionLedger(cfg.Identity.UserID, cfg.Identity.TabID, doc.DocVersion),
		tracker:   NewChangeTracker(),
		overlay:   NewOptimisticOverlay(),
		offline:   NewOfflineQueue(),
		doc:       doc,
		connected: true,
	}
	s.ledger.SetCatchUp(s.catchUp)
	s.sched = NewAutosaveScheduler(SchedulerConfig{
		FieldDebounce:      cfg.FieldDebounce,
		StructuralDebounce: cfg.StructuralDebounce,
		Save:               s.save,
		Blocked:            s.isUndoing,
	})
	s.gate = NewUpdateGate(cfg.RundownID, s.ledger, cfg.Transport, s.fetch, s.applyRemote)
	if err := s.gate.Start(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) fetch(ctx context.Context) (store.Rundown, error) {
	return s.cfg.Store.GetRundown(ctx, s.cfg.RundownID)
}

func (s *Session) isUndoing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.undoing
}

// pendingLookup resolves the live local value for a field: the optimistic
// overlay first, then the offline buffer (offline edits replay into the
// merge base, but a live pending edit still takes precedence on screen).
func (s *Session) pendingLookup(itemID, field string) (string, bool) {
	if value, ok := s.overlay.PendingFor(itemID, field); ok {
		return value, true
	}
	for _, change := range s.offline.Changes() {
		if change.ItemID == itemID && change.Field == field {
			return change.Value, true
		}
	}
	return "", false
}

// UpdateItem records one field edit: tracked, overlaid for immediate
// feedback, queued offline when disconnected, and scheduled for autosave.
func (s *Session) UpdateItem(itemID, field, value string) {
	s.mu.Lock()
	s.pushUndoLocked()
	connected := s.connected
	s.mu.Unlock()

	s.tracker.TrackFieldChange(itemID, field, value)
	s.overlay.Add(itemID, field, value)
	if !connected {
		s.offline.Record(itemID, field, value)
	}
	s.sched.NoteFieldEdit()
	s.notifyChange()
}

// UpdateGlobal edits a rundown-level field (title, start time, ...).
func (s *Session) UpdateGlobal(field, value string) {
	s.mu.Lock()
	s.pushUndoLocked()
	connected := s.connected
	s.mu.Unlock()

	s.tracker.TrackGlobalChange(field, value)
	s.overlay.Add("", field, value)
	if !connected {
		s.offline.Record("", field, value)
	}
	s.sched.NoteFieldEdit()
	s.notifyChange()
}

// InsertItem places a new row at index (clamped), a structural change.
func (s *Session) InsertItem(index int, item store.Item) {
	s.mu.Lock()
	s.pushUndoLocked()
	if index < 0 {
		index = 0
	}
	if index > len(s.doc.Items) {
		index = len(s.doc.Items)
	}
	items := make([]store.Item, 0, len(s.doc.Items)+1)
	items = append(items, s.doc.Items[:index]...)
	items = append(items, item)
	items = append(items, s.doc.Items[index:]...)
	s.doc.Items = items
	s.mu.Unlock()

	s.tracker.MarkStructuralChange()
	s.sched.NoteStructuralEdit()
	s.notifyChange()
}

// RemoveItem deletes a row by id, a structural change.
func (s *Session) RemoveItem(itemID string) {
	s.mu.Lock()
	s.pushUndoLocked()
	items := s.doc.Items[:0:0]
	for _, it := range s.doc.Items {
		if it.ID != itemID {
			items = append(items, it)
		}
	}
	s.doc.Items = items
	s.mu.Unlock()

	s.tracker.MarkStructuralChange()
	s.sched.NoteStructuralEdit()
	s.notifyChange()
}

// MoveItem reorders a row to a new index, a structural change.
func (s *Session) MoveItem(itemID string, toIndex int) {
	s.mu.Lock()
	s.pushUndoLocked()
	from := -1
	for i, it := range s.doc.Items {
		if it.ID == itemID {
			from = i
			break
		}
	}
	if from >= 0 {
		item := s.doc.Items[from]
		items := append(s.doc.Items[:from:from], s.doc.Items[from+1:]...)
		if toIndex < 0 {
			toIndex = 0
		}
		if toIndex > len(items) {
			toIndex = len(items)
		}
		withItem := make([]store.Item, 0, len(items)+1)
		withItem = append(withItem, items[:toIndex]...)
		withItem = append(withItem, item)
		withItem = append(withItem, items[toIndex:]...)
		s.doc.Items = withItem
	}
	s.mu.Unlock()

	if from >= 0 {
		s.tracker.MarkStructuralChange()
		s.sched.NoteStructuralEdit()
		s.notifyChange()
	}
}

// Items returns the rendered view: authoritative items with every pending
// local edit overlaid.
func (s *Session) Items() []store.Item {
	s.mu.Lock()
	base := store.CloneItems(s.doc.Items)
	s.mu.Unlock()
	return s.overlay.Apply(base)
}

// Rundown returns the rendered document, overlay included.
func (s *Session) Rundown() store.Rundown {
	s.mu.Lock()
	doc := s.doc
	doc.Items = store.CloneItems(s.doc.Items)
	s.mu.Unlock()
	doc.Items = s.overlay.Apply(doc.Items)
	return s.overlay.ApplyGlobals(doc)
}

// Flush saves immediately, cancelling any pending debounce.
func (s *Session) Flush(ctx context.Context) {
	s.sched.Flush(ctx)
}

// save is the scheduler's save callback: one compare-and-swap write carrying
// the full overlaid item array plus changed globals.
func (s *Session) save(ctx context.Context) error {
	if !s.tracker.HasContentChanges() {
		return nil
	}

	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return ErrDisconnected
	}
	items := s.overlay.Apply(s.doc.Items)
	// The expected version must come from the same critical section as the
	// items snapshot. A remote merge adopting a newer version between the two
	// reads would let this save pair the adopted version with pre-merge items
	// and overwrite the other writer's committed fields.
	expected := s.ledger.Current()
	s.mu.Unlock()

	changes := s.tracker.Changes()
	structuralAtSave := s.tracker.HasStructuralChange()
	pendingAtSave := s.overlay.Pending()
	offlineAtSave := s.offline.Changes()

	patch := store.RundownPatch{
		Items:     items,
		UpdatedBy: s.cfg.Identity.UserID,
		TabID:     s.cfg.Identity.TabID,
	}
	for _, change := range changes {
		if change.ItemID == "" {
			value := change.Value
			switch change.Field {
			case store.GlobalTitle:
				patch.Title = &value
			case store.GlobalStartTime:
				patch.StartTime = &value
			case store.GlobalTimezone:
				patch.Timezone = &value
			case store.GlobalShowDate:
				patch.ShowDate = &value
			case store.GlobalExternalNotes:
				patch.ExternalNotes = &value
			}
		}
	}

	result, err := s.ledger.ExecuteSave(ctx, expected, func(ctx context.Context, expected int64) (store.SaveResult, error) {
		return s.cfg.Store.UpdateRundown(ctx, s.cfg.RundownID, patch, expected)
	})
	if errors.Is(err, store.ErrVersionConflict) {
		return s.recoverFromRejectedSave(ctx)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.doc.Items = items
	for _, change := range changes {
		if change.ItemID == "" {
			s.doc.SetGlobalField(change.Field, change.Value)
		}
	}
	s.doc.DocVersion = result.DocVersion
	s.doc.UpdatedAt = result.UpdatedAt
	s.mu.Unlock()

	// Confirm exactly what this save carried; edits that landed mid-flight
	// keep their pending entries for the follow-up cycle.
	for _, p := range pendingAtSave {
		s.overlay.ConfirmMatching(p.ItemID, p.Field, p.Value)
	}
	for _, change := range changes {
		if current, ok := s.tracker.ChangedValue(change.ItemID, change.Field); ok && current == change.Value {
			s.tracker.ClearField(change.ItemID, change.Field)
		}
	}
	if structuralAtSave {
		s.tracker.ClearStructural()
	}
	keys := make([]string, 0, len(offlineAtSave))
	for _, change := range offlineAtSave {
		keys = append(keys, change.Key)
	}
	s.offline.MarkApplied(keys)
	return nil
}

// recoverFromRejectedSave handles a compare-and-swap mismatch: fetch the
// winning state, merge, and either retry immediately (no true conflicts) or
// surface the conflicts for adjudication.
func (s *Session) recoverFromRejectedSave(ctx context.Context) error {
	remote, err := s.fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch after rejected save: %w", err)
	}

	hadConflicts := s.mergeRemote(remote)
	if hadConflicts {
		return ErrConflictPending
	}

	// Divergence was all on untouched fields; the retry rides on the
	// freshly adopted version.
	return s.save(ctx)
}

// applyRemote is the gate's merge path for genuinely new remote state.
func (s *Session) applyRemote(ctx context.Context, remote store.Rundown) error {
	s.mergeRemote(remote)
	return nil
}

// mergeRemote folds a remote rundown into local state and reports whether
// conflicts were surfaced.
func (s *Session) mergeRemote(remote store.Rundown) bool {
	result := Resolve(remote.Items, s.localItemsSnapshot(), s.pendingLookup)

	s.mu.Lock()
	prior := s.doc
	s.doc = remote
	s.doc.Items = result.Merged

	// Rundown-level fields follow the same per-field policy.
	var globalConflicts []Conflict
	for _, field := range []string{store.GlobalTitle, store.GlobalStartTime, store.GlobalTimezone, store.GlobalShowDate, store.GlobalExternalNotes} {
		pendingValue, live := s.pendingLookup("", field)
		if !live {
			continue
		}
		remoteValue := remote.GlobalField(field)
		if pendingValue == remoteValue {
			continue
		}
		if prior.GlobalField(field) == remoteValue {
			// The remote writer never touched this field; keep the pending
			// edit without surfacing a conflict.
			s.doc.SetGlobalField(field, pendingValue)
			continue
		}
		s.doc.SetGlobalField(field, pendingValue)
		globalConflicts = append(globalConflicts, Conflict{
			Field:      field,
			Local:      pendingValue,
			Remote:     remoteValue,
			DetectedAt: time.Now(),
			Resolution: ResolutionPending,
		})
	}

	newConflicts := append(result.Conflicts, globalConflicts...)
	s.conflicts = append(s.conflicts, newConflicts...)
	s.ledger.Adopt(remote.DocVersion)
	s.mu.Unlock()

	// The authoritative document now carries any pending value it echoed
	// back; matching overlay entries are redundant and must not mask later
	// remote changes.
	for _, p := range s.overlay.Pending() {
		var current string
		if p.ItemID == "" {
			current = remote.GlobalField(p.Field)
		} else {
			for _, it := range remote.Items {
				if it.ID == p.ItemID {
					current = it.Field(p.Field)
					break
				}
			}
		}
		if current == p.Value {
			s.overlay.ConfirmMatching(p.ItemID, p.Field, p.Value)
		}
	}

	if len(newConflicts) > 0 {
		if s.cfg.OnConflict != nil {
			s.cfg.OnConflict(newConflicts)
		}
		log.Printf("collab: rundown %s: %d field conflict(s) surfaced", s.cfg.RundownID, len(newConflicts))
	}
	s.notifyChange()
	return len(newConflicts) > 0
}

func (s *Session) localItemsSnapshot() []store.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return store.CloneItems(s.doc.Items)
}

// catchUp is the ledger's gap recovery: pull the full authoritative row,
// merge it, and adopt whatever version the fetch reported.
func (s *Session) catchUp(ctx context.Context) (int64, error) {
	remote, err := s.fetch(ctx)
	if err != nil {
		return 0, err
	}
	s.mergeRemote(remote)
	return remote.DocVersion, nil
}

// ResolveConflict adjudicates one surfaced conflict. Keeping local re-issues
// the field through the normal save path against the adopted version;
// accepting remote drops the local pending state for that field.
func (s *Session) ResolveConflict(ctx context.Context, itemID, field string, resolution Resolution) {
	s.mu.Lock()
	var remoteValue string
	for i := range s.conflicts {
		c := &s.conflicts[i]
		if c.ItemID == itemID && c.Field == field && !c.Resolved {
			c.Resolved = true
			c.Resolution = resolution
			remoteValue = c.Remote
		}
	}
	if resolution == ResolutionRemote {
		if itemID == "" {
			s.doc.SetGlobalField(field, remoteValue)
		} else {
			for i := range s.doc.Items {
				if s.doc.Items[i].ID == itemID {
					s.doc.Items[i].SetField(field, remoteValue)
					break
				}
			}
		}
	}
	s.mu.Unlock()

	s.overlay.Drop(itemID, field)
	s.offline.MarkApplied([]string{changeKey(itemID, field)})
	if resolution == ResolutionLocal {
		// The merged document already carries the local value; write it.
		s.sched.NoteStructuralEdit()
	} else {
		s.tracker.ClearField(itemID, field)
	}
	s.notifyChange()
}

// ClearResolvedConflicts drops adjudicated records once the UI is done with
// them.
func (s *Session) ClearResolvedConflicts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.conflicts[:0:0]
	for _, c := range s.conflicts {
		if !c.Resolved {
			kept = append(kept, c)
		}
	}
	s.conflicts = kept
}

// ConflictIndicators returns the current conflict records for display.
func (s *Session) ConflictIndicators() []Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conflict, len(s.conflicts))
	copy(out, s.conflicts)
	return out
}

// Undo restores the previous snapshot. Autosave is blocked for the duration
// of the restore so a half-restored document can never be written.
func (s *Session) Undo() bool {
	s.mu.Lock()
	if len(s.undoStack) == 0 {
		s.mu.Unlock()
		return false
	}
	s.undoing = true
	snap := s.undoStack[len(s.undoStack)-1]
	s.undoStack = s.undoStack[:len(s.undoStack)-1]
	s.doc.Items = snap.items
	for field, value := range snap.globals {
		s.doc.SetGlobalField(field, value)
	}
	s.mu.Unlock()

	for _, p := range s.overlay.Pending() {
		s.overlay.Revert(p.ID)
	}
	s.tracker.Clear()
	s.tracker.MarkStructuralChange()

	s.mu.Lock()
	s.undoing = false
	s.mu.Unlock()

	s.sched.NoteStructuralEdit()
	s.notifyChange()
	return true
}

func (s *Session) pushUndoLocked() {
	snap := undoSnapshot{
		items: store.CloneItems(s.doc.Items),
		globals: map[string]string{
			store.GlobalTitle:         s.doc.Title,
			store.GlobalStartTime:     s.doc.StartTime,
			store.GlobalTimezone:      s.doc.Timezone,
			store.GlobalShowDate:      s.doc.ShowDate,
			store.GlobalExternalNotes: s.doc.ExternalNotes,
		},
	}
	s.undoStack = append(s.undoStack, snap)
	if len(s.undoStack) > maxUndoDepth {
		s.undoStack = s.undoStack[1:]
	}
}

// SetConnected flips the connectivity state. Reconnecting verifies the
// transport and schedules an immediate save so buffered offline changes
// replay through the normal compare-and-swap path.
func (s *Session) SetConnected(ctx context.Context, connected bool) {
	s.mu.Lock()
	was := s.connected
	s.connected = connected
	s.mu.Unlock()

	if connected && !was {
		if err := s.gate.EnsureAlive(ctx); err != nil {
			log.Printf("collab: rundown %s: transport recovery: %v", s.cfg.RundownID, err)
		}
		if s.offline.Len() > 0 || s.tracker.HasContentChanges() {
			s.sched.NoteStructuralEdit()
		}
	}
}

// CheckTransport probes the realtime channel and recovers it if needed.
// Safe to call on any suspicious quiet period.
func (s *Session) CheckTransport(ctx context.Context) error {
	return s.gate.EnsureAlive(ctx)
}

// HasUnsavedChanges reports whether local edits are not yet confirmed saved.
func (s *Session) HasUnsavedChanges() bool {
	return s.tracker.HasContentChanges() || s.offline.Len() > 0
}

// IsSaving reports whether a save is in flight.
func (s *Session) IsSaving() bool {
	return s.sched.IsSaving()
}

// IsConnected reports the connectivity state.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// SaveFailing reports whether autosave is persistently failing.
func (s *Session) SaveFailing() bool {
	return s.sched.Failing()
}

// Version returns the last accepted document version.
func (s *Session) Version() int64 {
	return s.ledger.Current()
}

// OfflineQueueLen reports buffered offline changes.
func (s *Session) OfflineQueueLen() int {
	return s.offline.Len()
}

func (s *Session) notifyChange() {
	if s.cfg.OnChange != nil {
		s.cfg.OnChange()
	}
}

// Close flushes pending work and tears down the subscription.
func (s *Session) Close(ctx context.Context) error {
	s.sched.Flush(ctx)
	s.sched.Stop()
	return s.gate.Close()
}
