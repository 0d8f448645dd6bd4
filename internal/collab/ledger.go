package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"rundown/api/internal/store"
)

// ownUpdateTTL bounds how long a write stays recognizable as our own. The
// realtime echo of a save arrives within network round-trip time; anything
// older than this has either arrived or never will.
const ownUpdateTTL = 30 * time.Second

// ErrStaleUpdate marks a notification whose version is not strictly greater
// than the last accepted one.
var ErrStaleUpdate = errors.New("stale update")

// CatchUpFunc pulls the full authoritative rundown when a version gap means
// the partial notification cannot be trusted. It returns the version the
// fetch reported.
type CatchUpFunc func(ctx context.Context) (int64, error)

// SaveFunc issues one compare-and-swap write against the given expected
// version and reports the store-assigned result.
type SaveFunc func(ctx context.Context, expectedVersion int64) (store.SaveResult, error)

// VersionLedger tracks the locally known server version of one rundown and
// recognizes round-tripped echoes of this session's own writes, so they are
// never re-applied as remote updates.
type VersionLedger struct {
	userID string
	tabID  string

	mu      sync.Mutex
	current int64
	own     map[string]time.Time // normalized commit timestamp -> tracked at
	now     func() time.Time
	catchUp CatchUpFunc
}

func NewVersionLedger(userID, tabID string, initialVersion int64) *VersionLedger {
	return &VersionLedger{
		userID:  userID,
		tabID:   tabID,
		current: initialVersion,
		own:     make(map[string]time.Time),
		now:     time.Now,
	}
}

// SetCatchUp installs the full-document fetch used when a version gap is
// detected. Without one, gapped updates are applied as delivered.
func (l *VersionLedger) SetCatchUp(fn CatchUpFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.catchUp = fn
}

// Current returns the last accepted version.
func (l *VersionLedger) Current() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// TrackOwnUpdate registers a write this session just produced so its realtime
// echo is recognized and ignored. Entries expire after ownUpdateTTL.
func (l *VersionLedger) TrackOwnUpdate(commitTS string, version int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked()
	key := NormalizeTimestamp(commitTS)
	if key != "" {
		l.own[key] = l.now()
	}
	if version > l.current {
		l.current = version
	}
}

// IsOwnUpdate reports whether a notification is the echo of one of this
// session's writes: either its commit timestamp matches a tracked own write,
// or its author identity equals this session (same user in the same tab).
func (l *VersionLedger) IsOwnUpdate(commitTS, userID, tabID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked()
	if _, ok := l.own[NormalizeTimestamp(commitTS)]; ok {
		return true
	}
	if tabID != "" && tabID == l.tabID {
		return true
	}
	return userID != "" && userID == l.userID && tabID == ""
}

func (l *VersionLedger) pruneLocked() {
	cutoff := l.now().Add(-ownUpdateTTL)
	for ts, tracked := range l.own {
		if tracked.Before(cutoff) {
			delete(l.own, ts)
		}
	}
}

// ProcessUpdate sequences an incoming remote notification.
//
// version <= current: rejected with ErrStaleUpdate (duplicate or reordered
// delivery). version == current+1: apply is run and the version advances.
// Larger gap: at least one notification was missed, so the partial payload
// is not trusted — the catch-up fetch pulls the full row and the ledger
// adopts whatever version it reports.
func (l *VersionLedger) ProcessUpdate(ctx context.Context, version int64, apply func(ctx context.Context) error) error {
	l.mu.Lock()
	current := l.current
	catchUp := l.catchUp
	l.mu.Unlock()

	if version <= current {
		return fmt.Errorf("version %d, current %d: %w", version, current, ErrStaleUpdate)
	}

	if version > current+1 && catchUp != nil {
		fetched, err := catchUp(ctx)
		if err != nil {
			return fmt.Errorf("catch-up fetch: %w", err)
		}
		l.Adopt(fetched)
		return nil
	}

	if err := apply(ctx); err != nil {
		return err
	}
	l.Adopt(version)
	return nil
}

// Adopt advances the current version. It never regresses.
func (l *VersionLedger) Adopt(version int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if version > l.current {
		l.current = version
	}
}

// ExecuteSave issues a compare-and-swap write against the caller's observed
// version. expectedVersion must be captured in the same critical section as
// the state being written: re-reading the current version here would let a
// merge that adopted a newer version in between pair that version with
// pre-merge content, silently reverting the other writer's fields. On
// success the ledger advances and the write is tracked as our own, so the
// later realtime echo is discarded. A version mismatch is returned unchanged
// (wrapping store.ErrVersionConflict) for the caller's conflict path.
func (l *VersionLedger) ExecuteSave(ctx context.Context, expectedVersion int64, save SaveFunc) (store.SaveResult, error) {
	result, err := save(ctx, expectedVersion)
	if err != nil {
		return store.SaveResult{}, err
	}
	l.TrackOwnUpdate(FormatTimestamp(result.UpdatedAt), result.DocVersion)
	return result, nil
}
