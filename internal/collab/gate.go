package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"rundown/api/internal/realtime"
	"rundown/api/internal/store"
)

// Transport is the realtime channel the gate rides on. The production
// implementation is the Redis broker; tests inject fakes.
type Transport interface {
	Subscribe(ctx context.Context, rundownID string, fn func(realtime.UpdateEvent)) (Subscription, error)
	Alive(ctx context.Context) bool
}

// Subscription is one live channel subscription.
type Subscription interface {
	Close() error
}

// ApplyRemoteFunc hands a genuinely new remote rundown state to the
// conflict-merge path.
type ApplyRemoteFunc func(ctx context.Context, remote store.Rundown) error

// UpdateGate subscribes to update notifications for one rundown and filters
// out everything that must not reach the merge path: this session's own
// echoes, events for other rundowns, and redelivered duplicates. What
// survives the filters is merged and version-accounted via the ledger.
type UpdateGate struct {
	rundownID string
	ledger    *VersionLedger
	transport Transport
	fetch     func(ctx context.Context) (store.Rundown, error)
	apply     ApplyRemoteFunc

	mu     sync.Mutex
	lastTS string
	sub    Subscription
	closed bool
}

func NewUpdateGate(rundownID string, ledger *VersionLedger, transport Transport, fetch func(ctx context.Context) (store.Rundown, error), apply ApplyRemoteFunc) *UpdateGate {
	return &UpdateGate{
		rundownID: rundownID,
		ledger:    ledger,
		transport: transport,
		fetch:     fetch,
		apply:     apply,
	}
}

// Start opens the subscription. One active subscription per open rundown.
func (g *UpdateGate) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return errors.New("gate closed")
	}
	if g.sub != nil {
		return nil
	}
	sub, err := g.transport.Subscribe(ctx, g.rundownID, func(ev realtime.UpdateEvent) {
		if _, err := g.HandleEvent(context.Background(), ev); err != nil {
			log.Printf("collab: rundown %s: drop update v%d: %v", g.rundownID, ev.DocVersion, err)
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe rundown %s: %w", g.rundownID, err)
	}
	g.sub = sub
	return nil
}

// HandleEvent runs one notification through the filter chain. It reports
// whether the event was applied; filtered events return (false, nil), and
// stale versions return ErrStaleUpdate.
func (g *UpdateGate) HandleEvent(ctx context.Context, ev realtime.UpdateEvent) (bool, error) {
	if ev.RundownID != g.rundownID {
		return false, nil
	}
	if g.ledger.IsOwnUpdate(ev.CommitTS, ev.UserID, ev.TabID) {
		return false, nil
	}

	ts := NormalizeTimestamp(ev.CommitTS)
	g.mu.Lock()
	if ts != "" && ts == g.lastTS {
		g.mu.Unlock()
		return false, nil
	}
	g.mu.Unlock()

	err := g.ledger.ProcessUpdate(ctx, ev.DocVersion, func(ctx context.Context) error {
		remote := ev.New
		if remote == nil {
			fetched, err := g.fetch(ctx)
			if err != nil {
				return fmt.Errorf("fetch rundown: %w", err)
			}
			remote = &fetched
		}
		return g.apply(ctx, *remote)
	})
	if err != nil {
		// lastTS stays untouched on a transient apply/fetch failure so the
		// at-least-once redelivery of this event is not mistaken for a
		// duplicate.
		return false, err
	}

	g.mu.Lock()
	g.lastTS = ts
	g.mu.Unlock()
	return true, nil
}

// EnsureAlive probes the transport and, when it is dead, forces an
// unsubscribe/resubscribe cycle with backoff. The underlying connection can
// silently die after hours of idle; it does not self-heal.
func (g *UpdateGate) EnsureAlive(ctx context.Context) error {
	if g.transport.Alive(ctx) {
		return nil
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return errors.New("gate closed")
	}
	if g.sub != nil {
		_ = g.sub.Close()
		g.sub = nil
	}
	g.mu.Unlock()

	backoff := 500 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if err := g.Start(ctx); err == nil {
			return nil
		} else {
			lastErr = err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("resubscribe failed: %w", lastErr)
}

// Close tears down the subscription.
func (g *UpdateGate) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	if g.sub != nil {
		err := g.sub.Close()
		g.sub = nil
		return err
	}
	return nil
}
