// Command editsim drives several concurrent editing sessions against an
// in-memory document store and checks that every session converges on the
// same rundown. Useful for shaking out merge regressions without standing up
// Postgres or Redis.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	"rundown/api/internal/collab"
	"rundown/api/internal/realtime"
	"rundown/api/internal/store"
)

type hub struct {
	mu   sync.Mutex
	subs map[int]func(realtime.UpdateEvent)
	next int
}

func newHub() *hub {
	return &hub{subs: make(map[int]func(realtime.UpdateEvent))}
}

func (h *hub) Subscribe(_ context.Context, _ string, fn func(realtime.UpdateEvent)) (collab.Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	h.subs[id] = fn
	return &hubSub{h: h, id: id}, nil
}

func (h *hub) Alive(context.Context) bool { return true }

func (h *hub) broadcast(ev realtime.UpdateEvent) {
	h.mu.Lock()
	fns := make([]func(realtime.UpdateEvent), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		go fn(ev)
	}
}

type hubSub struct {
	h  *hub
	id int
}

func (s *hubSub) Close() error {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	delete(s.h.subs, s.id)
	return nil
}

// memStore is a compare-and-swap document store with the same version
// contract as the Postgres one, plus the server-side publish step.
type memStore struct {
	mu  sync.Mutex
	doc store.Rundown
	hub *hub
}

func (m *memStore) GetRundown(context.Context, string) (store.Rundown, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := m.doc
	doc.Items = store.CloneItems(m.doc.Items)
	return doc, nil
}

func (m *memStore) UpdateRundown(_ context.Context, id string, patch store.RundownPatch, expectedVersion int64) (store.SaveResult, error) {
	m.mu.Lock()
	if m.doc.DocVersion != expectedVersion {
		have := m.doc.DocVersion
		m.mu.Unlock()
		return store.SaveResult{}, fmt.Errorf("expected doc_version %d, store has %d: %w", expectedVersion, have, store.ErrVersionConflict)
	}
	if patch.Title != nil {
		m.doc.Title = *patch.Title
	}
	if patch.StartTime != nil {
		m.doc.StartTime = *patch.StartTime
	}
	if patch.Timezone != nil {
		m.doc.Timezone = *patch.Timezone
	}
	if patch.ShowDate != nil {
		m.doc.ShowDate = *patch.ShowDate
	}
	if patch.ExternalNotes != nil {
		m.doc.ExternalNotes = *patch.ExternalNotes
	}
	if patch.Items != nil {
		m.doc.Items = store.CloneItems(patch.Items)
	}
	m.doc.DocVersion++
	m.doc.UpdatedAt = time.Now()
	m.doc.UpdatedBy = patch.UpdatedBy
	m.doc.TabID = patch.TabID
	result := store.SaveResult{DocVersion: m.doc.DocVersion, UpdatedAt: m.doc.UpdatedAt}
	published := m.doc
	published.Items = store.CloneItems(m.doc.Items)
	m.mu.Unlock()

	m.hub.broadcast(realtime.UpdateEvent{
		RundownID:  id,
		DocVersion: result.DocVersion,
		CommitTS:   collab.FormatTimestamp(result.UpdatedAt),
		UserID:     patch.UpdatedBy,
		TabID:      patch.TabID,
		New:        &published,
	})
	return result, nil
}

func seedRundown(rows int) store.Rundown {
	items := []store.Item{{ID: "hdr-a", Type: store.ItemTypeHeader, Name: "A BLOCK"}}
	for i := 0; i < rows; i++ {
		items = append(items, store.Item{
			ID:       fmt.Sprintf("row-%02d", i),
			Type:     store.ItemTypeRow,
			Name:     fmt.Sprintf("Segment %d", i),
			Duration: "01:00",
		})
	}
	return store.Rundown{
		ID:         "rd-sim",
		Title:      "Simulated Show",
		StartTime:  "18:00",
		Items:      items,
		DocVersion: 1,
		UpdatedAt:  time.Now(),
	}
}

func main() {
	sessions := flag.Int("sessions", 3, "number of concurrent editing sessions")
	edits := flag.Int("edits", 40, "edits per session")
	rows := flag.Int("rows", 8, "seed rows in the rundown")
	seed := flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))
	log.Printf("editsim: %d sessions x %d edits, seed %d", *sessions, *edits, *seed)

	ctx := context.Background()
	docStore := &memStore{doc: seedRundown(*rows), hub: newHub()}

	fields := []string{store.FieldName, store.FieldTalent, store.FieldDuration, store.FieldNotes}
	conflictCount := 0
	var conflictMu sync.Mutex

	open := make([]*collab.Session, 0, *sessions)
	for i := 0; i < *sessions; i++ {
		idx := i
		var session *collab.Session
		session, err := collab.Open(ctx, collab.SessionConfig{
			RundownID: "rd-sim",
			Identity: collab.Identity{
				UserID: fmt.Sprintf("user-%d", idx),
				TabID:  fmt.Sprintf("tab-%d", idx),
			},
			Store:              docStore,
			Transport:          docStore.hub,
			FieldDebounce:      40 * time.Millisecond,
			StructuralDebounce: 20 * time.Millisecond,
			OnConflict: func(conflicts []collab.Conflict) {
				conflictMu.Lock()
				conflictCount += len(conflicts)
				conflictMu.Unlock()
				// Adjudicate toward the server copy so every session lands on
				// the same state.
				for _, c := range conflicts {
					session.ResolveConflict(ctx, c.ItemID, c.Field, collab.ResolutionRemote)
				}
			},
		})
		if err != nil {
			log.Fatalf("open session %d: %v", idx, err)
		}
		open = append(open, session)
	}

	var wg sync.WaitGroup
	for i, session := range open {
		wg.Add(1)
		// Each writer gets its own generator; the shared one is not safe for
		// concurrent use.
		writerRng := rand.New(rand.NewSource(rng.Int63()))
		go func(idx int, s *collab.Session, rng *rand.Rand) {
			defer wg.Done()
			for k := 0; k < *edits; k++ {
				items := s.Items()
				if len(items) == 0 {
					continue
				}
				target := items[rng.Intn(len(items))]
				switch rng.Intn(10) {
				case 0:
					s.MoveItem(target.ID, rng.Intn(len(items)))
				case 1:
					s.UpdateGlobal(store.GlobalExternalNotes, fmt.Sprintf("note from user-%d edit %d", idx, k))
				default:
					field := fields[rng.Intn(len(fields))]
					s.UpdateItem(target.ID, field, fmt.Sprintf("u%d-e%d", idx, k))
				}
				time.Sleep(time.Duration(rng.Intn(15)) * time.Millisecond)
			}
		}(i, session, writerRng)
	}
	wg.Wait()

	// Let autosaves, merges and conflict adjudication settle.
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		settled := true
		for _, s := range open {
			s.Flush(ctx)
			if s.HasUnsavedChanges() || s.IsSaving() {
				settled = false
			}
		}
		if settled {
			current, _ := docStore.GetRundown(ctx, "rd-sim")
			versionsAgree := true
			for _, s := range open {
				if s.Version() != current.DocVersion {
					versionsAgree = false
				}
			}
			if versionsAgree {
				break
			}
		}
		time.Sleep(100 * time.Millisecond)
	}

	authoritative, _ := docStore.GetRundown(ctx, "rd-sim")
	want, _ := json.Marshal(authoritative.Items)
	diverged := 0
	for i, s := range open {
		got, _ := json.Marshal(s.Rundown().Items)
		if string(got) != string(want) {
			diverged++
			log.Printf("editsim: session %d diverged at v%d (server v%d)", i, s.Version(), authoritative.DocVersion)
		}
	}

	for _, s := range open {
		_ = s.Close(ctx)
	}

	log.Printf("editsim: server version %d, %d conflicts adjudicated", authoritative.DocVersion, conflictCount)
	if diverged > 0 {
		log.Printf("editsim: FAILED, %d of %d sessions diverged", diverged, len(open))
		os.Exit(1)
	}
	log.Printf("editsim: all %d sessions converged", len(open))
}
