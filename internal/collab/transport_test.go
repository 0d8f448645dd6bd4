package collab

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"rundown/api/internal/realtime"
	"rundown/api/internal/store"
)

// publishingStore pairs the CAS fake with the server-side publish step, so
// sessions talk to each other the way they do in production.
type publishingStore struct {
	*fakeDocStore
	broker *realtime.Broker
}

func (p *publishingStore) UpdateRundown(ctx context.Context, id string, patch store.RundownPatch, expectedVersion int64) (store.SaveResult, error) {
	result, err := p.fakeDocStore.UpdateRundown(ctx, id, patch, expectedVersion)
	if err != nil {
		return result, err
	}
	doc, _ := p.fakeDocStore.GetRundown(ctx, id)
	_ = p.broker.Publish(ctx, realtime.UpdateEvent{
		RundownID:  id,
		DocVersion: result.DocVersion,
		CommitTS:   FormatTimestamp(result.UpdatedAt),
		UserID:     patch.UpdatedBy,
		TabID:      patch.TabID,
		New:        &doc,
	})
	return result, nil
}

func TestTwoSessionsConvergeOverBroker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	broker := realtime.NewBrokerWithClient(client)
	t.Cleanup(func() { _ = broker.Close() })

	docs := &publishingStore{fakeDocStore: newFakeDocStore(testRundown()), broker: broker}
	transport := NewBrokerTransport(broker)
	ctx := context.Background()

	if !transport.Alive(ctx) {
		t.Fatal("transport should be alive against a running server")
	}

	openSession := func(user, tab string) *Session {
		s, err := Open(ctx, SessionConfig{
			RundownID:          "rd1",
			Identity:           Identity{UserID: user, TabID: tab},
			Store:              docs,
			Transport:          transport,
			FieldDebounce:      20 * time.Millisecond,
			StructuralDebounce: 10 * time.Millisecond,
		})
		if err != nil {
			t.Fatalf("Open(%s): %v", user, err)
		}
		t.Cleanup(func() { _ = s.Close(ctx) })
		return s
	}
	alice := openSession("user-a", "tab-a")
	bob := openSession("user-b", "tab-b")

	alice.UpdateItem("a1", "name", "Cold Open")
	waitFor(t, 3*time.Second, func() bool {
		return docs.snapshot().DocVersion == 2
	})

	// Bob's session hears the update over the channel and folds it in.
	waitFor(t, 3*time.Second, func() bool {
		return itemByID(t, bob.Items(), "a1").Name == "Cold Open" && bob.Version() == 2
	})

	// Alice's own echo must not disturb her state.
	if got := itemByID(t, alice.Items(), "a1").Name; got != "Cold Open" {
		t.Fatalf("alice sees %q after her own save", got)
	}

	bob.UpdateItem("a2", "duration", "03:00")
	waitFor(t, 3*time.Second, func() bool {
		return itemByID(t, alice.Items(), "a2").Duration == "03:00" && alice.Version() == 3
	})
}
