package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"rundown/api/internal/store"
)

func setupTestBroker(t *testing.T) *Broker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	broker := NewBrokerWithClient(client)
	t.Cleanup(func() { _ = broker.Close() })
	return broker
}

func TestPublishSubscribeRoundTrip(t *testing.T) {
	broker := setupTestBroker(t)
	ctx := context.Background()

	received := make(chan UpdateEvent, 1)
	sub, err := broker.Subscribe(ctx, "run-1", func(ev UpdateEvent) {
		received <- ev
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	ev := UpdateEvent{
		RundownID:  "run-1",
		DocVersion: 7,
		CommitTS:   "2026-08-29T18:00:00.000Z",
		UserID:     "user-x",
		TabID:      "tab-1",
		New:        &store.Rundown{ID: "run-1", Title: "Six O'Clock", DocVersion: 7},
	}
	if err := broker.Publish(ctx, ev); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-received:
		if got.DocVersion != 7 || got.RundownID != "run-1" {
			t.Errorf("unexpected event: %+v", got)
		}
		if got.New == nil || got.New.Title != "Six O'Clock" {
			t.Errorf("inline row missing or wrong: %+v", got.New)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeIsScopedToOneRundown(t *testing.T) {
	broker := setupTestBroker(t)
	ctx := context.Background()

	received := make(chan UpdateEvent, 2)
	sub, err := broker.Subscribe(ctx, "run-a", func(ev UpdateEvent) {
		received <- ev
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	if err := broker.Publish(ctx, UpdateEvent{RundownID: "run-b", DocVersion: 2}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := broker.Publish(ctx, UpdateEvent{RundownID: "run-a", DocVersion: 3}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-received:
		if got.RundownID != "run-a" {
			t.Errorf("received event for wrong rundown: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	select {
	case got := <-received:
		t.Errorf("unexpected second event: %+v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestProbeCooldown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	broker := NewBrokerWithClient(client)
	defer broker.Close()

	probe := NewProbe(broker)
	ctx := context.Background()

	if !probe.Check(ctx) {
		t.Fatal("probe should pass against a live server")
	}

	// Within the cooldown the cached verdict is reused even after the
	// server goes away.
	mr.Close()
	if !probe.Check(ctx) {
		t.Fatal("expected cached healthy verdict inside cooldown window")
	}
}
