// Package realtime fans out rundown update notifications over Redis pub/sub.
// Delivery is at-least-once from the subscriber's point of view: consumers
// must deduplicate by commit timestamp and gate on doc_version.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"rundown/api/internal/store"
)

const channelPrefix = "rundown:"

// UpdateEvent is the notification published after every successful write.
// New carries the full updated row, mirroring the row-level change feed the
// store exposes; CommitTS is the store's updated_at for the write.
type UpdateEvent struct {
	RundownID  string         `json:"rundown_id"`
	DocVersion int64          `json:"doc_version"`
	CommitTS   string         `json:"commit_ts"`
	UserID     string         `json:"user_id"`
	TabID      string         `json:"tab_id"`
	New        *store.Rundown `json:"new,omitempty"`
}

// Broker publishes and subscribes to per-rundown update channels.
type Broker struct {
	client *redis.Client
}

func NewBroker(redisURL string) (*Broker, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Broker{client: client}, nil
}

// NewBrokerWithClient wraps an existing Redis client (tests use miniredis).
func NewBrokerWithClient(client *redis.Client) *Broker {
	return &Broker{client: client}
}

func channelFor(rundownID string) string {
	return channelPrefix + rundownID
}

// Publish sends an update event to every subscriber of the rundown's channel.
func (b *Broker) Publish(ctx context.Context, ev UpdateEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal update event: %w", err)
	}
	if err := b.client.Publish(ctx, channelFor(ev.RundownID), payload).Err(); err != nil {
		return fmt.Errorf("publish update event: %w", err)
	}
	return nil
}

// Subscription is one live channel subscription. Close tears it down; the
// handler goroutine exits once the underlying channel drains.
type Subscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
}

func (s *Subscription) Close() error {
	err := s.pubsub.Close()
	<-s.done
	return err
}

// Subscribe delivers every update event for one rundown to fn, in arrival
// order, on a dedicated goroutine. Malformed payloads are logged and skipped.
func (b *Broker) Subscribe(ctx context.Context, rundownID string, fn func(UpdateEvent)) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channelFor(rundownID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", rundownID, err)
	}

	sub := &Subscription{pubsub: pubsub, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range pubsub.Channel() {
			var ev UpdateEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("realtime: drop malformed event on %s: %v", msg.Channel, err)
				continue
			}
			fn(ev)
		}
	}()
	return sub, nil
}

// Ping probes the transport with a bounded timeout.
func (b *Broker) Ping(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return b.client.Ping(ctx).Err()
}

func (b *Broker) Close() error {
	return b.client.Close()
}
