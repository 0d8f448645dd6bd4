package collab

import (
	"context"

	"rundown/api/internal/realtime"
)

// BrokerTransport adapts the Redis broker to the gate's transport boundary.
// Liveness rides on the probe's cooldown so sessions can call CheckTransport
// on every suspicious quiet period without hammering the server.
type BrokerTransport struct {
	broker *realtime.Broker
	probe  *realtime.Probe
}

func NewBrokerTransport(broker *realtime.Broker) *BrokerTransport {
	return &BrokerTransport{
		broker: broker,
		probe:  realtime.NewProbe(broker),
	}
}

func (t *BrokerTransport) Subscribe(ctx context.Context, rundownID string, fn func(realtime.UpdateEvent)) (Subscription, error) {
	return t.broker.Subscribe(ctx, rundownID, fn)
}

func (t *BrokerTransport) Alive(ctx context.Context) bool {
	return t.probe.Check(ctx)
}
