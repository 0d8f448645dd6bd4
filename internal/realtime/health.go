package realtime

import (
	"context"
	"sync"
	"time"
)

// Probe is an idempotent liveness check with a cooldown window so callers can
// invoke it on every suspicious quiet period without causing probe storms.
// The pub/sub connection can silently die after hours of idle time; nothing
// here assumes the transport self-heals.
type Probe struct {
	broker   *Broker
	timeout  time.Duration
	cooldown time.Duration

	mu        sync.Mutex
	lastCheck time.Time
	healthy   bool
}

func NewProbe(broker *Broker) *Probe {
	return &Probe{
		broker:   broker,
		timeout:  2 * time.Second,
		cooldown: 10 * time.Second,
		healthy:  true,
	}
}

// Check pings the transport unless a probe ran within the cooldown window, in
// which case the cached verdict is returned.
func (p *Probe) Check(ctx context.Context) bool {
	p.mu.Lock()
	if time.Since(p.lastCheck) < p.cooldown {
		healthy := p.healthy
		p.mu.Unlock()
		return healthy
	}
	p.lastCheck = time.Now()
	p.mu.Unlock()

	err := p.broker.Ping(ctx, p.timeout)

	p.mu.Lock()
	p.healthy = err == nil
	healthy := p.healthy
	p.mu.Unlock()
	return healthy
}

// Healthy reports the last verdict without probing.
func (p *Probe) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}
