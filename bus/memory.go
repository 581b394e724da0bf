package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/onnwee/standup-hub/telemetry"
)

// MemoryBus is an in-process Bus for single-instance deployments and tests.
// Publishes to unsubscribed channels are dropped.
type MemoryBus struct {
	mu         sync.Mutex
	subscribed map[string]struct{}
	out        chan Envelope
	closed     bool
}

// NewMemoryBus creates a bus with a buffered delivery channel.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subscribed: make(map[string]struct{}),
		out:        make(chan Envelope, 256),
	}
}

func (b *MemoryBus) Subscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribed[channel]; !ok {
		b.subscribed[channel] = struct{}{}
		telemetry.AddGauge(telemetry.SubscriptionsGauge, 1)
	}
	return nil
}

func (b *MemoryBus) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribed[channel]; ok {
		delete(b.subscribed, channel)
		telemetry.AddGauge(telemetry.SubscriptionsGauge, -1)
	}
	return nil
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	telemetry.Inc(telemetry.UpdatesPublished)
	if _, ok := b.subscribed[channel]; !ok {
		return nil
	}
	select {
	case b.out <- Envelope{Channel: channel, Message: msg}:
	default:
		// A full buffer means the consumer stalled; dropping beats blocking
		// the webhook path.
		slog.Warn("dropping update, delivery buffer full", slog.String("channel", channel))
	}
	return nil
}

func (b *MemoryBus) Messages() <-chan Envelope { return b.out }

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.out)
	}
	return nil
}
