// Package bus fans orchestrator events out to subscribers. The in-memory
// backend serves single-process deployments; NATS and Redis backends let
// external runners and dashboards observe the same stream.
package bus

import (
	"context"
	"fmt"
	"sync"
)

// Bus publishes event envelopes to subjects and hands out subscription
// channels. Publish never blocks on a slow subscriber; envelopes that do
// not fit a subscriber's buffer are dropped for that subscriber.
type Bus interface {
	Publish(ctx context.Context, subject string, event EventEnvelope) error
	Subscribe(ctx context.Context, subject string) (<-chan EventEnvelope, func(), error)
	Close() error
}

// MemoryBus is the default in-process backend.
type MemoryBus struct {
	mu        sync.RWMutex
	channels  map[string][]chan EventEnvelope
	closed    bool
	closeOnce sync.Once
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		channels: make(map[string][]chan EventEnvelope),
	}
}

func (b *MemoryBus) Publish(_ context.Context, subject string, event EventEnvelope) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus closed")
	}
	consumers := append([]chan EventEnvelope{}, b.channels[subject]...)
	b.mu.RUnlock()

	for _, ch := range consumers {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(_ context.Context, subject string) (<-chan EventEnvelope, func(), error) {
	if b == nil {
		return nil, nil, fmt.Errorf("bus is nil")
	}
	ch := make(chan EventEnvelope, 32)
	b.mu.Lock()
	if b.closed {
		close(ch)
		b.mu.Unlock()
		return nil, nil, fmt.Errorf("bus closed")
	}
	b.channels[subject] = append(b.channels[subject], ch)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subscribers := b.channels[subject]
		for i, candidate := range subscribers {
			if candidate == ch {
				b.channels[subject] = append(subscribers[:i], subscribers[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, unsub, nil
}

func (b *MemoryBus) Close() error {
	if b == nil {
		return nil
	}
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		for subject, subscribers := range b.channels {
			for _, ch := range subscribers {
				close(ch)
			}
			delete(b.channels, subject)
		}
		b.mu.Unlock()
	})
	return nil
}

// Open returns the bus backend named in config. Unknown names fall back
// to the memory bus so a bare config still works.
func Open(backend, address string) (Bus, error) {
	switch backend {
	case "nats":
		return NewNATSBus(address)
	case "redis":
		return NewRedisBus(address)
	case "", "memory":
		return NewMemoryBus(), nil
	default:
		return nil, fmt.Errorf("unknown bus backend %q", backend)
	}
}
