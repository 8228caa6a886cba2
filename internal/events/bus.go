// Package events provides the in-process bus that decouples inbound envelope
// emission from storage. Every successfully normalized envelope is published
// here regardless of persistence outcome.
package events

import (
	"log/slog"
	"sync"

	"github.com/msgcore/msgcore/internal/platform"
)

const defaultSubscriberBuffer = 64

// Bus fans envelopes out to subscribers over buffered channels. A slow
// subscriber loses the oldest pending envelope rather than blocking the
// publisher or its siblings.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]chan platform.Envelope
	nextID      int
	buffer      int
	logger      *slog.Logger
	closed      bool
}

// NewBus creates a Bus with the default per-subscriber buffer.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		subscribers: map[int]chan platform.Envelope{},
		buffer:      defaultSubscriberBuffer,
		logger:      log.With(slog.String("component", "events")),
	}
}

// Subscribe registers a consumer. The returned cancel func releases the
// subscription and closes its channel.
func (b *Bus) Subscribe() (<-chan platform.Envelope, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan platform.Envelope, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subscribers[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub)
		}
	}
}

// Publish delivers the envelope to every subscriber. Never blocks: when a
// subscriber's buffer is full the oldest pending envelope is dropped.
func (b *Bus) Publish(env platform.Envelope) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for id, ch := range b.subscribers {
		select {
		case ch <- env:
		default:
			select {
			case dropped := <-ch:
				b.logger.Warn("subscriber overflow, dropped oldest envelope",
					slog.Int("subscriber", id),
					slog.String("envelope_id", dropped.ID))
			default:
			}
			select {
			case ch <- env:
			default:
			}
		}
	}
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
