// Package events is the in-process subscriber registry that mutation
// code publishes to after a store write has committed.
package events

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/monti/wallboard/internal/metrics"
	"github.com/dennisdiepolder/monti/wallboard/internal/types"
)

// Subscription receives events published after it was created
type Subscription struct {
	name string
	ch   chan types.Event
}

// Name returns the subscriber name used in logs and metrics.
func (s *Subscription) Name() string { return s.name }

// C returns the receive channel. It is closed by Unsubscribe.
func (s *Subscription) C() <-chan types.Event { return s.ch }

// Bus fans out events to subscribers without blocking the publisher
type Bus struct {
	subs    map[*Subscription]struct{}
	mu      sync.RWMutex
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewBus creates an empty bus
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subs:    make(map[*Subscription]struct{}),
		logger:  logger.With().Str("component", "events").Logger(),
		metrics: metrics.Get(),
	}
}

// Subscribe registers a subscriber with the given buffer size.
func (b *Bus) Subscribe(name string, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	sub := &Subscription{name: name, ch: make(chan types.Event, buffer)}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	b.logger.Debug().Str("subscriber", name).Msg("subscriber registered")
	return sub
}

// Unsubscribe removes the subscriber and closes its channel. Calling it
// twice is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// Publish delivers ev to every subscriber whose buffer has room.
// Full subscribers miss the event.
func (b *Bus) Publish(ev types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	b.metrics.RecordEventPublished(ev.EventType())
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.metrics.RecordEventDropped(ev.EventType(), sub.name)
			b.logger.Warn().
				Str("subscriber", sub.name).
				Str("event", ev.EventType()).
				Msg("subscriber buffer full, event dropped")
		}
	}
}

// SubscriberCount returns the number of registered subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
