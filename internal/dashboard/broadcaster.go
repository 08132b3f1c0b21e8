// Package dashboard keeps the fleet-wide snapshot fresh and delivers it
// to dashboard subscribers.
package dashboard

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/monti/wallboard/internal/events"
	"github.com/dennisdiepolder/monti/wallboard/internal/metrics"
	"github.com/dennisdiepolder/monti/wallboard/internal/storage"
	"github.com/dennisdiepolder/monti/wallboard/internal/types"
)

const (
	TriggerStartup   = "startup"
	TriggerInterval  = "interval"
	TriggerSubscribe = "subscribe"
	TriggerManual    = "manual"
)

// Broadcaster recomputes the snapshot on a fixed interval, on every
// presence or status event and when a subscriber joins
type Broadcaster struct {
	store        storage.AgentStore
	bus          *events.Bus
	interval     time.Duration
	storeTimeout time.Duration
	eventBuffer  int

	subs map[string]*Mailbox
	mu   sync.RWMutex

	// serializes read + sequence assignment + delivery
	computeMu sync.Mutex
	seq       atomic.Uint64
	latest    atomic.Pointer[types.DashboardSnapshot]

	trigger  chan string
	stop     chan struct{}
	stopOnce sync.Once

	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Config holds broadcaster settings
type Config struct {
	Interval     time.Duration
	StoreTimeout time.Duration
	EventBuffer  int
}

// NewBroadcaster creates a broadcaster. Nothing runs until Start.
func NewBroadcaster(store storage.AgentStore, bus *events.Bus, cfg Config, logger zerolog.Logger) *Broadcaster {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 5 * time.Second
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	return &Broadcaster{
		store:        store,
		bus:          bus,
		interval:     cfg.Interval,
		storeTimeout: cfg.StoreTimeout,
		eventBuffer:  cfg.EventBuffer,
		subs:         make(map[string]*Mailbox),
		trigger:      make(chan string, 1),
		stop:         make(chan struct{}),
		logger:       logger.With().Str("component", "dashboard").Logger(),
		metrics:      metrics.Get(),
		now:          time.Now,
	}
}

// Start runs the refresh loop until ctx is cancelled or Stop is called
func (b *Broadcaster) Start(ctx context.Context) error {
	sub := b.bus.Subscribe("dashboard", b.eventBuffer)
	defer b.bus.Unsubscribe(sub)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	b.logger.Info().Dur("interval", b.interval).Msg("dashboard broadcaster started")
	b.recompute(ctx, TriggerStartup)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info().Msg("dashboard broadcaster stopped")
			return nil

		case <-b.stop:
			b.logger.Info().Msg("dashboard broadcaster stopped")
			return nil

		case <-ticker.C:
			b.recompute(ctx, TriggerInterval)

		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			// one recompute covers every event already queued
			drained := drain(sub.C())
			b.logger.Debug().Str("event", ev.EventType()).Int("coalesced", drained).Msg("event triggered recompute")
			b.recompute(ctx, ev.EventType())

		case reason := <-b.trigger:
			b.recompute(ctx, reason)
		}
	}
}

func drain(ch <-chan types.Event) int {
	n := 0
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

// Stop ends the refresh loop. Safe to call more than once.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
}

// Trigger asks the loop for a recompute. Pending triggers coalesce.
func (b *Broadcaster) Trigger(reason string) {
	select {
	case b.trigger <- reason:
	default:
	}
}

// Compute builds a fresh snapshot from the agent store. The breakdown
// has an entry for every status and its values sum to TotalAgents.
func (b *Broadcaster) Compute(ctx context.Context) (*types.DashboardSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, b.storeTimeout)
	defer cancel()

	counts, err := b.store.CountByStatus(ctx)
	if err != nil {
		return nil, types.StoreUnavailable("count agents by status", err)
	}
	online, err := b.store.CountOnline(ctx)
	if err != nil {
		return nil, types.StoreUnavailable("count online agents", err)
	}

	breakdown := make(map[types.Status]int, len(types.AllStatuses))
	total := 0
	for _, s := range types.AllStatuses {
		breakdown[s] = counts[s]
		total += counts[s]
	}
	for s, n := range counts {
		if !s.Valid() {
			b.logger.Warn().Str("status", string(s)).Int("agents", n).Msg("agents with unknown status excluded from snapshot")
		}
	}

	return &types.DashboardSnapshot{
		TotalAgents:     total,
		OnlineAgents:    online,
		StatusBreakdown: breakdown,
		Timestamp:       b.now(),
		Sequence:        b.seq.Add(1),
	}, nil
}

// recompute refreshes the snapshot and offers it to every mailbox. A
// failure is logged and the previous snapshot stays current.
func (b *Broadcaster) recompute(ctx context.Context, trigger string) *types.DashboardSnapshot {
	b.computeMu.Lock()
	defer b.computeMu.Unlock()

	began := time.Now()
	snap, err := b.Compute(ctx)
	if err != nil {
		b.metrics.RecordRecomputeError()
		b.logger.Error().Err(err).Str("trigger", trigger).Msg("snapshot recompute failed")
		return nil
	}
	b.latest.Store(snap)
	b.metrics.RecordRecompute(trigger, time.Since(began), snap)

	b.mu.RLock()
	delivered := 0
	for _, mb := range b.subs {
		if mb.Put(snap) {
			delivered++
		}
	}
	b.mu.RUnlock()

	b.logger.Debug().
		Str("trigger", trigger).
		Uint64("sequence", snap.Sequence).
		Int("total_agents", snap.TotalAgents).
		Int("online_agents", snap.OnlineAgents).
		Int("subscribers", delivered).
		Msg("snapshot delivered")
	return snap
}

// Latest returns the most recent snapshot, or nil before the first one
func (b *Broadcaster) Latest() *types.DashboardSnapshot {
	return b.latest.Load()
}

// Subscribe registers id as a dashboard subscriber and pushes a fresh
// snapshot to it before returning. Subscribing an existing id returns
// its mailbox.
func (b *Broadcaster) Subscribe(ctx context.Context, id string) *Mailbox {
	b.mu.Lock()
	mb, exists := b.subs[id]
	if !exists {
		mb = newMailbox(b.metrics.RecordSnapshotSuperseded)
		b.subs[id] = mb
	}
	count := len(b.subs)
	b.mu.Unlock()

	b.metrics.SetDashboardSubscribers(count)
	b.logger.Info().Str("subscriber", id).Int("subscribers", count).Msg("dashboard subscriber joined")

	if snap := b.recompute(ctx, TriggerSubscribe); snap == nil {
		if latest := b.Latest(); latest != nil {
			mb.Put(latest)
		} else {
			b.Trigger(TriggerSubscribe)
		}
	}
	return mb
}

// Unsubscribe removes id and closes its mailbox. Unknown ids are ignored.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	mb, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	count := len(b.subs)
	b.mu.Unlock()

	if !ok {
		return
	}
	mb.close()
	b.metrics.SetDashboardSubscribers(count)
	b.logger.Info().Str("subscriber", id).Int("subscribers", count).Msg("dashboard subscriber left")
}

// SubscriberCount returns the number of registered subscribers
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
