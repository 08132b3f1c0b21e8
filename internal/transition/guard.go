// Package transition validates and applies agent status changes.
package transition

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/monti/wallboard/internal/keylock"
	"github.com/dennisdiepolder/monti/wallboard/internal/metrics"
	"github.com/dennisdiepolder/monti/wallboard/internal/storage"
	"github.com/dennisdiepolder/monti/wallboard/internal/types"
)

// maxAttempts bounds re-reads after a compare-and-swap conflict
const maxAttempts = 3

// Publisher receives events after the store write committed
type Publisher interface {
	Publish(ev types.Event)
}

// Guard applies status transitions one agent at a time
type Guard struct {
	store        storage.AgentStore
	table        Table
	locks        *keylock.Map
	events       Publisher
	storeTimeout time.Duration
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

// NewGuard creates a guard over store using table
func NewGuard(store storage.AgentStore, table Table, events Publisher, storeTimeout time.Duration, logger zerolog.Logger) *Guard {
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	return &Guard{
		store:        store,
		table:        table,
		locks:        keylock.New(),
		events:       events,
		storeTimeout: storeTimeout,
		logger:       logger.With().Str("component", "transition").Logger(),
		metrics:      metrics.Get(),
		now:          time.Now,
	}
}

// Apply moves the agent to target. A request for the current status
// returns the agent unchanged without touching history.
func (g *Guard) Apply(ctx context.Context, agentID string, target types.Status, reason string) (*types.Agent, error) {
	agent, err := g.apply(ctx, agentID, target, reason)
	g.metrics.RecordTransition(err)
	return agent, err
}

func (g *Guard) apply(ctx context.Context, agentID string, target types.Status, reason string) (*types.Agent, error) {
	unlock := g.locks.Lock(agentID)
	defer unlock()

	for attempt := 1; ; attempt++ {
		agent, err := g.get(ctx, agentID)
		if err != nil {
			return nil, err
		}

		if !target.Valid() {
			return nil, types.InvalidStatus(target)
		}
		if target == agent.Status {
			g.logger.Debug().Str("agent_id", agentID).Str("status", string(target)).Msg("status unchanged")
			return agent, nil
		}
		if !g.table.Permits(agent.Status, target) {
			g.logger.Warn().
				Str("agent_id", agentID).
				Str("from", string(agent.Status)).
				Str("to", string(target)).
				Msg("illegal transition rejected")
			return nil, types.IllegalTransition(agent.Status, target, g.table.Allowed(agent.Status))
		}

		entry := types.StatusTransition{
			From:      agent.Status,
			To:        target,
			Reason:    reason,
			Timestamp: g.now(),
		}
		if last, ok := agent.LastTransition(); ok && last.Timestamp.After(entry.Timestamp) {
			entry.Timestamp = last.Timestamp
		}

		updated, err := g.update(ctx, agentID, agent.Status, entry)
		if errors.Is(err, storage.ErrConflict) && attempt < maxAttempts {
			g.metrics.RecordTransitionRetry()
			g.logger.Debug().Str("agent_id", agentID).Int("attempt", attempt).Msg("status changed concurrently, re-reading")
			continue
		}
		if err != nil {
			return nil, g.translate("update agent status", agentID, err)
		}

		g.logger.Info().
			Str("agent_id", agentID).
			Str("agent_code", updated.Code).
			Str("from", string(entry.From)).
			Str("to", string(entry.To)).
			Msg("status changed")

		g.events.Publish(types.StatusChanged{
			AgentID:        updated.ID,
			AgentCode:      updated.Code,
			PreviousStatus: entry.From,
			NewStatus:      entry.To,
			Reason:         reason,
			Timestamp:      updated.LastStatusChange,
		})
		return updated, nil
	}
}

func (g *Guard) get(ctx context.Context, agentID string) (*types.Agent, error) {
	ctx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()

	agent, err := g.store.GetByID(ctx, agentID)
	if err != nil {
		return nil, g.translate("get agent", agentID, err)
	}
	return agent, nil
}

func (g *Guard) update(ctx context.Context, agentID string, expected types.Status, entry types.StatusTransition) (*types.Agent, error) {
	ctx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()
	return g.store.AtomicUpdateStatus(ctx, agentID, expected, entry)
}

func (g *Guard) translate(op, agentID string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return types.UnknownAgent(agentID)
	}
	g.logger.Error().Err(err).Str("agent_id", agentID).Str("op", op).Msg("agent store failure")
	return types.StoreUnavailable(op, err)
}
