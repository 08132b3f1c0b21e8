// Package performance computes per-agent break time and call statistics
// over arbitrary time windows. It only reads from the stores.
package performance

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dennisdiepolder/monti/wallboard/internal/metrics"
	"github.com/dennisdiepolder/monti/wallboard/internal/storage"
	"github.com/dennisdiepolder/monti/wallboard/internal/types"
)

// Aggregator answers window queries against the agent and call stores
type Aggregator struct {
	agents       storage.AgentStore
	calls        storage.CallStore
	storeTimeout time.Duration
	logger       zerolog.Logger
	metrics      *metrics.Metrics
}

// NewAggregator creates a new performance aggregator
func NewAggregator(agents storage.AgentStore, calls storage.CallStore, storeTimeout time.Duration, logger zerolog.Logger) *Aggregator {
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	return &Aggregator{
		agents:       agents,
		calls:        calls,
		storeTimeout: storeTimeout,
		logger:       logger.With().Str("component", "performance").Logger(),
		metrics:      metrics.Get(),
	}
}

// Compute returns the metrics of agentID for [start, end).
func (a *Aggregator) Compute(ctx context.Context, agentID string, start, end time.Time) (*types.Performance, error) {
	began := time.Now()
	perf, err := a.compute(ctx, agentID, start, end)
	a.metrics.RecordPerformanceQuery(time.Since(began), err)
	return perf, err
}

func (a *Aggregator) compute(ctx context.Context, agentID string, start, end time.Time) (*types.Performance, error) {
	if !start.Before(end) {
		return nil, types.InvalidRange("window start must be before window end")
	}

	ctx, cancel := context.WithTimeout(ctx, a.storeTimeout)
	defer cancel()

	var (
		agent *types.Agent
		calls []types.CallRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		agent, err = a.agents.GetByID(gctx, agentID)
		if errors.Is(err, storage.ErrNotFound) {
			return types.UnknownAgent(agentID)
		}
		if err != nil {
			return types.StoreUnavailable("get agent", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		calls, err = a.calls.FindOverlapping(gctx, agentID, start, end)
		if err != nil {
			return types.StoreUnavailable("find calls", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		if types.KindOf(err) == types.KindStoreUnavailable {
			a.logger.Error().Err(err).Str("agent_id", agentID).Msg("performance query failed")
		}
		return nil, err
	}

	perf := &types.Performance{
		AgentID:           agentID,
		WindowStart:       start,
		WindowEnd:         end,
		TotalBreakSeconds: BreakSeconds(agent.StatusHistory, agent.Status, start, end),
	}
	summarizeCalls(perf, calls, start, end)

	a.logger.Debug().
		Str("agent_id", agentID).
		Int("calls", perf.TotalCalls).
		Int64("break_seconds", perf.TotalBreakSeconds).
		Msg("performance computed")
	return perf, nil
}

func summarizeCalls(perf *types.Performance, calls []types.CallRecord, start, end time.Time) {
	var (
		totalDuration float64
		scoreSum      float64
		scored        int
	)
	for _, c := range calls {
		// stores may hand back a superset
		if !c.Overlaps(start, end) {
			continue
		}
		perf.TotalCalls++
		totalDuration += c.DurationSeconds
		if c.SatisfactionScore != nil {
			scoreSum += *c.SatisfactionScore
			scored++
		}
	}
	if perf.TotalCalls > 0 {
		perf.AvgCallDuration = int64(math.Round(totalDuration / float64(perf.TotalCalls)))
	}
	if scored > 0 {
		perf.SatisfactionScore = scoreSum / float64(scored)
	}
}
