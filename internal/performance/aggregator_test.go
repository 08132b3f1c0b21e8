package performance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dennisdiepolder/monti/wallboard/internal/storage"
	"github.com/dennisdiepolder/monti/wallboard/internal/types"
)

func at(h, m int) time.Time { return time.Date(2024, 6, 3, h, m, 0, 0, time.UTC) }

func score(v float64) *float64 { return &v }

func newFixture(t *testing.T) (*Aggregator, *storage.MemoryCallStore) {
	t.Helper()
	ctx := context.Background()
	agents := storage.NewMemoryAgentStore()
	require.NoError(t, agents.Create(ctx, &types.Agent{
		ID: "a1", Code: "A001", Department: types.DeptSupport, Status: types.StatusAvailable, IsActive: true,
	}))
	_, err := agents.AtomicUpdateStatus(ctx, "a1", types.StatusAvailable, types.StatusTransition{
		From: types.StatusAvailable, To: types.StatusBreak, Timestamp: at(10, 0),
	})
	require.NoError(t, err)
	_, err = agents.AtomicUpdateStatus(ctx, "a1", types.StatusBreak, types.StatusTransition{
		From: types.StatusBreak, To: types.StatusAvailable, Timestamp: at(10, 15),
	})
	require.NoError(t, err)

	calls := storage.NewMemoryCallStore()
	return NewAggregator(agents, calls, time.Second, zerolog.Nop()), calls
}

func TestComputeCountsOverlappingCalls(t *testing.T) {
	agg, calls := newFixture(t)
	ctx := context.Background()
	require.NoError(t, calls.Save(ctx, types.CallRecord{ID: "in", AgentID: "a1", StartedAt: at(10, 0), EndedAt: at(10, 30), DurationSeconds: 1800, SatisfactionScore: score(4)}))
	require.NoError(t, calls.Save(ctx, types.CallRecord{ID: "edge", AgentID: "a1", StartedAt: at(10, 40), EndedAt: at(10, 50), DurationSeconds: 601, SatisfactionScore: score(5)}))
	require.NoError(t, calls.Save(ctx, types.CallRecord{ID: "unscored", AgentID: "a1", StartedAt: at(10, 20), EndedAt: at(10, 21), DurationSeconds: 60}))
	require.NoError(t, calls.Save(ctx, types.CallRecord{ID: "before", AgentID: "a1", StartedAt: at(9, 0), EndedAt: at(9, 30), DurationSeconds: 1800, SatisfactionScore: score(1)}))
	require.NoError(t, calls.Save(ctx, types.CallRecord{ID: "other", AgentID: "a2", StartedAt: at(10, 20), EndedAt: at(10, 25), DurationSeconds: 300}))

	perf, err := agg.Compute(ctx, "a1", at(10, 15), at(10, 45))
	require.NoError(t, err)

	assert.Equal(t, "a1", perf.AgentID)
	assert.Equal(t, 3, perf.TotalCalls)
	assert.Equal(t, int64(820), perf.AvgCallDuration) // (1800+601+60)/3 = 820.33
	assert.Equal(t, 4.5, perf.SatisfactionScore)
	assert.Equal(t, int64(0), perf.TotalBreakSeconds)
}

func TestComputeBreakTime(t *testing.T) {
	agg, _ := newFixture(t)

	perf, err := agg.Compute(context.Background(), "a1", at(9, 59), at(11, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(15*60), perf.TotalBreakSeconds)
}

func TestComputeNoCallsGivesZeros(t *testing.T) {
	agg, _ := newFixture(t)

	perf, err := agg.Compute(context.Background(), "a1", at(8, 0), at(9, 0))
	require.NoError(t, err)
	assert.Equal(t, 0, perf.TotalCalls)
	assert.Equal(t, int64(0), perf.AvgCallDuration)
	assert.Equal(t, 0.0, perf.SatisfactionScore)
}

func TestComputeInvalidRange(t *testing.T) {
	agg, _ := newFixture(t)

	_, err := agg.Compute(context.Background(), "a1", at(10, 0), at(10, 0))
	assert.ErrorIs(t, err, types.ErrInvalidRange)

	_, err = agg.Compute(context.Background(), "a1", at(11, 0), at(10, 0))
	assert.ErrorIs(t, err, types.ErrInvalidRange)
}

func TestComputeUnknownAgent(t *testing.T) {
	agg, _ := newFixture(t)

	_, err := agg.Compute(context.Background(), "missing", at(10, 0), at(11, 0))
	assert.ErrorIs(t, err, types.ErrUnknownAgent)
}

type failingCalls struct{ storage.CallStore }

func (failingCalls) FindOverlapping(context.Context, string, time.Time, time.Time) ([]types.CallRecord, error) {
	return nil, errors.New("connection refused")
}

func TestComputeCallStoreUnavailable(t *testing.T) {
	agg, _ := newFixture(t)
	agg.calls = failingCalls{}

	_, err := agg.Compute(context.Background(), "a1", at(10, 0), at(11, 0))
	assert.ErrorIs(t, err, types.ErrStoreUnavailable)
}

// supersetCalls ignores the window, as a coarse index might
type supersetCalls struct{ calls []types.CallRecord }

func (s supersetCalls) FindOverlapping(context.Context, string, time.Time, time.Time) ([]types.CallRecord, error) {
	return s.calls, nil
}

func (supersetCalls) Save(context.Context, types.CallRecord) error { return nil }

func (supersetCalls) Stats(context.Context) (types.CallStats, error) { return types.CallStats{}, nil }

func TestComputeRefiltersStoreResults(t *testing.T) {
	agg, _ := newFixture(t)
	agg.calls = supersetCalls{calls: []types.CallRecord{
		{ID: "in", AgentID: "a1", StartedAt: at(10, 0), EndedAt: at(10, 30), DurationSeconds: 100},
		{ID: "out", AgentID: "a1", StartedAt: at(9, 0), EndedAt: at(9, 30), DurationSeconds: 900},
	}}

	perf, err := agg.Compute(context.Background(), "a1", at(10, 15), at(10, 45))
	require.NoError(t, err)
	assert.Equal(t, 1, perf.TotalCalls)
	assert.Equal(t, int64(100), perf.AvgCallDuration)
}
