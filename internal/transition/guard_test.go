package transition

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dennisdiepolder/monti/wallboard/internal/storage"
	"github.com/dennisdiepolder/monti/wallboard/internal/types"
)

type recorder struct {
	mu     sync.Mutex
	events []types.Event
}

func (r *recorder) Publish(ev types.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newTestGuard(t *testing.T, status types.Status) (*Guard, *storage.MemoryAgentStore, *recorder) {
	t.Helper()
	store := storage.NewMemoryAgentStore()
	require.NoError(t, store.Create(context.Background(), &types.Agent{
		ID: "a1", Code: "A001", Name: "Ada", Department: types.DeptSales, Status: status, IsActive: true,
	}))
	rec := &recorder{}
	g := NewGuard(store, DefaultTable(), rec, time.Second, zerolog.Nop())
	return g, store, rec
}

func TestApplyAppendsHistoryAndPublishes(t *testing.T) {
	g, _, rec := newTestGuard(t, types.StatusAvailable)
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	agent, err := g.Apply(context.Background(), "a1", types.StatusBreak, "lunch")
	require.NoError(t, err)

	assert.Equal(t, types.StatusBreak, agent.Status)
	assert.Equal(t, now, agent.LastStatusChange)
	require.Len(t, agent.StatusHistory, 1)
	assert.Equal(t, types.StatusTransition{
		From: types.StatusAvailable, To: types.StatusBreak, Reason: "lunch", Timestamp: now,
	}, agent.StatusHistory[0])

	require.Equal(t, 1, rec.len())
	assert.Equal(t, types.StatusChanged{
		AgentID: "a1", AgentCode: "A001",
		PreviousStatus: types.StatusAvailable, NewStatus: types.StatusBreak,
		Reason: "lunch", Timestamp: now,
	}, rec.events[0])
}

func TestApplySameStatusIsNoop(t *testing.T) {
	g, store, rec := newTestGuard(t, types.StatusBusy)

	agent, err := g.Apply(context.Background(), "a1", types.StatusBusy, "")
	require.NoError(t, err)
	assert.Equal(t, types.StatusBusy, agent.Status)
	assert.Empty(t, agent.StatusHistory)
	assert.Equal(t, 0, rec.len())

	stored, err := store.GetByID(context.Background(), "a1")
	require.NoError(t, err)
	assert.Empty(t, stored.StatusHistory)
}

func TestApplyErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  types.Status
		agentID string
		target  types.Status
		kind    types.ErrorKind
	}{
		{"unknown agent", types.StatusAvailable, "missing", types.StatusBusy, types.KindUnknownAgent},
		{"invalid status", types.StatusAvailable, "a1", types.Status("Lunch"), types.KindInvalidStatus},
		{"offline to busy", types.StatusOffline, "a1", types.StatusBusy, types.KindIllegalTransition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _, rec := newTestGuard(t, tt.status)
			_, err := g.Apply(context.Background(), tt.agentID, tt.target, "")
			require.Error(t, err)
			assert.Equal(t, tt.kind, types.KindOf(err))
			assert.Equal(t, 0, rec.len())
		})
	}
}

func TestIllegalTransitionReportsAllowedSet(t *testing.T) {
	g, _, _ := newTestGuard(t, types.StatusOffline)

	_, err := g.Apply(context.Background(), "a1", types.StatusBusy, "")

	var terr *types.Error
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, types.StatusOffline, terr.Current)
	assert.Equal(t, []types.Status{types.StatusAvailable}, terr.Allowed)
}

func TestApplyKeepsTimestampsNonDecreasing(t *testing.T) {
	g, _, _ := newTestGuard(t, types.StatusAvailable)
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := []time.Time{base, base.Add(-time.Minute)}
	g.now = func() time.Time {
		ts := clock[0]
		clock = clock[1:]
		return ts
	}

	_, err := g.Apply(context.Background(), "a1", types.StatusBusy, "")
	require.NoError(t, err)
	agent, err := g.Apply(context.Background(), "a1", types.StatusWrap, "")
	require.NoError(t, err)

	require.Len(t, agent.StatusHistory, 2)
	assert.False(t, agent.StatusHistory[1].Timestamp.Before(agent.StatusHistory[0].Timestamp))
}

func TestConcurrentApplyLosesNoHistory(t *testing.T) {
	g, store, rec := newTestGuard(t, types.StatusAvailable)
	targets := []types.Status{types.StatusBusy, types.StatusWrap, types.StatusBreak, types.StatusNotReady, types.StatusAvailable}

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := g.Apply(context.Background(), "a1", targets[i%len(targets)], "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	agent, err := store.GetByID(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, rec.len(), len(agent.StatusHistory))

	last, ok := agent.LastTransition()
	require.True(t, ok)
	assert.Equal(t, agent.Status, last.To)
	for i := 1; i < len(agent.StatusHistory); i++ {
		prev, cur := agent.StatusHistory[i-1], agent.StatusHistory[i]
		assert.Equal(t, prev.To, cur.From)
		assert.False(t, cur.Timestamp.Before(prev.Timestamp))
	}
}

// conflictingStore fails the first n conditional writes as if another
// process had won the race
type conflictingStore struct {
	*storage.MemoryAgentStore
	conflicts int
	failWith  error
}

func (s *conflictingStore) AtomicUpdateStatus(ctx context.Context, id string, expected types.Status, entry types.StatusTransition) (*types.Agent, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	if s.conflicts > 0 {
		s.conflicts--
		return nil, storage.ErrConflict
	}
	return s.MemoryAgentStore.AtomicUpdateStatus(ctx, id, expected, entry)
}

func TestApplyRetriesOnConflict(t *testing.T) {
	_, mem, rec := newTestGuard(t, types.StatusAvailable)
	store := &conflictingStore{MemoryAgentStore: mem, conflicts: 2}
	g := NewGuard(store, DefaultTable(), rec, time.Second, zerolog.Nop())

	agent, err := g.Apply(context.Background(), "a1", types.StatusBusy, "")
	require.NoError(t, err)
	assert.Equal(t, types.StatusBusy, agent.Status)
	assert.Equal(t, 1, rec.len())
}

func TestApplyGivesUpAfterRepeatedConflicts(t *testing.T) {
	_, mem, rec := newTestGuard(t, types.StatusAvailable)
	store := &conflictingStore{MemoryAgentStore: mem, conflicts: maxAttempts}
	g := NewGuard(store, DefaultTable(), rec, time.Second, zerolog.Nop())

	_, err := g.Apply(context.Background(), "a1", types.StatusBusy, "")
	assert.ErrorIs(t, err, types.ErrStoreUnavailable)
	assert.Equal(t, 0, rec.len())
}

func TestApplyStoreFailure(t *testing.T) {
	_, mem, rec := newTestGuard(t, types.StatusAvailable)
	store := &conflictingStore{MemoryAgentStore: mem, failWith: storage.ErrUnavailable}
	g := NewGuard(store, DefaultTable(), rec, time.Second, zerolog.Nop())

	_, err := g.Apply(context.Background(), "a1", types.StatusBusy, "")
	assert.Equal(t, types.KindStoreUnavailable, types.KindOf(err))
	assert.Equal(t, 0, g.locks.Len())
}

// truncatingStore commits timestamps at millisecond precision
type truncatingStore struct {
	*storage.MemoryAgentStore
}

func (s *truncatingStore) AtomicUpdateStatus(ctx context.Context, id string, expected types.Status, entry types.StatusTransition) (*types.Agent, error) {
	entry.Timestamp = entry.Timestamp.Truncate(time.Millisecond)
	return s.MemoryAgentStore.AtomicUpdateStatus(ctx, id, expected, entry)
}

func TestApplyPublishesCommittedTimestamp(t *testing.T) {
	_, mem, rec := newTestGuard(t, types.StatusAvailable)
	g := NewGuard(&truncatingStore{MemoryAgentStore: mem}, DefaultTable(), rec, time.Second, zerolog.Nop())
	now := time.Date(2024, 5, 1, 9, 0, 0, 123456789, time.UTC)
	g.now = func() time.Time { return now }

	agent, err := g.Apply(context.Background(), "a1", types.StatusBusy, "")
	require.NoError(t, err)

	committed := now.Truncate(time.Millisecond)
	assert.Equal(t, committed, agent.LastStatusChange)
	last, ok := agent.LastTransition()
	require.True(t, ok)
	assert.Equal(t, committed, last.Timestamp)

	require.Equal(t, 1, rec.len())
	ev, ok := rec.events[0].(types.StatusChanged)
	require.True(t, ok)
	assert.Equal(t, agent.LastStatusChange, ev.Timestamp)
}
