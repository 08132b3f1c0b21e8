package storage

import (
	"context"
	"errors"
	"time"

	"github.com/dennisdiepolder/monti/wallboard/internal/types"
)

var (
	// ErrNotFound is returned when no record matches the lookup
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a conditional write lost against a
	// concurrent writer or a uniqueness constraint
	ErrConflict = errors.New("conflict")
	// ErrUnavailable wraps transport and backend failures
	ErrUnavailable = errors.New("store unavailable")
)

// AgentStore holds durable agent records
type AgentStore interface {
	GetByID(ctx context.Context, id string) (*types.Agent, error)
	GetByCode(ctx context.Context, code string) (*types.Agent, error)
	// FindMany returns matching agents sorted by code.
	FindMany(ctx context.Context, filter types.AgentFilter) ([]*types.Agent, error)
	// AtomicUpdateStatus appends entry to the history and sets the status
	// to entry.To in one write, provided the stored status still equals
	// expected. Otherwise it returns ErrConflict.
	AtomicUpdateStatus(ctx context.Context, id string, expected types.Status, entry types.StatusTransition) (*types.Agent, error)
	CountByStatus(ctx context.Context) (map[types.Status]int, error)
	CountOnline(ctx context.Context) (int, error)
	// SetOnline marks the agent online and binds the session.
	SetOnline(ctx context.Context, id, sessionID string, loginTime time.Time) (*types.Agent, error)
	// SetOffline clears the session and forces status Offline, recording a
	// history entry only when the status actually changes.
	SetOffline(ctx context.Context, id, reason string, at time.Time) (*types.Agent, error)
	Create(ctx context.Context, agent *types.Agent) error
}

// CallStore holds call records
type CallStore interface {
	// FindOverlapping returns calls with startedAt < end and endedAt > start.
	FindOverlapping(ctx context.Context, agentID string, start, end time.Time) ([]types.CallRecord, error)
	Save(ctx context.Context, record types.CallRecord) error
	Stats(ctx context.Context) (types.CallStats, error)
}

// nextTimestamp keeps history timestamps non-decreasing.
func nextTimestamp(history []types.StatusTransition, at time.Time) time.Time {
	if n := len(history); n > 0 && history[n-1].Timestamp.After(at) {
		return history[n-1].Timestamp
	}
	return at
}
