package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dennisdiepolder/monti/wallboard/internal/types"
)

// MemoryAgentStore keeps agents in process memory. Reads return deep
// copies so callers never observe a partially appended history.
type MemoryAgentStore struct {
	agents map[string]*types.Agent // agentID -> record
	byCode map[string]string       // agentCode -> agentID
	mu     sync.RWMutex
	now    func() time.Time
}

// NewMemoryAgentStore creates an empty in-memory agent store
func NewMemoryAgentStore() *MemoryAgentStore {
	return &MemoryAgentStore{
		agents: make(map[string]*types.Agent),
		byCode: make(map[string]string),
		now:    time.Now,
	}
}

func (s *MemoryAgentStore) GetByID(_ context.Context, id string) (*types.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return agent.Clone(), nil
}

func (s *MemoryAgentStore) GetByCode(_ context.Context, code string) (*types.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byCode[code]
	if !ok {
		return nil, fmt.Errorf("agent code %s: %w", code, ErrNotFound)
	}
	return s.agents[id].Clone(), nil
}

func (s *MemoryAgentStore) FindMany(_ context.Context, filter types.AgentFilter) ([]*types.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agents := make([]*types.Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		if filter.Matches(agent) {
			agents = append(agents, agent.Clone())
		}
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Code < agents[j].Code })
	return agents, nil
}

func (s *MemoryAgentStore) AtomicUpdateStatus(_ context.Context, id string, expected types.Status, entry types.StatusTransition) (*types.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if agent.Status != expected {
		return nil, fmt.Errorf("agent %s status is %s, expected %s: %w", id, agent.Status, expected, ErrConflict)
	}

	entry.Timestamp = nextTimestamp(agent.StatusHistory, entry.Timestamp)
	agent.StatusHistory = append(agent.StatusHistory, entry)
	agent.Status = entry.To
	agent.LastStatusChange = entry.Timestamp
	agent.UpdatedAt = s.now()
	return agent.Clone(), nil
}

func (s *MemoryAgentStore) CountByStatus(_ context.Context) (map[types.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[types.Status]int)
	for _, agent := range s.agents {
		counts[agent.Status]++
	}
	return counts, nil
}

func (s *MemoryAgentStore) CountOnline(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	online := 0
	for _, agent := range s.agents {
		if agent.IsOnline {
			online++
		}
	}
	return online, nil
}

func (s *MemoryAgentStore) SetOnline(_ context.Context, id, sessionID string, loginTime time.Time) (*types.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	agent.IsOnline = true
	agent.SessionID = sessionID
	agent.LoginTime = &loginTime
	agent.UpdatedAt = s.now()
	return agent.Clone(), nil
}

func (s *MemoryAgentStore) SetOffline(_ context.Context, id, reason string, at time.Time) (*types.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if agent.Status != types.StatusOffline {
		ts := nextTimestamp(agent.StatusHistory, at)
		agent.StatusHistory = append(agent.StatusHistory, types.StatusTransition{
			From:      agent.Status,
			To:        types.StatusOffline,
			Reason:    reason,
			Timestamp: ts,
		})
		agent.Status = types.StatusOffline
		agent.LastStatusChange = ts
	}
	agent.IsOnline = false
	agent.SessionID = ""
	agent.LoginTime = nil
	agent.UpdatedAt = s.now()
	return agent.Clone(), nil
}

func (s *MemoryAgentStore) Create(_ context.Context, agent *types.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[agent.ID]; exists {
		return fmt.Errorf("agent %s already exists: %w", agent.ID, ErrConflict)
	}
	if _, exists := s.byCode[agent.Code]; exists {
		return fmt.Errorf("agent code %s already exists: %w", agent.Code, ErrConflict)
	}
	s.agents[agent.ID] = agent.Clone()
	s.byCode[agent.Code] = agent.ID
	return nil
}

// MemoryCallStore keeps call records in process memory
type MemoryCallStore struct {
	calls map[string][]types.CallRecord // agentID -> calls
	ids   map[string]struct{}
	mu    sync.RWMutex
}

// NewMemoryCallStore creates an empty in-memory call store
func NewMemoryCallStore() *MemoryCallStore {
	return &MemoryCallStore{
		calls: make(map[string][]types.CallRecord),
		ids:   make(map[string]struct{}),
	}
}

func (s *MemoryCallStore) FindOverlapping(_ context.Context, agentID string, start, end time.Time) ([]types.CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.CallRecord
	for _, c := range s.calls[agentID] {
		if c.Overlaps(start, end) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryCallStore) Save(_ context.Context, record types.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ids[record.ID]; exists {
		return fmt.Errorf("call %s already exists: %w", record.ID, ErrConflict)
	}
	s.ids[record.ID] = struct{}{}
	s.calls[record.AgentID] = append(s.calls[record.AgentID], record)
	return nil
}

func (s *MemoryCallStore) Stats(_ context.Context) (types.CallStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats types.CallStats
	var total float64
	for _, calls := range s.calls {
		for _, c := range calls {
			stats.TotalCalls++
			total += c.DurationSeconds
			if c.SatisfactionScore != nil {
				stats.ScoredCalls++
			}
		}
	}
	if stats.TotalCalls > 0 {
		stats.AvgCallDuration = total / float64(stats.TotalCalls)
	}
	return stats, nil
}
