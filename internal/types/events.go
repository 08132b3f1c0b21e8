package types

import "time"

// Event type names used on the bus and on the wire
const (
	EventStatusChanged = "agent_status_changed"
	EventAgentOnline   = "agent_online"
	EventAgentOffline  = "agent_offline"
)

// Event is anything published on the in-process bus
type Event interface {
	EventType() string
}

// StatusChanged is emitted after a status transition has been stored
type StatusChanged struct {
	AgentID        string    `json:"agentId"`
	AgentCode      string    `json:"agentCode"`
	PreviousStatus Status    `json:"previousStatus"`
	NewStatus      Status    `json:"newStatus"`
	Reason         string    `json:"reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

func (StatusChanged) EventType() string { return EventStatusChanged }

// AgentOnline is emitted when a login succeeds
type AgentOnline struct {
	AgentCode string    `json:"agentCode"`
	SessionID string    `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

func (AgentOnline) EventType() string { return EventAgentOnline }

// AgentOffline is emitted once per retired session
type AgentOffline struct {
	AgentCode string    `json:"agentCode"`
	SessionID string    `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

func (AgentOffline) EventType() string { return EventAgentOffline }
