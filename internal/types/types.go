package types

import (
	"strings"
	"time"
)

// Status represents the availability state of an agent
type Status string

const (
	StatusAvailable Status = "Available"
	StatusBusy      Status = "Busy"
	StatusWrap      Status = "Wrap"
	StatusBreak     Status = "Break"
	StatusNotReady  Status = "NotReady"
	StatusOffline   Status = "Offline"
)

// AllStatuses lists every status in enum order. Breakdowns and error
// payloads are always emitted in this order.
var AllStatuses = []Status{
	StatusAvailable,
	StatusBusy,
	StatusWrap,
	StatusBreak,
	StatusNotReady,
	StatusOffline,
}

// Valid reports whether s is a member of the status enum.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// NormalizeStatus maps wire spellings onto the enum. The legacy
// "Not Ready" spelling is accepted. Unknown values are returned as-is so
// callers can report them.
func NormalizeStatus(raw string) Status {
	trimmed := strings.TrimSpace(raw)
	if strings.EqualFold(trimmed, "Not Ready") {
		return StatusNotReady
	}
	for _, known := range AllStatuses {
		if strings.EqualFold(trimmed, string(known)) {
			return known
		}
	}
	return Status(trimmed)
}

// Department represents different call center departments
type Department string

const (
	DeptSales      Department = "Sales"
	DeptSupport    Department = "Support"
	DeptTechnical  Department = "Technical"
	DeptGeneral    Department = "General"
	DeptSupervisor Department = "Supervisor"
)

// AllDepartments returns all defined departments
var AllDepartments = []Department{
	DeptSales,
	DeptSupport,
	DeptTechnical,
	DeptGeneral,
	DeptSupervisor,
}

// Valid reports whether d is a known department.
func (d Department) Valid() bool {
	for _, known := range AllDepartments {
		if d == known {
			return true
		}
	}
	return false
}

// StatusTransition is one entry of an agent's status history
type StatusTransition struct {
	From      Status    `json:"from" dynamodbav:"From"`
	To        Status    `json:"to" dynamodbav:"To"`
	Reason    string    `json:"reason,omitempty" dynamodbav:"Reason,omitempty"`
	Timestamp time.Time `json:"timestamp" dynamodbav:"Timestamp"`
}

// Agent is the durable record of a call-center agent
type Agent struct {
	ID               string             `json:"id" dynamodbav:"AgentID"`
	Code             string             `json:"agentCode" dynamodbav:"AgentCode"`
	Name             string             `json:"name" dynamodbav:"Name"`
	Email            string             `json:"email,omitempty" dynamodbav:"Email,omitempty"`
	Department       Department         `json:"department" dynamodbav:"Department"`
	Status           Status             `json:"status" dynamodbav:"Status"`
	StatusHistory    []StatusTransition `json:"statusHistory,omitempty" dynamodbav:"StatusHistory,omitempty"`
	IsOnline         bool               `json:"isOnline" dynamodbav:"IsOnline"`
	IsActive         bool               `json:"isActive" dynamodbav:"IsActive"`
	SessionID        string             `json:"sessionId,omitempty" dynamodbav:"SessionID,omitempty"`
	LoginTime        *time.Time         `json:"loginTime,omitempty" dynamodbav:"LoginTime,omitempty"`
	LastStatusChange time.Time          `json:"lastStatusChange" dynamodbav:"LastStatusChange"`
	CreatedAt        time.Time          `json:"createdAt" dynamodbav:"CreatedAt"`
	UpdatedAt        time.Time          `json:"updatedAt" dynamodbav:"UpdatedAt"`
}

// Clone returns a copy of the agent that shares no slices or pointers
// with the original.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	if a.StatusHistory != nil {
		c.StatusHistory = make([]StatusTransition, len(a.StatusHistory))
		copy(c.StatusHistory, a.StatusHistory)
	}
	if a.LoginTime != nil {
		t := *a.LoginTime
		c.LoginTime = &t
	}
	return &c
}

// LastTransition returns the newest history entry, if any.
func (a *Agent) LastTransition() (StatusTransition, bool) {
	if len(a.StatusHistory) == 0 {
		return StatusTransition{}, false
	}
	return a.StatusHistory[len(a.StatusHistory)-1], true
}

// AgentFilter narrows FindMany results. Nil fields match everything.
type AgentFilter struct {
	Status     *Status
	Department *Department
	IsOnline   *bool
}

// Matches reports whether the agent passes every set field of the filter.
func (f AgentFilter) Matches(a *Agent) bool {
	if f.Status != nil && a.Status != *f.Status {
		return false
	}
	if f.Department != nil && a.Department != *f.Department {
		return false
	}
	if f.IsOnline != nil && a.IsOnline != *f.IsOnline {
		return false
	}
	return true
}

// PresenceSession binds a live connection to an agent code
type PresenceSession struct {
	SessionID string    `json:"sessionId"`
	AgentID   string    `json:"agentId"`
	AgentCode string    `json:"agentCode"`
	LoginTime time.Time `json:"loginTime"`
}

// DashboardSnapshot is the fleet-wide aggregate pushed to dashboards.
// It is derived on every recompute and never persisted.
type DashboardSnapshot struct {
	TotalAgents     int            `json:"totalAgents"`
	OnlineAgents    int            `json:"onlineAgents"`
	StatusBreakdown map[Status]int `json:"statusBreakdown"`
	Timestamp       time.Time      `json:"timestamp"`
	Sequence        uint64         `json:"sequence"`
}

// Performance holds per-agent metrics for a time window
type Performance struct {
	AgentID           string    `json:"agentId"`
	WindowStart       time.Time `json:"windowStart"`
	WindowEnd         time.Time `json:"windowEnd"`
	TotalCalls        int       `json:"totalCalls"`
	AvgCallDuration   int64     `json:"avgCallDuration"`   // seconds
	SatisfactionScore float64   `json:"satisfactionScore"` // 0 when no call carries a score
	TotalBreakSeconds int64     `json:"totalBreakSeconds"`
}
