package types

import "time"

// CallRecord represents a completed call handled by an agent
type CallRecord struct {
	ID                string    `json:"id"`
	AgentID           string    `json:"agentId"`
	StartedAt         time.Time `json:"startedAt"`
	EndedAt           time.Time `json:"endedAt"`
	DurationSeconds   float64   `json:"durationSeconds"`
	SatisfactionScore *float64  `json:"satisfactionScore,omitempty"` // nil means no score was given
}

// Overlaps reports whether the call intersects [start, end) using the
// half-open test startedAt < end && endedAt > start.
func (c CallRecord) Overlaps(start, end time.Time) bool {
	return c.StartedAt.Before(end) && c.EndedAt.After(start)
}

// CallStats summarizes the call store contents
type CallStats struct {
	TotalCalls      int     `json:"totalCalls"`
	ScoredCalls     int     `json:"scoredCalls"`
	AvgCallDuration float64 `json:"avgCallDuration"`
}
