package websocket

import (
	"encoding/json"
	"time"

	"github.com/dennisdiepolder/monti/wallboard/internal/types"
)

// Inbound message types
const (
	TypeAgentLogin    = "agent_login"
	TypeAgentLogout   = "agent_logout"
	TypeJoinDashboard = "join_dashboard"
	TypeStatusChange  = "status_change"
	TypePing          = "ping"
)

// Outbound message types. Bus events go out under their own event type.
const (
	TypeLoginSuccess    = "login_success"
	TypeLoginError      = "login_error"
	TypeSessionReplaced = "session_replaced"
	TypeDashboardUpdate = "dashboard_update"
	TypeStatusError     = "status_error"
	TypePong            = "pong"
)

// Message is the envelope of every outbound frame
type Message struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// inboundMessage carries the fields of all client requests
type inboundMessage struct {
	Type      string `json:"type"`
	AgentCode string `json:"agentCode,omitempty"`
	Status    string `json:"status,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type loginSuccess struct {
	SessionID string       `json:"sessionId"`
	Agent     *types.Agent `json:"agent"`
}

type sessionReplaced struct {
	Reason string `json:"reason"`
}

func encode(msgType string, data any) ([]byte, error) {
	return json.Marshal(Message{Type: msgType, Data: data, Timestamp: time.Now().UTC()})
}
