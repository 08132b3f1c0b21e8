package sim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/monti/wallboard/internal/types"
)

const (
	// Heartbeat interval
	heartbeatInterval = 20 * time.Second

	// Write timeout
	writeTimeout = 10 * time.Second

	// How long to wait for login_success or login_error
	loginTimeout = 10 * time.Second
)

// ErrLoginRejected is returned by Dial when the server answers agent_login with login_error
var ErrLoginRejected = errors.New("login rejected")

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Type      string `json:"type"`
	AgentCode string `json:"agentCode,omitempty"`
	Status    string `json:"status,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Connection is one simulated agent's WebSocket session
type Connection struct {
	code      string
	agentID   string
	sessionID string
	conn      *websocket.Conn
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	logger    zerolog.Logger

	replaced     atomic.Bool
	statusErrors int64
}

// WebSocketURL turns an http(s) backend URL into the ws(s) endpoint URL
func WebSocketURL(backendURL string) string {
	u := strings.TrimRight(backendURL, "/") + "/ws"
	if strings.HasPrefix(u, "http") {
		u = "ws" + u[len("http"):]
	}
	return u
}

// Dial connects to the wallboard and logs in as the agent with the given code
func Dial(ctx context.Context, backendURL, code string, logger zerolog.Logger) (*Connection, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, WebSocketURL(backendURL), nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Connection{
		code:   code,
		conn:   conn,
		done:   make(chan struct{}),
		logger: logger.With().Str("agent_code", code).Logger(),
	}
	if err := c.login(); err != nil {
		conn.Close()
		return nil, err
	}

	go c.readLoop()
	go c.keepalive()
	return c, nil
}

func (c *Connection) login() error {
	if err := c.send(outbound{Type: "agent_login", AgentCode: c.code}); err != nil {
		return fmt.Errorf("send login: %w", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(loginTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		var msg envelope
		if err := c.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("await login: %w", err)
		}

		switch msg.Type {
		case "login_success":
			var data struct {
				SessionID string `json:"sessionId"`
				Agent     struct {
					ID string `json:"id"`
				} `json:"agent"`
			}
			if err := json.Unmarshal(msg.Data, &data); err != nil {
				return fmt.Errorf("decode login_success: %w", err)
			}
			c.sessionID = data.SessionID
			c.agentID = data.Agent.ID
			c.logger.Debug().Str("agent_id", c.agentID).Str("session_id", c.sessionID).Msg("logged in")
			return nil
		case "login_error":
			var payload types.ErrorPayload
			_ = json.Unmarshal(msg.Data, &payload)
			return fmt.Errorf("%w: %s: %s", ErrLoginRejected, payload.Kind, payload.Message)
		}
		// broadcasts from other agents may arrive first
	}
}

// AgentID returns the server-side agent id learned at login
func (c *Connection) AgentID() string {
	return c.agentID
}

// SessionID returns the session id assigned by the server
func (c *Connection) SessionID() string {
	return c.sessionID
}

// Done is closed when the connection is lost or the session was replaced
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Replaced reports whether the server ended this session in favor of another
func (c *Connection) Replaced() bool {
	return c.replaced.Load()
}

// StatusErrors returns the number of status_error replies received
func (c *Connection) StatusErrors() int64 {
	return atomic.LoadInt64(&c.statusErrors)
}

// ChangeStatus sends a status_change request
func (c *Connection) ChangeStatus(status types.Status, reason string) error {
	return c.send(outbound{Type: "status_change", Status: string(status), Reason: reason})
}

// Close sends agent_logout and closes the socket
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		select {
		case <-c.done:
		default:
			_ = c.send(outbound{Type: "agent_logout"})
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.writeMu.Unlock()
		}
		err = c.conn.Close()
	})
	return err
}

func (c *Connection) send(msg outbound) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(msg)
}

// readLoop consumes server messages until the socket fails
func (c *Connection) readLoop() {
	defer close(c.done)
	for {
		var msg envelope
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("connection lost")
			}
			return
		}

		switch msg.Type {
		case "session_replaced":
			var data struct {
				Reason string `json:"reason"`
			}
			_ = json.Unmarshal(msg.Data, &data)
			c.replaced.Store(true)
			c.logger.Info().Str("reason", data.Reason).Msg("session replaced")
			return
		case "status_error":
			atomic.AddInt64(&c.statusErrors, 1)
			var payload types.ErrorPayload
			_ = json.Unmarshal(msg.Data, &payload)
			c.logger.Warn().Str("kind", string(payload.Kind)).Str("message", payload.Message).Msg("status change rejected")
		}
	}
}

// keepalive sends application-level pings until the connection ends
func (c *Connection) keepalive() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.send(outbound{Type: "ping"}); err != nil {
				return
			}
		}
	}
}
