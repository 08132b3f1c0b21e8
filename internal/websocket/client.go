package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/monti/wallboard/internal/config"
	"github.com/dennisdiepolder/monti/wallboard/internal/dashboard"
	"github.com/dennisdiepolder/monti/wallboard/internal/metrics"
	"github.com/dennisdiepolder/monti/wallboard/internal/types"
)

// Client is a middleman between the websocket connection and the hub.
// Its id doubles as the presence session id.
type Client struct {
	// Unique session ID
	id string

	// The hub this client belongs to
	hub *Hub

	// The websocket connection
	conn *websocket.Conn

	// Buffered channel of outbound messages
	send chan []byte

	// Hands the dashboard mailbox to the write pump
	joined chan *dashboard.Mailbox

	// Closed when the hub drops the client
	done      chan struct{}
	closeOnce sync.Once

	// Configuration
	config *config.Config

	// Logger
	logger zerolog.Logger
}

// NewClient creates a new Client
func NewClient(hub *Hub, conn *websocket.Conn, cfg *config.Config, logger zerolog.Logger) *Client {
	sessionID := uuid.New().String()
	return &Client{
		id:     sessionID,
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		joined: make(chan *dashboard.Mailbox, 1),
		done:   make(chan struct{}),
		config: cfg,
		logger: logger.With().Str("session_id", sessionID).Logger(),
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump pumps messages from the websocket connection to the hub
//
// The application runs readPump in a per-connection goroutine. The application
// ensures that there is at most one reader on a connection by executing all
// reads from this goroutine.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregisterClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.config.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error().Err(err).Msg("websocket read error")
			}
			break
		}
		c.handleMessage(context.Background(), message)
	}
}

// handleMessage processes one request from the client
func (c *Client) handleMessage(ctx context.Context, message []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.logger.Debug().Err(err).Msg("failed to parse message")
		c.queue(TypeStatusError, types.PayloadOf(types.InvalidInput("malformed message")))
		return
	}

	switch msg.Type {
	case TypeAgentLogin:
		c.login(ctx, msg.AgentCode)
	case TypeAgentLogout:
		if err := c.hub.presence.Logout(ctx, c.id); err != nil {
			c.queue(TypeStatusError, types.PayloadOf(err))
		}
	case TypeJoinDashboard:
		c.joinDashboard(ctx)
	case TypeStatusChange:
		c.changeStatus(ctx, msg.Status, msg.Reason)
	case TypePing:
		c.queue(TypePong, nil)
	default:
		c.logger.Debug().Str("type", msg.Type).Msg("unknown message type")
		metrics.Get().RecordWebSocketMessage("unknown")
		return
	}
	metrics.Get().RecordWebSocketMessage(msg.Type)
}

func (c *Client) login(ctx context.Context, code string) {
	res, err := c.hub.presence.Login(ctx, code, c.id)
	if err != nil {
		c.queue(TypeLoginError, types.PayloadOf(err))
		return
	}

	agent := res.Agent.Clone()
	agent.StatusHistory = nil
	c.queue(TypeLoginSuccess, loginSuccess{SessionID: c.id, Agent: agent})

	if res.Evicted != "" {
		c.hub.NotifySessionEnded(res.Evicted, "relogin")
	}
}

func (c *Client) joinDashboard(ctx context.Context) {
	mb, err := c.hub.presence.JoinDashboard(ctx, c.id)
	if err != nil {
		c.queue(TypeStatusError, types.PayloadOf(err))
		return
	}
	// a repeated join returns the mailbox the write pump already reads
	select {
	case c.joined <- mb:
	default:
	}
}

func (c *Client) changeStatus(ctx context.Context, raw, reason string) {
	session, ok := c.hub.presence.Session(c.id)
	if !ok {
		c.queue(TypeStatusError, types.PayloadOf(types.InvalidInput("login required before changing status")))
		return
	}
	if _, err := c.hub.status.Apply(ctx, session.AgentID, types.NormalizeStatus(raw), reason); err != nil {
		c.queue(TypeStatusError, types.PayloadOf(err))
	}
}

// queue sends a direct reply without blocking the read pump
func (c *Client) queue(msgType string, data any) {
	payload, err := encode(msgType, data)
	if err != nil {
		c.logger.Error().Err(err).Str("type", msgType).Msg("failed to marshal reply")
		return
	}
	select {
	case c.send <- payload:
	case <-c.done:
	default:
		metrics.Get().RecordWebSocketOverflow()
		c.logger.Warn().Str("type", msgType).Msg("reply dropped, send buffer full")
	}
}

// writePump pumps messages from the hub to the websocket connection
//
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	var snapshots <-chan *types.DashboardSnapshot
	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				return
			}

		case mb := <-c.joined:
			snapshots = mb.C()

		case snap, ok := <-snapshots:
			if !ok {
				snapshots = nil
				continue
			}
			message, err := encode(TypeDashboardUpdate, snap)
			if err != nil {
				c.logger.Error().Err(err).Msg("failed to marshal dashboard snapshot")
				continue
			}
			if err := c.write(message); err != nil {
				return
			}

		case <-c.done:
			// The hub dropped the client
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(message []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, message)
}

// Start starts the client's read and write pumps
func (c *Client) Start() {
	go c.writePump()
	go c.readPump()
}
