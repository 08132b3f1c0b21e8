package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/monti/wallboard/internal/dashboard"
	"github.com/dennisdiepolder/monti/wallboard/internal/events"
	"github.com/dennisdiepolder/monti/wallboard/internal/metrics"
	"github.com/dennisdiepolder/monti/wallboard/internal/presence"
	"github.com/dennisdiepolder/monti/wallboard/internal/types"
)

// Presence is the session table the hub drives
type Presence interface {
	Login(ctx context.Context, code, sessionID string) (*presence.LoginResult, error)
	Logout(ctx context.Context, sessionID string) error
	Disconnect(ctx context.Context, sessionID string) error
	JoinDashboard(ctx context.Context, sessionID string) (*dashboard.Mailbox, error)
	Session(sessionID string) (types.PresenceSession, bool)
}

// StatusChanger applies status change requests
type StatusChanger interface {
	Apply(ctx context.Context, agentID string, target types.Status, reason string) (*types.Agent, error)
}

// Hub maintains the set of active clients and forwards bus events to them
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// Clients by session id
	sessions map[string]*Client

	// Register requests from the clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Closed when Run returns
	done chan struct{}

	// Mutex to protect clients maps
	mu sync.RWMutex

	bus         *events.Bus
	eventBuffer int
	presence    Presence
	status      StatusChanger

	// Retry policy for retiring a session after its connection closes
	retireAttempts int
	retireBackoff  time.Duration

	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewHub creates a new Hub
func NewHub(bus *events.Bus, presence Presence, status StatusChanger, eventBuffer int, logger zerolog.Logger) *Hub {
	if eventBuffer <= 0 {
		eventBuffer = 64
	}
	return &Hub{
		clients:     make(map[*Client]bool),
		sessions:    make(map[string]*Client),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		done:        make(chan struct{}),
		bus:         bus,
		eventBuffer: eventBuffer,
		presence:    presence,
		status:      status,

		retireAttempts: 4,
		retireBackoff:  50 * time.Millisecond,

		logger:  logger.With().Str("component", "websocket_hub").Logger(),
		metrics: metrics.Get(),
	}
}

// Run starts the hub's main loop and blocks until ctx is done
func (h *Hub) Run(ctx context.Context) error {
	sub := h.bus.Subscribe("websocket-hub", h.eventBuffer)
	defer h.bus.Unsubscribe(sub)
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.sessions[client.id] = client
			total := len(h.clients)
			h.mu.Unlock()
			h.metrics.RecordWebSocketConnect()
			h.logger.Info().
				Str("session_id", client.id).
				Int("total_clients", total).
				Msg("client connected")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				h.remove(client)
				h.logger.Info().
					Str("session_id", client.id).
					Int("total_clients", len(h.clients)).
					Msg("client disconnected")
			}
			h.mu.Unlock()

		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			h.broadcastEvent(ev)
		}
	}
}

// Register adds a client. It returns false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NotifySessionEnded tells the connection holding sessionID that its agent
// session was taken over or retired. Unknown sessions are ignored.
func (h *Hub) NotifySessionEnded(sessionID, reason string) {
	data, err := encode(TypeSessionReplaced, sessionReplaced{Reason: reason})
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal session_replaced")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if client, ok := h.sessions[sessionID]; ok {
		h.deliver(client, data)
	}
}

// unregisterClient removes c and retires its agent session. A failed
// Disconnect leaves the session in place, so it is retried with doubling
// backoff before giving up.
func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}

	backoff := h.retireBackoff
	for attempt := 1; ; attempt++ {
		err := h.presence.Disconnect(context.Background(), c.id)
		if err == nil {
			return
		}
		if attempt >= h.retireAttempts {
			h.logger.Error().Err(err).Str("session_id", c.id).Int("attempts", attempt).Msg("failed to retire session on disconnect")
			return
		}
		h.logger.Warn().Err(err).Str("session_id", c.id).Int("attempt", attempt).Dur("backoff", backoff).Msg("retrying session retirement")
		time.Sleep(backoff)
		backoff *= 2
	}
}

func (h *Hub) broadcastEvent(ev types.Event) {
	data, err := encode(ev.EventType(), ev)
	if err != nil {
		h.logger.Error().Err(err).Str("event", ev.EventType()).Msg("failed to marshal event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		h.deliver(client, data)
	}
}

// deliver must be called with mu held
func (h *Hub) deliver(client *Client, data []byte) {
	select {
	case client.send <- data:
	default:
		// Client's send buffer is full, close and remove it
		h.remove(client)
		h.metrics.RecordWebSocketOverflow()
		h.logger.Warn().
			Str("session_id", client.id).
			Msg("client send buffer full, closing connection")
	}
}

// remove must be called with mu held
func (h *Hub) remove(client *Client) {
	delete(h.clients, client)
	if h.sessions[client.id] == client {
		delete(h.sessions, client.id)
	}
	client.close()
	h.metrics.RecordWebSocketDisconnect()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		h.remove(client)
	}
}
