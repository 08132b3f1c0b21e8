package sim

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dennisdiepolder/monti/wallboard/internal/api"
	"github.com/dennisdiepolder/monti/wallboard/internal/config"
	"github.com/dennisdiepolder/monti/wallboard/internal/dashboard"
	"github.com/dennisdiepolder/monti/wallboard/internal/events"
	"github.com/dennisdiepolder/monti/wallboard/internal/presence"
	"github.com/dennisdiepolder/monti/wallboard/internal/storage"
	"github.com/dennisdiepolder/monti/wallboard/internal/transition"
	"github.com/dennisdiepolder/monti/wallboard/internal/types"
	wallws "github.com/dennisdiepolder/monti/wallboard/internal/websocket"
)

type wallboard struct {
	url    string
	agents *storage.MemoryAgentStore
	calls  *storage.MemoryCallStore
}

// newWallboard serves /ws and /internal/calls backed by memory stores
func newWallboard(t *testing.T) *wallboard {
	t.Helper()
	agents := storage.NewMemoryAgentStore()
	calls := storage.NewMemoryCallStore()
	require.NoError(t, agents.Create(context.Background(), &types.Agent{
		ID: "a1", Code: "A001", Name: "Ada", Department: types.DeptSales, Status: types.StatusOffline, IsActive: true,
	}))

	logger := zerolog.Nop()
	bus := events.NewBus(logger)
	dash := dashboard.NewBroadcaster(agents, bus, dashboard.Config{Interval: time.Hour}, logger)
	tracker := presence.NewTracker(agents, bus, dash, time.Second, logger)
	guard := transition.NewGuard(agents, transition.DefaultTable(), bus, time.Second, logger)
	hub := wallws.NewHub(bus, tracker, guard, 64, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	cfg := &config.Config{
		AllowedOrigins: []string{"*"},
		PongWait:       time.Minute,
		PingPeriod:     54 * time.Second,
		WriteWait:      10 * time.Second,
		MaxMessageSize: 4096,
	}
	r := chi.NewRouter()
	r.Get("/ws", wallws.NewHandler(hub, cfg, logger).ServeHTTP)
	r.Post("/internal/calls", api.NewCallsHandler(calls, agents, time.Second, logger).HandleCall)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &wallboard{url: srv.URL, agents: agents, calls: calls}
}

func (w *wallboard) agent(t *testing.T) *types.Agent {
	t.Helper()
	a, err := w.agents.GetByID(context.Background(), "a1")
	require.NoError(t, err)
	return a
}

func TestWebSocketURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/ws", WebSocketURL("http://localhost:8080"))
	assert.Equal(t, "wss://wallboard.example/ws", WebSocketURL("https://wallboard.example/"))
}

func TestDialLoginAndStatusChange(t *testing.T) {
	w := newWallboard(t)

	conn, err := Dial(context.Background(), w.url, "A001", zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "a1", conn.AgentID())
	assert.NotEmpty(t, conn.SessionID())
	assert.True(t, w.agent(t).IsOnline)

	require.NoError(t, conn.ChangeStatus(types.StatusAvailable, "shift start"))
	assert.Eventually(t, func() bool {
		return w.agent(t).Status == types.StatusAvailable
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		a := w.agent(t)
		return !a.IsOnline && a.Status == types.StatusOffline
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDialLoginRejected(t *testing.T) {
	w := newWallboard(t)

	_, err := Dial(context.Background(), w.url, "Z999", zerolog.Nop())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLoginRejected)
}

func TestDialUnreachable(t *testing.T) {
	_, err := Dial(context.Background(), "http://127.0.0.1:1", "A001", zerolog.Nop())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLoginRejected)
}

func TestSecondDialReplacesFirst(t *testing.T) {
	w := newWallboard(t)

	first, err := Dial(context.Background(), w.url, "A001", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { first.Close() })

	second, err := Dial(context.Background(), w.url, "A001", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { second.Close() })

	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("first connection was not replaced")
	}
	assert.True(t, first.Replaced())
	assert.False(t, second.Replaced())
	assert.True(t, w.agent(t).IsOnline)
}

func TestStatusErrorsCounted(t *testing.T) {
	w := newWallboard(t)

	conn, err := Dial(context.Background(), w.url, "A001", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.ChangeStatus(types.Status("Lunch"), ""))
	assert.Eventually(t, func() bool {
		return conn.StatusErrors() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSimulatorAgainstWallboard(t *testing.T) {
	w := newWallboard(t)
	intake := NewIntakeClient(w.url, time.Second)
	dial := func(ctx context.Context, code string) (AgentConn, error) {
		return Dial(ctx, w.url, code, zerolog.Nop())
	}
	agents := []Agent{{Code: "A001", Name: "Ada", Department: types.DeptSales}}
	s := NewSimulator(agents, dial, intake, Config{Speed: 10000, Seed: 7}, zerolog.Nop())

	require.NoError(t, s.Start(context.Background(), 1))
	assert.Eventually(t, func() bool {
		return s.Stats().CallsPosted > 0
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Stop())

	stats, err := w.calls.Stats(context.Background())
	require.NoError(t, err)
	assert.Positive(t, stats.TotalCalls)

	assert.Eventually(t, func() bool {
		return !w.agent(t).IsOnline
	}, 2*time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, w.agent(t).StatusHistory)
}
