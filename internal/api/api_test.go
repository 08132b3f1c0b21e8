package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dennisdiepolder/monti/wallboard/internal/dashboard"
	"github.com/dennisdiepolder/monti/wallboard/internal/events"
	"github.com/dennisdiepolder/monti/wallboard/internal/performance"
	"github.com/dennisdiepolder/monti/wallboard/internal/presence"
	"github.com/dennisdiepolder/monti/wallboard/internal/storage"
	"github.com/dennisdiepolder/monti/wallboard/internal/transition"
	"github.com/dennisdiepolder/monti/wallboard/internal/types"
)

type notifier struct {
	sessions []string
}

func (n *notifier) NotifySessionEnded(sessionID, reason string) {
	n.sessions = append(n.sessions, sessionID)
}

type fixture struct {
	router   http.Handler
	agents   *storage.MemoryAgentStore
	calls    *storage.MemoryCallStore
	tracker  *presence.Tracker
	notifier *notifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := zerolog.Nop()

	agents := storage.NewMemoryAgentStore()
	for _, a := range []*types.Agent{
		{ID: "a1", Code: "A001", Name: "Ada", Department: types.DeptSales, Status: types.StatusOffline, IsActive: true},
		{ID: "a2", Code: "B002", Name: "Bo", Department: types.DeptSupport, Status: types.StatusOffline, IsActive: true},
	} {
		require.NoError(t, agents.Create(ctx, a))
	}
	calls := storage.NewMemoryCallStore()

	bus := events.NewBus(logger)
	dash := dashboard.NewBroadcaster(agents, bus, dashboard.Config{Interval: time.Hour}, logger)
	tracker := presence.NewTracker(agents, bus, dash, time.Second, logger)
	guard := transition.NewGuard(agents, transition.DefaultTable(), bus, time.Second, logger)
	agg := performance.NewAggregator(agents, calls, time.Second, logger)
	n := &notifier{}

	h := &Handlers{
		Agents:      NewAgentsHandler(agents, guard, time.Second, logger),
		Performance: NewPerformanceHandler(agg, 24*time.Hour, logger),
		Actions:     NewAgentActionsHandler(tracker, n, logger),
		Roster:      NewRosterHandler(agents, time.Second, logger),
		Calls:       NewCallsHandler(calls, agents, time.Second, logger),
	}
	r := chi.NewRouter()
	h.Mount(r)

	return &fixture{router: r, agents: agents, calls: calls, tracker: tracker, notifier: n}
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) types.ErrorPayload {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{types.UnknownAgent("x"), http.StatusNotFound},
		{types.InvalidStatus("Lunch"), http.StatusBadRequest},
		{types.IllegalTransition(types.StatusOffline, types.StatusBusy, nil), http.StatusBadRequest},
		{types.InvalidRange("bad"), http.StatusBadRequest},
		{types.InvalidInput("bad"), http.StatusBadRequest},
		{types.AgentInactive("A001"), http.StatusForbidden},
		{types.StoreUnavailable("get", errors.New("down")), http.StatusServiceUnavailable},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestChangeStatus(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPatch, "/api/agents/a1/status", `{"status":"Available","reason":"shift start"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var agent types.Agent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agent))
	assert.Equal(t, types.StatusAvailable, agent.Status)
	require.Len(t, agent.StatusHistory, 1)
	assert.Equal(t, "shift start", agent.StatusHistory[0].Reason)
}

func TestChangeStatusErrors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPatch, "/api/agents/a1/status", `{"status":"Busy"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	payload := decodeError(t, rec)
	assert.Equal(t, types.KindIllegalTransition, payload.Kind)
	assert.Equal(t, types.StatusOffline, payload.Current)
	assert.Equal(t, []types.Status{types.StatusAvailable}, payload.Allowed)

	rec = f.do(t, http.MethodPatch, "/api/agents/a1/status", `{"status":"Lunch"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	payload = decodeError(t, rec)
	assert.Equal(t, types.KindInvalidStatus, payload.Kind)
	assert.Len(t, payload.Allowed, len(types.AllStatuses))

	rec = f.do(t, http.MethodPatch, "/api/agents/nope/status", `{"status":"Available"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPatch, "/api/agents/a1/status", `{"status":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, types.KindInvalidInput, decodeError(t, rec).Kind)
}

func TestListAgentsFilters(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPatch, "/api/agents/a2/status", `{"status":"Available"}`)

	rec := f.do(t, http.MethodGet, "/api/agents?status=available", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Agents []types.Agent `json:"agents"`
		Count  int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "B002", body.Agents[0].Code)
	assert.Empty(t, body.Agents[0].StatusHistory)

	rec = f.do(t, http.MethodGet, "/api/agents", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, "A001", body.Agents[0].Code)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/agents?status=Lunch", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/agents?department=Legal", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/agents?isOnline=maybe", "").Code)
}

func TestSummary(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPatch, "/api/agents/a1/status", `{"status":"Available"}`)

	rec := f.do(t, http.MethodGet, "/api/agents/status/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var s StatusSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, 2, s.TotalAgents)
	assert.Equal(t, 0, s.OnlineAgents)
	assert.Equal(t, 2, s.OfflineAgents)
	assert.Equal(t, 1, s.StatusBreakdown[types.StatusAvailable])
	assert.Equal(t, 0, s.StatusBreakdown[types.StatusBreak])
	assert.Equal(t, 50.0, s.Percentages[types.StatusAvailable])
	assert.Len(t, s.StatusBreakdown, len(types.AllStatuses))
}

func TestSummarizeRoundsPercentages(t *testing.T) {
	s := summarize(map[types.Status]int{types.StatusBusy: 1, types.StatusWrap: 2}, 3, time.Now())
	assert.Equal(t, 3, s.TotalAgents)
	assert.Equal(t, 33.3, s.Percentages[types.StatusBusy])
	assert.Equal(t, 66.7, s.Percentages[types.StatusWrap])

	empty := summarize(nil, 0, time.Now())
	assert.Equal(t, 0.0, empty.Percentages[types.StatusAvailable])
}

func TestHistoryPagination(t *testing.T) {
	f := newFixture(t)
	for _, s := range []string{"Available", "Busy", "Wrap", "Available", "Break"} {
		rec := f.do(t, http.MethodPatch, "/api/agents/a1/status", `{"status":"`+s+`"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	var body struct {
		History    []types.StatusTransition `json:"history"`
		Pagination HistoryPage              `json:"pagination"`
	}

	rec := f.do(t, http.MethodGet, "/api/agents/a1/history?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.History, 2)
	assert.Equal(t, types.StatusBreak, body.History[0].To)
	assert.Equal(t, types.StatusAvailable, body.History[1].To)
	assert.Equal(t, HistoryPage{Page: 1, Limit: 2, Total: 5, HasMore: true}, body.Pagination)

	rec = f.do(t, http.MethodGet, "/api/agents/a1/history?limit=2&page=3", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.History, 1)
	assert.Equal(t, types.StatusOffline, body.History[0].From)
	assert.False(t, body.Pagination.HasMore)

	rec = f.do(t, http.MethodGet, "/api/agents/a1/history?limit=2&page=9", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.History)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/agents/a1/history?limit=0", "").Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/api/agents/zz/history", "").Code)
}

func TestGetAgent(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/agents/a2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"agentCode":"B002"`)

	rec = f.do(t, http.MethodGet, "/api/agents/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, types.KindUnknownAgent, decodeError(t, rec).Kind)
}

func TestPerformance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	score := 4.0
	require.NoError(t, f.calls.Save(ctx, types.CallRecord{
		ID: "c1", AgentID: "a1", StartedAt: start.Add(time.Hour), EndedAt: start.Add(time.Hour + 2*time.Minute),
		DurationSeconds: 120, SatisfactionScore: &score,
	}))

	rec := f.do(t, http.MethodGet, "/api/agents/a1/performance?startDate=2024-03-01T09:00:00Z&endDate=2024-03-01T17:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var perf types.Performance
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &perf))
	assert.Equal(t, 1, perf.TotalCalls)
	assert.Equal(t, int64(120), perf.AvgCallDuration)
	assert.Equal(t, 4.0, perf.SatisfactionScore)
}

func TestPerformanceErrors(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/agents/a1/performance?startDate=2024-03-02T00:00:00Z&endDate=2024-03-01T00:00:00Z", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, types.KindInvalidRange, decodeError(t, rec).Kind)

	rec = f.do(t, http.MethodGet, "/api/agents/a1/performance?startDate=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/agents/ghost/performance", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPerformanceDefaultWindow(t *testing.T) {
	fixed := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	var gotStart, gotEnd time.Time
	h := NewPerformanceHandler(sourceFunc(func(_ context.Context, _ string, start, end time.Time) (*types.Performance, error) {
		gotStart, gotEnd = start, end
		return &types.Performance{}, nil
	}), 48*time.Hour, zerolog.Nop())
	h.now = func() time.Time { return fixed }

	r := chi.NewRouter()
	r.Get("/api/agents/{id}/performance", h.Get)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/agents/a1/performance", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, fixed, gotEnd)
	assert.Equal(t, fixed.Add(-48*time.Hour), gotStart)
}

type sourceFunc func(ctx context.Context, agentID string, start, end time.Time) (*types.Performance, error)

func (f sourceFunc) Compute(ctx context.Context, agentID string, start, end time.Time) (*types.Performance, error) {
	return f(ctx, agentID, start, end)
}

func TestForcedLogout(t *testing.T) {
	f := newFixture(t)
	_, err := f.tracker.Login(context.Background(), "A001", "sess-1")
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/agents/a1/logout", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sessionRetired":true`)
	assert.Equal(t, []string{"sess-1"}, f.notifier.sessions)

	agent, err := f.agents.GetByID(context.Background(), "a1")
	require.NoError(t, err)
	assert.False(t, agent.IsOnline)

	rec = f.do(t, http.MethodPost, "/api/agents/a1/logout", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sessionRetired":false`)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/api/agents/ghost/logout", "").Code)
}

func TestRoster(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/internal/agents/roster",
		`[{"agentCode":"C003","name":"Cy","department":"Technical"},{"agentCode":"A001","name":"Ada","department":"Sales"}]`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"registered":1`)
	assert.Contains(t, rec.Body.String(), `"duplicates":["A001"]`)

	agent, err := f.agents.GetByCode(context.Background(), "C003")
	require.NoError(t, err)
	assert.NotEmpty(t, agent.ID)
	assert.Equal(t, types.StatusOffline, agent.Status)
	assert.True(t, agent.IsActive)

	rec = f.do(t, http.MethodPost, "/internal/agents/roster", `[{"agentCode":"C003","name":"Cy","department":"Technical"}]`)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRosterValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{"bad code", `[{"agentCode":"c3","name":"Cy","department":"Sales"}]`},
		{"bad department", `[{"agentCode":"C003","name":"Cy","department":"Legal"}]`},
		{"missing name", `[{"agentCode":"C003","department":"Sales"}]`},
		{"repeated code", `[{"agentCode":"C003","name":"Cy","department":"Sales"},{"agentCode":"C003","name":"Cy","department":"Sales"}]`},
		{"empty", `[]`},
		{"not json", `nope`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/internal/agents/roster", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	_, err := f.agents.GetByCode(context.Background(), "C003")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCallIntake(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/internal/calls",
		`{"agentId":"a1","startedAt":"2024-03-01T10:00:00Z","endedAt":"2024-03-01T10:01:30Z","satisfactionScore":5}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var saved types.CallRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &saved))
	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, 90.0, saved.DurationSeconds)

	rec = f.do(t, http.MethodPost, "/internal/calls",
		`{"id":"`+saved.ID+`","agentId":"a1","startedAt":"2024-03-01T10:00:00Z","endedAt":"2024-03-01T10:01:30Z"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/internal/calls/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"totalCalls":1`)
	assert.Contains(t, rec.Body.String(), `"scoredCalls":1`)
}

func TestCallIntakeValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"ends before start", `{"agentId":"a1","startedAt":"2024-03-01T10:00:00Z","endedAt":"2024-03-01T09:00:00Z"}`, http.StatusBadRequest},
		{"missing agent", `{"startedAt":"2024-03-01T10:00:00Z","endedAt":"2024-03-01T11:00:00Z"}`, http.StatusBadRequest},
		{"unknown agent", `{"agentId":"zz","startedAt":"2024-03-01T10:00:00Z","endedAt":"2024-03-01T11:00:00Z"}`, http.StatusNotFound},
		{"negative score", `{"agentId":"a1","startedAt":"2024-03-01T10:00:00Z","endedAt":"2024-03-01T11:00:00Z","satisfactionScore":-1}`, http.StatusBadRequest},
		{"missing times", `{"agentId":"a1"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/internal/calls", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}
