package api

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/monti/wallboard/internal/storage"
	"github.com/dennisdiepolder/monti/wallboard/internal/types"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// StatusChanger applies status change requests
type StatusChanger interface {
	Apply(ctx context.Context, agentID string, target types.Status, reason string) (*types.Agent, error)
}

// AgentsHandler provides REST endpoints for agent state
type AgentsHandler struct {
	store        storage.AgentStore
	status       StatusChanger
	storeTimeout time.Duration
	logger       zerolog.Logger
}

// NewAgentsHandler creates a new AgentsHandler
func NewAgentsHandler(store storage.AgentStore, status StatusChanger, storeTimeout time.Duration, logger zerolog.Logger) *AgentsHandler {
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	return &AgentsHandler{
		store:        store,
		status:       status,
		storeTimeout: storeTimeout,
		logger:       logger.With().Str("component", "agents_handler").Logger(),
	}
}

// HistoryPage describes one page of status history
type HistoryPage struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	Total   int  `json:"total"`
	HasMore bool `json:"hasMore"`
}

// StatusSummary is the response of GET /api/agents/status/summary
type StatusSummary struct {
	TotalAgents     int                      `json:"totalAgents"`
	OnlineAgents    int                      `json:"onlineAgents"`
	OfflineAgents   int                      `json:"offlineAgents"`
	StatusBreakdown map[types.Status]int     `json:"statusBreakdown"`
	Percentages     map[types.Status]float64 `json:"percentages"`
	Timestamp       time.Time                `json:"timestamp"`
}

// List handles GET /api/agents?status=&department=&isOnline=
func (h *AgentsHandler) List(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.storeTimeout)
	defer cancel()

	agents, err := h.store.FindMany(ctx, filter)
	if err != nil {
		writeError(w, h.logger, storeError("find agents", "", err))
		return
	}
	for _, a := range agents {
		a.StatusHistory = nil
	}
	if agents == nil {
		agents = []*types.Agent{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"agents": agents,
		"count":  len(agents),
	})
}

func parseFilter(r *http.Request) (types.AgentFilter, error) {
	var filter types.AgentFilter
	q := r.URL.Query()

	if raw := q.Get("status"); raw != "" {
		status := types.NormalizeStatus(raw)
		if !status.Valid() {
			return filter, types.InvalidStatus(status)
		}
		filter.Status = &status
	}
	if raw := q.Get("department"); raw != "" {
		dept := types.Department(raw)
		if !dept.Valid() {
			return filter, types.InvalidInput("invalid department %q", raw)
		}
		filter.Department = &dept
	}
	if raw := q.Get("isOnline"); raw != "" {
		online, err := strconv.ParseBool(raw)
		if err != nil {
			return filter, types.InvalidInput("isOnline must be true or false")
		}
		filter.IsOnline = &online
	}
	return filter, nil
}

// Summary handles GET /api/agents/status/summary
func (h *AgentsHandler) Summary(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.storeTimeout)
	defer cancel()

	counts, err := h.store.CountByStatus(ctx)
	if err != nil {
		writeError(w, h.logger, storeError("count by status", "", err))
		return
	}
	online, err := h.store.CountOnline(ctx)
	if err != nil {
		writeError(w, h.logger, storeError("count online", "", err))
		return
	}

	writeJSON(w, http.StatusOK, summarize(counts, online, time.Now().UTC()))
}

func summarize(counts map[types.Status]int, online int, now time.Time) StatusSummary {
	s := StatusSummary{
		OnlineAgents:    online,
		StatusBreakdown: make(map[types.Status]int, len(types.AllStatuses)),
		Percentages:     make(map[types.Status]float64, len(types.AllStatuses)),
		Timestamp:       now,
	}
	for _, status := range types.AllStatuses {
		s.StatusBreakdown[status] = counts[status]
		s.TotalAgents += counts[status]
	}
	for _, status := range types.AllStatuses {
		if s.TotalAgents > 0 {
			s.Percentages[status] = math.Round(float64(counts[status])*1000/float64(s.TotalAgents)) / 10
		} else {
			s.Percentages[status] = 0
		}
	}
	s.OfflineAgents = s.TotalAgents - online
	if s.OfflineAgents < 0 {
		s.OfflineAgents = 0
	}
	return s
}

// Get handles GET /api/agents/{id}
func (h *AgentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	agent, err := h.get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// History handles GET /api/agents/{id}/history?limit=&page=
// Entries are returned newest first.
func (h *AgentsHandler) History(w http.ResponseWriter, r *http.Request) {
	limit, err := positiveQuery(r, "limit", defaultHistoryLimit)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	page, err := positiveQuery(r, "page", 1)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	agent, err := h.get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	total := len(agent.StatusHistory)
	entries := []types.StatusTransition{}
	for i := total - 1 - (page-1)*limit; i >= 0 && len(entries) < limit; i-- {
		entries = append(entries, agent.StatusHistory[i])
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"agentId": agent.ID,
		"history": entries,
		"pagination": HistoryPage{
			Page:    page,
			Limit:   limit,
			Total:   total,
			HasMore: page*limit < total,
		},
	})
}

func positiveQuery(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, types.InvalidInput("%s must be a positive integer", key)
	}
	return v, nil
}

// ChangeStatus handles PATCH /api/agents/{id}/status
func (h *AgentsHandler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	agent, err := h.status.Apply(r.Context(), chi.URLParam(r, "id"), types.NormalizeStatus(req.Status), req.Reason)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (h *AgentsHandler) get(ctx context.Context, id string) (*types.Agent, error) {
	ctx, cancel := context.WithTimeout(ctx, h.storeTimeout)
	defer cancel()

	agent, err := h.store.GetByID(ctx, id)
	if err != nil {
		return nil, storeError("get agent", id, err)
	}
	return agent, nil
}

// storeError translates storage sentinels into domain errors
func storeError(op, id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return types.UnknownAgent(id)
	}
	return types.StoreUnavailable(op, err)
}
