package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/monti/wallboard/internal/types"
)

// PerformanceSource computes window statistics for one agent
type PerformanceSource interface {
	Compute(ctx context.Context, agentID string, start, end time.Time) (*types.Performance, error)
}

// PerformanceHandler serves GET /api/agents/{id}/performance
type PerformanceHandler struct {
	source PerformanceSource
	window time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// NewPerformanceHandler creates a handler whose default window ends now
// and reaches back by window.
func NewPerformanceHandler(source PerformanceSource, window time.Duration, logger zerolog.Logger) *PerformanceHandler {
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	return &PerformanceHandler{
		source: source,
		window: window,
		now:    time.Now,
		logger: logger.With().Str("component", "performance_handler").Logger(),
	}
}

// Get handles GET /api/agents/{id}/performance?startDate=&endDate=
func (h *PerformanceHandler) Get(w http.ResponseWriter, r *http.Request) {
	end := h.now().UTC()
	if raw := r.URL.Query().Get("endDate"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, h.logger, types.InvalidRange("endDate must be an RFC3339 timestamp"))
			return
		}
		end = t
	}

	start := end.Add(-h.window)
	if raw := r.URL.Query().Get("startDate"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, h.logger, types.InvalidRange("startDate must be an RFC3339 timestamp"))
			return
		}
		start = t
	}

	perf, err := h.source.Compute(r.Context(), chi.URLParam(r, "id"), start, end)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, perf)
}
