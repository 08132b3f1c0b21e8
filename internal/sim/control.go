package sim

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Runner is what the control API starts and stops
type Runner interface {
	Start(ctx context.Context, numActive int) error
	Stop() error
	Stats() Stats
}

// ControlAPI provides an HTTP control interface for the simulation
type ControlAPI struct {
	runner Runner
	ctx    context.Context
	logger zerolog.Logger
}

// NewControlAPI creates a control API; the runs it starts end with ctx
func NewControlAPI(ctx context.Context, runner Runner, logger zerolog.Logger) *ControlAPI {
	return &ControlAPI{
		runner: runner,
		ctx:    ctx,
		logger: logger.With().Str("component", "control_api").Logger(),
	}
}

// Routes returns the control router
func (api *ControlAPI) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/health", api.healthHandler)
	r.Get("/status", api.statusHandler)
	r.Post("/start", api.startHandler)
	r.Post("/stop", api.stopHandler)
	return r
}

func (api *ControlAPI) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (api *ControlAPI) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.runner.Stats())
}

func (api *ControlAPI) startHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActiveAgents int `json:"activeAgents"`
	}
	// an empty body starts every agent
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if err := api.runner.Start(api.ctx, req.ActiveAgents); err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		api.logger.Error().Err(err).Msg("failed to start simulation")
		http.Error(w, "failed to start simulation", http.StatusInternalServerError)
		return
	}

	stats := api.runner.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"message":      "simulation started",
		"activeAgents": stats.ActiveAgents,
	})
}

func (api *ControlAPI) stopHandler(w http.ResponseWriter, r *http.Request) {
	if err := api.runner.Stop(); err != nil {
		if errors.Is(err, ErrNotRunning) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		api.logger.Error().Err(err).Msg("failed to stop simulation")
		http.Error(w, "failed to stop simulation", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "simulation stopped"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
