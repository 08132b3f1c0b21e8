package api

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/monti/wallboard/internal/storage"
	"github.com/dennisdiepolder/monti/wallboard/internal/types"
)

// CallsHandler receives call telemetry from the telephony side
type CallsHandler struct {
	calls        storage.CallStore
	agents       storage.AgentStore
	storeTimeout time.Duration
	logger       zerolog.Logger
	received     int64
}

// NewCallsHandler creates a new CallsHandler
func NewCallsHandler(calls storage.CallStore, agents storage.AgentStore, storeTimeout time.Duration, logger zerolog.Logger) *CallsHandler {
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	return &CallsHandler{
		calls:        calls,
		agents:       agents,
		storeTimeout: storeTimeout,
		logger:       logger.With().Str("component", "call_intake").Logger(),
	}
}

type callRequest struct {
	ID                string    `json:"id,omitempty"`
	AgentID           string    `json:"agentId"`
	StartedAt         time.Time `json:"startedAt"`
	EndedAt           time.Time `json:"endedAt"`
	DurationSeconds   *float64  `json:"durationSeconds,omitempty"`
	SatisfactionScore *float64  `json:"satisfactionScore,omitempty"`
}

func (c callRequest) record() (types.CallRecord, error) {
	if c.AgentID == "" {
		return types.CallRecord{}, types.InvalidInput("agentId is required")
	}
	if c.StartedAt.IsZero() || c.EndedAt.IsZero() {
		return types.CallRecord{}, types.InvalidInput("startedAt and endedAt are required")
	}
	if !c.EndedAt.After(c.StartedAt) {
		return types.CallRecord{}, types.InvalidRange("endedAt must be after startedAt")
	}
	if c.SatisfactionScore != nil && *c.SatisfactionScore < 0 {
		return types.CallRecord{}, types.InvalidInput("satisfactionScore must not be negative")
	}

	rec := types.CallRecord{
		ID:                c.ID,
		AgentID:           c.AgentID,
		StartedAt:         c.StartedAt.UTC(),
		EndedAt:           c.EndedAt.UTC(),
		DurationSeconds:   c.EndedAt.Sub(c.StartedAt).Seconds(),
		SatisfactionScore: c.SatisfactionScore,
	}
	if c.DurationSeconds != nil {
		if *c.DurationSeconds < 0 {
			return types.CallRecord{}, types.InvalidInput("durationSeconds must not be negative")
		}
		rec.DurationSeconds = *c.DurationSeconds
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	return rec, nil
}

// HandleCall handles POST /internal/calls
func (h *CallsHandler) HandleCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	rec, err := req.record()
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.storeTimeout)
	defer cancel()

	if _, err := h.agents.GetByID(ctx, rec.AgentID); err != nil {
		writeError(w, h.logger, storeError("get agent", rec.AgentID, err))
		return
	}

	if err := h.calls.Save(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			h.logger.Warn().Str("call_id", rec.ID).Msg("duplicate call record")
			writeJSON(w, http.StatusConflict, errorResponse{Error: types.ErrorPayload{
				Kind:    types.KindInvalidInput,
				Message: "call " + rec.ID + " already recorded",
			}})
			return
		}
		writeError(w, h.logger, types.StoreUnavailable("save call", err))
		return
	}

	// Log periodically
	if count := atomic.AddInt64(&h.received, 1); count%1000 == 0 {
		h.logger.Info().Int64("total_received", count).Msg("calls received")
	}
	h.logger.Debug().Str("call_id", rec.ID).Str("agent_id", rec.AgentID).Msg("call recorded")

	writeJSON(w, http.StatusCreated, rec)
}

// GetStats handles GET /internal/calls/stats
func (h *CallsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.storeTimeout)
	defer cancel()

	stats, err := h.calls.Stats(ctx)
	if err != nil {
		writeError(w, h.logger, types.StoreUnavailable("call stats", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"stats":         stats,
		"totalReceived": atomic.LoadInt64(&h.received),
	})
}
