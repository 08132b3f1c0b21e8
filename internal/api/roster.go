package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dennisdiepolder/monti/wallboard/internal/storage"
	"github.com/dennisdiepolder/monti/wallboard/internal/types"
)

var agentCodePattern = regexp.MustCompile(`^[A-Z]\d{3}$`)

// RosterEntry represents a single agent in the roster payload
type RosterEntry struct {
	AgentID    string           `json:"agentId,omitempty"`
	AgentCode  string           `json:"agentCode"`
	Name       string           `json:"name"`
	Email      string           `json:"email,omitempty"`
	Department types.Department `json:"department"`
	IsActive   *bool            `json:"isActive,omitempty"`
}

func (e RosterEntry) validate() error {
	if !agentCodePattern.MatchString(e.AgentCode) {
		return types.InvalidInput("agent code %q must match [A-Z]NNN", e.AgentCode)
	}
	if strings.TrimSpace(e.Name) == "" {
		return types.InvalidInput("agent %s: name is required", e.AgentCode)
	}
	if !e.Department.Valid() {
		return types.InvalidInput("agent %s: invalid department %q", e.AgentCode, e.Department)
	}
	return nil
}

func (e RosterEntry) agent(now time.Time) *types.Agent {
	id := e.AgentID
	if id == "" {
		id = uuid.New().String()
	}
	active := true
	if e.IsActive != nil {
		active = *e.IsActive
	}
	return &types.Agent{
		ID:               id,
		Code:             e.AgentCode,
		Name:             strings.TrimSpace(e.Name),
		Email:            e.Email,
		Department:       e.Department,
		Status:           types.StatusOffline,
		IsActive:         active,
		LastStatusChange: now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// RosterHandler handles the roster registration endpoint
type RosterHandler struct {
	store        storage.AgentStore
	storeTimeout time.Duration
	logger       zerolog.Logger
}

// NewRosterHandler creates a new RosterHandler
func NewRosterHandler(store storage.AgentStore, storeTimeout time.Duration, logger zerolog.Logger) *RosterHandler {
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	return &RosterHandler{
		store:        store,
		storeTimeout: storeTimeout,
		logger:       logger.With().Str("component", "roster").Logger(),
	}
}

// HandleRoster handles POST /internal/agents/roster. The whole payload is
// validated before anything is written. Codes that already exist are
// reported back; a roster made only of duplicates is rejected with 409.
func (h *RosterHandler) HandleRoster(w http.ResponseWriter, r *http.Request) {
	var roster []RosterEntry
	if err := decode(r, &roster); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if len(roster) == 0 {
		writeError(w, h.logger, types.InvalidInput("roster is empty"))
		return
	}

	seen := make(map[string]bool, len(roster))
	for _, entry := range roster {
		if err := entry.validate(); err != nil {
			writeError(w, h.logger, err)
			return
		}
		if seen[entry.AgentCode] {
			writeError(w, h.logger, types.InvalidInput("agent code %s appears more than once", entry.AgentCode))
			return
		}
		seen[entry.AgentCode] = true
	}

	now := time.Now().UTC()
	registered := 0
	duplicates := []string{}
	for _, entry := range roster {
		err := h.create(r.Context(), entry.agent(now))
		switch {
		case err == nil:
			registered++
		case errors.Is(err, storage.ErrConflict):
			duplicates = append(duplicates, entry.AgentCode)
		default:
			writeError(w, h.logger, types.StoreUnavailable("create agent", err))
			return
		}
	}

	h.logger.Info().
		Int("registered", registered).
		Strs("duplicates", duplicates).
		Msg("roster received")

	if registered == 0 {
		h.logger.Warn().Strs("duplicates", duplicates).Msg("roster rejected, all codes already registered")
		writeJSON(w, http.StatusConflict, errorResponse{Error: types.ErrorPayload{
			Kind:    types.KindInvalidInput,
			Message: fmt.Sprintf("agent codes already registered: %s", strings.Join(duplicates, ", ")),
		}})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"registered": registered,
		"duplicates": duplicates,
	})
}

func (h *RosterHandler) create(ctx context.Context, agent *types.Agent) error {
	ctx, cancel := context.WithTimeout(ctx, h.storeTimeout)
	defer cancel()
	return h.store.Create(ctx, agent)
}
