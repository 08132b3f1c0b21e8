package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// SessionRetirer forces an agent offline and reports the retired session
type SessionRetirer interface {
	LogoutAgent(ctx context.Context, agentID string) (string, error)
}

// SessionNotifier tells a live connection its session has ended
type SessionNotifier interface {
	NotifySessionEnded(sessionID, reason string)
}

// AgentActionsHandler provides REST endpoints for agent control actions
type AgentActionsHandler struct {
	presence SessionRetirer
	notifier SessionNotifier
	logger   zerolog.Logger
}

// NewAgentActionsHandler creates a new AgentActionsHandler
func NewAgentActionsHandler(presence SessionRetirer, notifier SessionNotifier, logger zerolog.Logger) *AgentActionsHandler {
	return &AgentActionsHandler{
		presence: presence,
		notifier: notifier,
		logger:   logger.With().Str("component", "agent_actions").Logger(),
	}
}

// Logout handles POST /api/agents/{id}/logout
func (h *AgentActionsHandler) Logout(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")

	sessionID, err := h.presence.LogoutAgent(r.Context(), agentID)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	if sessionID != "" && h.notifier != nil {
		h.notifier.NotifySessionEnded(sessionID, "forced logout")
	}

	h.logger.Info().
		Str("agent_id", agentID).
		Str("session_id", sessionID).
		Msg("agent logged out via API")

	writeJSON(w, http.StatusOK, map[string]any{
		"message":        "agent logged out",
		"agentId":        agentID,
		"sessionRetired": sessionID != "",
	})
}
