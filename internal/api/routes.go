package api

import (
	"github.com/go-chi/chi/v5"
)

// Handlers groups the REST handlers mounted by the server
type Handlers struct {
	Agents      *AgentsHandler
	Performance *PerformanceHandler
	Actions     *AgentActionsHandler
	Roster      *RosterHandler
	Calls       *CallsHandler
}

// Mount registers the public /api routes and the /internal intake routes
func (h *Handlers) Mount(r chi.Router) {
	r.Route("/api/agents", func(r chi.Router) {
		r.Get("/", h.Agents.List)
		r.Get("/status/summary", h.Agents.Summary)
		r.Get("/{id}", h.Agents.Get)
		r.Get("/{id}/history", h.Agents.History)
		r.Patch("/{id}/status", h.Agents.ChangeStatus)
		r.Get("/{id}/performance", h.Performance.Get)
		r.Post("/{id}/logout", h.Actions.Logout)
	})

	// Internal routes for provisioning and telephony collaborators
	r.Route("/internal", func(r chi.Router) {
		r.Post("/agents/roster", h.Roster.HandleRoster)
		r.Post("/calls", h.Calls.HandleCall)
		r.Get("/calls/stats", h.Calls.GetStats)
	})
}
