package fleet

import (
	"encoding/json"
	"net/http"

	"github.com/forgelight-games/forgelight-fleet/pkg/apierror"
)

// Handler is the read-only ops surface over the agent registry.
type Handler struct {
	scheduler *Scheduler
}

func NewHandler(scheduler *Scheduler) *Handler {
	return &Handler{scheduler: scheduler}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/agents", h.handleAgents)
}

func (h *Handler) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		apierror.WriteMethodNotAllowed(w, http.MethodGet)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{"agents": h.scheduler.Agents()})
}
