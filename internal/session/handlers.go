package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/forgelight-games/forgelight-fleet/internal/contracts"
	"github.com/forgelight-games/forgelight-fleet/pkg/apierror"
	"github.com/redis/go-redis/v9"
)

// StatusReader serves the session-status projection.
type StatusReader interface {
	GetStatus(ctx context.Context, sessionID string) (string, error)
}

// Handler is the ops surface over coordinator state: session create/close
// plus the thin read-only projections. manager may be nil for a read-only
// surface.
type Handler struct {
	registry *Registry
	status   StatusReader
	manager  *Manager
}

func NewHandler(registry *Registry, status StatusReader, manager *Manager) *Handler {
	return &Handler{registry: registry, status: status, manager: manager}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/sessions", h.handleCreateSession)
	mux.HandleFunc("/v1/sessions/", h.handleSessionRoutes)
}

// CreateSessionRequest is the POST /v1/sessions body.
type CreateSessionRequest struct {
	SessionID        string            `json:"session_id,omitempty"`
	Roster           []string          `json:"roster,omitempty"`
	GameParameters   map[string]string `json:"game_parameters,omitempty"`
	Public           bool              `json:"public,omitempty"`
	DedicatedServer  bool              `json:"dedicated_server,omitempty"`
	CanRestart       bool              `json:"can_restart,omitempty"`
	CloseWhenEmpty   bool              `json:"close_when_empty,omitempty"`
	PreferredRegions []string          `json:"preferred_regions,omitempty"`
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		apierror.WriteMethodNotAllowed(w, http.MethodPost)
		return
	}
	if h.manager == nil {
		apierror.Write(w, http.StatusNotImplemented, "read_only", "this instance does not host sessions")
		return
	}
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	coordinator, err := h.manager.CreateSession(Config{
		SessionID:        req.SessionID,
		Roster:           req.Roster,
		GameParameters:   req.GameParameters,
		Public:           req.Public,
		DedicatedServer:  req.DedicatedServer,
		ServerCredential: newUUID(),
		CanRestart:       req.CanRestart,
		CloseWhenEmpty:   req.CloseWhenEmpty,
		PreferredRegions: req.PreferredRegions,
	})
	if errors.Is(err, ErrSessionExists) {
		apierror.Write(w, http.StatusConflict, "session_exists", "session already exists")
		return
	}
	if err != nil {
		apierror.Write(w, http.StatusInternalServerError, "create_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"session_id": coordinator.cfg.SessionID,
		"status":     coordinator.Status().String(),
	})
}

func (h *Handler) handleSessionRoutes(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/sessions/"), "/")
	if r.Method == http.MethodDelete && len(parts) == 1 && parts[0] != "" {
		h.handleCloseSession(w, r, parts[0])
		return
	}
	if r.Method != http.MethodGet {
		apierror.WriteMethodNotAllowed(w, http.MethodGet)
		return
	}
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	sessionID := parts[0]
	switch parts[1] {
	case "status":
		h.handleStatus(w, r, sessionID)
	case "logs":
		h.handleLogs(w, r, sessionID)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handleCloseSession(w http.ResponseWriter, r *http.Request, sessionID string) {
	if h.manager == nil {
		apierror.Write(w, http.StatusNotImplemented, "read_only", "this instance does not host sessions")
		return
	}
	if err := h.manager.CloseSession(r.Context(), sessionID); err != nil {
		apierror.Write(w, http.StatusNotFound, "session_not_found", "session is not hosted here")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": sessionID, "status": StatusShutdown.String()})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request, sessionID string) {
	status, err := h.status.GetStatus(r.Context(), sessionID)
	if errors.Is(err, redis.Nil) {
		apierror.Write(w, http.StatusNotFound, "session_not_found", "no such session")
		return
	}
	if err != nil {
		apierror.Write(w, http.StatusInternalServerError, "status_unavailable", err.Error())
		return
	}

	resp := map[string]any{"session_id": sessionID, "status": status}
	if coordinator, ok := h.registry.Get(sessionID); ok {
		resp["players"] = coordinator.Players()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleLogs(w http.ResponseWriter, r *http.Request, sessionID string) {
	coordinator, ok := h.registry.Get(sessionID)
	if !ok {
		apierror.Write(w, http.StatusNotFound, "session_not_found", "session is not hosted here")
		return
	}
	batches, err := coordinator.QueryLogs(r.Context(), contracts.ContainerLogsParameters{})
	if err != nil {
		if errors.Is(err, ErrNotStarted) {
			apierror.Write(w, http.StatusConflict, "session_not_started", "no game server instance")
			return
		}
		apierror.Write(w, http.StatusInternalServerError, "logs_unavailable", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for batch := range batches {
		for _, line := range batch.Lines {
			_ = enc.Encode(map[string]string{"line": line})
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
