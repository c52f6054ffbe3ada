package handoff

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/oauth-relay/pkg/audit"
)

// Handler serves the CLI polling protocol over a single session resource:
// GET polls for (and consumes) a record, DELETE cancels one. A 404 covers
// pending and every terminal state alike; the CLI's own deadline bounds the
// poll loop.
type Handler struct {
	store Store
	audit audit.Logger
}

// HandlerConfig configures the polling endpoint.
type HandlerConfig struct {
	Store Store

	// Audit receives lifecycle events. Optional.
	Audit audit.Logger
}

// NewHandler creates the polling endpoint handler.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Audit
	if logger == nil {
		logger = audit.NewNopLogger()
	}
	return &Handler{
		store: cfg.Store,
		audit: logger,
	}
}

// tokenResponse is the body returned to the CLI on a successful poll.
type tokenResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresAt    int64    `json:"expires_at"`
	User         Identity `json:"user"`
}

type cancelResponse struct {
	Success bool `json:"success"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ServeHTTP dispatches poll and cancel operations.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handlePoll(w, r)
	case http.MethodDelete:
		h.handleCancel(w, r)
	default:
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
	}
}

// handlePoll consumes the record if present. The first winning poll
// exhausts it; every later poll sees the same 404 as a session that never
// existed.
func (h *Handler) handlePoll(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "session_id is required"})
		return
	}

	rec, err := h.store.Consume(r.Context(), sessionID)
	if err != nil {
		slog.Error("handoff: consume failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "session not found"})
		return
	}

	h.logEvent(r, audit.Event{
		SessionHash: audit.HashSessionID(sessionID),
		Action:      audit.ActionConsumed,
		UserID:      rec.User.ID,
		UserEmail:   rec.User.Email,
		Success:     true,
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		ExpiresAt:    rec.ExpiresAt,
		User:         rec.User,
	})
}

// handleCancel drops the record unconditionally. Cancelling an absent or
// already-consumed session succeeds the same way.
func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "session_id is required"})
		return
	}

	if err := h.store.Delete(r.Context(), sessionID); err != nil {
		slog.Error("handoff: delete failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
		return
	}

	h.logEvent(r, audit.Event{
		SessionHash: audit.HashSessionID(sessionID),
		Action:      audit.ActionCancelled,
		Success:     true,
	})

	writeJSON(w, http.StatusOK, cancelResponse{Success: true})
}

func (h *Handler) logEvent(r *http.Request, event audit.Event) {
	event.ID = uuid.NewString()
	event.Timestamp = time.Now().UTC()
	if err := h.audit.Log(r.Context(), event); err != nil {
		slog.Warn("handoff: audit log failed", "action", event.Action, "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
