package audit

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const maxQueryLimit = 1000

// Handler exposes audit events to operators over HTTP. Requests must carry
// the admin key as a bearer token; the key is validated against a bcrypt
// hash so the cleartext never lives in configuration.
type Handler struct {
	logger  Logger
	keyHash []byte
}

// HandlerConfig configures the audit query endpoint.
type HandlerConfig struct {
	Logger Logger

	// AdminKeyHash is the bcrypt hash of the admin key.
	AdminKeyHash string
}

// NewHandler creates the audit query handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		logger:  cfg.Logger,
		keyHash: []byte(cfg.AdminKeyHash),
	}
}

// ServeHTTP handles GET requests for audit events.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "GET required"})
		return
	}

	if !h.authorize(r) {
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: "invalid admin key"})
		return
	}

	filter, err := filterFromQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	events, err := h.logger.Query(r.Context(), filter)
	if err != nil {
		slog.Error("audit: query failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
		return
	}

	writeJSON(w, http.StatusOK, eventsBody{Events: events})
}

// authorize checks the bearer token against the configured bcrypt hash.
func (h *Handler) authorize(r *http.Request) bool {
	if len(h.keyHash) == 0 {
		return false
	}
	auth := r.Header.Get("Authorization")
	key, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(h.keyHash, []byte(key)) == nil
}

// filterFromQuery builds a QueryFilter from request parameters.
func filterFromQuery(r *http.Request) (QueryFilter, error) {
	q := r.URL.Query()
	filter := QueryFilter{
		SessionHash: q.Get("session_hash"),
		Action:      q.Get("action"),
		Limit:       100,
	}

	if v := q.Get("success"); v != "" {
		success, err := strconv.ParseBool(v)
		if err != nil {
			return filter, errInvalidParam("success")
		}
		filter.Success = &success
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errInvalidParam("since")
		}
		filter.StartTime = &since
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 || limit > maxQueryLimit {
			return filter, errInvalidParam("limit")
		}
		filter.Limit = limit
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			return filter, errInvalidParam("offset")
		}
		filter.Offset = offset
	}
	return filter, nil
}

type errorBody struct {
	Error string `json:"error"`
}

type eventsBody struct {
	Events []Event `json:"events"`
}

type paramError string

func errInvalidParam(name string) error { return paramError(name) }

func (e paramError) Error() string { return "invalid " + string(e) + " parameter" }

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
