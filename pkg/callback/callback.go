// Package callback receives the identity provider's redirect and writes the
// handoff record the CLI is polling for. Failures are reported to the human
// in the browser, never through the store; the CLI only learns of them by
// its poll deadline expiring.
package callback

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/oauth-relay/pkg/audit"
	"github.com/txn2/oauth-relay/pkg/handoff"
)

// Handler handles the provider redirect carrying code or error, with the
// CLI-generated session ID round-tripped through the state parameter.
type Handler struct {
	store      handoff.Store
	exchanger  TokenExchanger
	successURL string
	errorURL   string
	audit      audit.Logger
}

// HandlerConfig configures the callback handler.
type HandlerConfig struct {
	Store     handoff.Store
	Exchanger TokenExchanger

	// SuccessURL and ErrorURL are the terminal browser pages.
	SuccessURL string
	ErrorURL   string

	// Audit receives lifecycle events. Optional.
	Audit audit.Logger
}

// NewHandler creates the callback handler.
func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Audit
	if logger == nil {
		logger = audit.NewNopLogger()
	}
	return &Handler{
		store:      cfg.Store,
		exchanger:  cfg.Exchanger,
		successURL: cfg.SuccessURL,
		errorURL:   cfg.ErrorURL,
		audit:      logger,
	}
}

// ServeHTTP processes the provider redirect.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()
	sessionID := q.Get("state")

	if provErr := q.Get("error"); provErr != "" {
		slog.Warn("callback: provider returned error",
			"error", provErr, "description", q.Get("error_description"))
		h.logEvent(r, sessionID, audit.ActionError, handoff.Identity{}, provErr)
		h.redirectError(w, r, "provider_error")
		return
	}

	code := q.Get("code")
	if sessionID == "" || code == "" {
		slog.Warn("callback: missing code or state")
		h.logEvent(r, sessionID, audit.ActionError, handoff.Identity{}, "missing code or state")
		h.redirectError(w, r, "invalid_request")
		return
	}

	grant, err := h.exchanger.Exchange(r.Context(), code)
	if err != nil {
		slog.Error("callback: code exchange failed",
			"session_hash", audit.HashSessionID(sessionID), "error", err)
		h.logEvent(r, sessionID, audit.ActionError, handoff.Identity{}, err.Error())
		h.redirectError(w, r, "exchange_failed")
		return
	}

	rec := &handoff.Record{
		SessionID:    sessionID,
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    grant.ExpiresAt,
		User:         grant.User,
	}
	if err := h.store.Put(r.Context(), rec); err != nil {
		if errors.Is(err, handoff.ErrDuplicateSession) {
			slog.Warn("callback: duplicate session id",
				"session_hash", audit.HashSessionID(sessionID))
			h.logEvent(r, sessionID, audit.ActionDuplicate, grant.User, "session already fulfilled")
			h.redirectError(w, r, "duplicate_session")
			return
		}
		slog.Error("callback: storing handoff record failed",
			"session_hash", audit.HashSessionID(sessionID), "error", err)
		h.logEvent(r, sessionID, audit.ActionError, grant.User, err.Error())
		h.redirectError(w, r, "storage_error")
		return
	}

	slog.Info("callback: session fulfilled",
		"session_hash", audit.HashSessionID(sessionID), "user_id", grant.User.ID)
	h.logEventSuccess(r, sessionID, grant.User)

	http.Redirect(w, r, h.successURL, http.StatusFound)
}

// redirectError routes the browser to the error page with the reason
// attached so the page can render a message for the human.
func (h *Handler) redirectError(w http.ResponseWriter, r *http.Request, reason string) {
	target := h.errorURL
	if u, err := url.Parse(h.errorURL); err == nil {
		q := u.Query()
		q.Set("reason", reason)
		u.RawQuery = q.Encode()
		target = u.String()
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Handler) logEventSuccess(r *http.Request, sessionID string, user handoff.Identity) {
	h.log(r, audit.Event{
		SessionHash: audit.HashSessionID(sessionID),
		Action:      audit.ActionFulfilled,
		UserID:      user.ID,
		UserEmail:   user.Email,
		Success:     true,
	})
}

func (h *Handler) logEvent(r *http.Request, sessionID, action string, user handoff.Identity, msg string) {
	h.log(r, audit.Event{
		SessionHash:  audit.HashSessionID(sessionID),
		Action:       action,
		UserID:       user.ID,
		UserEmail:    user.Email,
		Success:      false,
		ErrorMessage: msg,
	})
}

func (h *Handler) log(r *http.Request, event audit.Event) {
	event.ID = uuid.NewString()
	event.Timestamp = time.Now().UTC()
	if err := h.audit.Log(r.Context(), event); err != nil {
		slog.Warn("callback: audit log failed", "action", event.Action, "error", err)
	}
}
