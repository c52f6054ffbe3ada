// Package audit records handoff session lifecycle events for operational
// review. Session IDs are bearer credentials and are only ever stored as
// SHA-256 digests.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Actions recorded against a handoff session.
const (
	// ActionFulfilled is logged when the callback writes a record.
	ActionFulfilled = "fulfilled"

	// ActionConsumed is logged when a poll hands tokens to the CLI.
	ActionConsumed = "consumed"

	// ActionCancelled is logged on an explicit cancel.
	ActionCancelled = "cancelled"

	// ActionDuplicate is logged when a callback collides with a live record.
	ActionDuplicate = "duplicate"

	// ActionError is logged when the provider leg of the flow fails.
	ActionError = "error"
)

// Event represents a single lifecycle event.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`

	// SessionHash is the SHA-256 hex digest of the session ID.
	SessionHash string `json:"session_hash"`

	Action       string `json:"action"`
	UserID       string `json:"user_id,omitempty"`
	UserEmail    string `json:"user_email,omitempty"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// QueryFilter defines criteria for querying events.
type QueryFilter struct {
	StartTime   *time.Time
	EndTime     *time.Time
	SessionHash string
	Action      string
	Success     *bool
	Limit       int
	Offset      int
}

// Logger defines the interface for audit logging.
type Logger interface {
	// Log records an event.
	Log(ctx context.Context, event Event) error

	// Query retrieves events matching the filter, newest first.
	Query(ctx context.Context, filter QueryFilter) ([]Event, error)

	// Close releases resources.
	Close() error
}

// HashSessionID returns the SHA-256 hex digest of a session ID, or empty
// for an empty ID.
func HashSessionID(id string) string {
	if id == "" {
		return ""
	}
	h := sha256.Sum256([]byte(id))
	return hex.EncodeToString(h[:])
}
