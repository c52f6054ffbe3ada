// Package handoff implements the ephemeral session store that relays the
// result of a browser-completed OAuth flow to a headless CLI. The OAuth
// callback writes a record exactly once, the CLI's poll consumes it at most
// once, and anything left over expires or is cancelled. All terminal states
// look identical from the outside: the record is simply absent.
package handoff

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateSession is returned by Put when a live record already exists
// for the session ID. A confused or duplicate callback must never overwrite
// a fulfilled record.
var ErrDuplicateSession = errors.New("handoff: session already fulfilled")

// Identity is the snapshot of the authenticated user captured when the
// record is fulfilled.
type Identity struct {
	ID     string `json:"id"`
	Email  string `json:"email,omitempty"`
	Handle string `json:"handle,omitempty"`
}

// Record bridges browser OAuth completion to CLI retrieval.
type Record struct {
	// SessionID is the CLI-generated identifier for the flow. It doubles as
	// the bearer credential for retrieval, so it must be unguessable.
	SessionID string

	AccessToken  string
	RefreshToken string

	// ExpiresAt is the provider access token expiry as Unix seconds.
	ExpiresAt int64

	User Identity

	// CreatedAt starts the record's TTL clock. Stamped by Put.
	CreatedAt time.Time
}

// Store defines the handoff record persistence contract. Mutating
// operations are linearizable with respect to a single session ID.
type Store interface {
	// Put stores a record under its session ID and starts its TTL clock.
	// Returns ErrDuplicateSession when a live record already exists.
	Put(ctx context.Context, rec *Record) error

	// Consume atomically retrieves and removes a record. Among concurrent
	// callers for the same session ID exactly one receives the record.
	// Returns nil, nil when no live record exists, whether it was never
	// written, already consumed, cancelled, or expired.
	Consume(ctx context.Context, sessionID string) (*Record, error)

	// Delete removes a record if present. It is idempotent.
	Delete(ctx context.Context, sessionID string) error

	// Cleanup removes expired records.
	Cleanup(ctx context.Context) error

	// Close stops background routines and releases resources.
	Close() error
}
