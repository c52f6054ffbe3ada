// Package postgres provides PostgreSQL storage for handoff records, for
// deployments running the relay behind more than one instance.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/txn2/oauth-relay/pkg/handoff"
)

// Store implements handoff.Store using PostgreSQL. Atomicity of Consume
// rides on the row delete: only one transaction gets the RETURNING row.
type Store struct {
	db     *sql.DB
	ttl    time.Duration
	cancel context.CancelFunc
	done   chan struct{}
}

// Config configures the PostgreSQL handoff store.
type Config struct {
	TTL time.Duration
}

// New creates a new PostgreSQL handoff store.
func New(db *sql.DB, cfg Config) *Store {
	return &Store{
		db:  db,
		ttl: cfg.TTL,
	}
}

// Put inserts a record. The insert never touches an existing row; a
// conflicting live row surfaces as ErrDuplicateSession. Session IDs carry
// enough entropy that colliding with a stale unswept row is not a case
// worth distinguishing from a duplicate callback.
func (s *Store) Put(ctx context.Context, rec *handoff.Record) error {
	query := `
		INSERT INTO handoff_sessions
		(id, access_token, refresh_token, token_expires_at, user_id, user_email, user_handle, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		rec.SessionID,
		rec.AccessToken,
		rec.RefreshToken,
		rec.ExpiresAt,
		rec.User.ID,
		rec.User.Email,
		rec.User.Handle,
	)
	if err != nil {
		return fmt.Errorf("inserting handoff record: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking handoff insert: %w", err)
	}
	if inserted == 0 {
		return handoff.ErrDuplicateSession
	}
	return nil
}

// Consume deletes the row for sessionID and returns it if it was still
// within TTL. The liveness check is evaluated against the database clock in
// the same statement, so an expired row is removed but reported absent.
func (s *Store) Consume(ctx context.Context, sessionID string) (*handoff.Record, error) {
	query := `
		DELETE FROM handoff_sessions
		WHERE id = $1
		RETURNING id, access_token, refresh_token, token_expires_at,
		          user_id, user_email, user_handle, created_at,
		          (created_at > NOW() - $2::interval) AS live
	`
	row := s.db.QueryRowContext(ctx, query, sessionID, s.ttlInterval())

	var rec handoff.Record
	var live bool
	err := row.Scan(
		&rec.SessionID, &rec.AccessToken, &rec.RefreshToken, &rec.ExpiresAt,
		&rec.User.ID, &rec.User.Email, &rec.User.Handle, &rec.CreatedAt,
		&live,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // Store contract: nil, nil for absent
	}
	if err != nil {
		return nil, fmt.Errorf("consuming handoff record: %w", err)
	}
	if !live {
		return nil, nil //nolint:nilnil // Store contract: nil, nil for expired
	}
	return &rec, nil
}

// Delete removes a record. Removing an absent record is not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	query := `DELETE FROM handoff_sessions WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("deleting handoff record: %w", err)
	}
	return nil
}

// Cleanup removes expired records.
func (s *Store) Cleanup(ctx context.Context) error {
	query := `DELETE FROM handoff_sessions WHERE created_at <= NOW() - $1::interval`
	if _, err := s.db.ExecContext(ctx, query, s.ttlInterval()); err != nil {
		return fmt.Errorf("cleaning up handoff records: %w", err)
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically
// removes expired records. The goroutine is stopped when Close is called.
func (s *Store) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Cleanup(ctx); err != nil {
					slog.Warn("handoff cleanup failed", "error", err)
				}
			}
		}
	}()
}

// Close stops the cleanup goroutine and waits for it to exit.
// It is safe to call Close even if StartCleanupRoutine was never called.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

func (s *Store) ttlInterval() string {
	return fmt.Sprintf("%d seconds", int(s.ttl.Seconds()))
}

// Verify interface compliance.
var _ handoff.Store = (*Store)(nil)
