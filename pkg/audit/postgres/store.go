// Package postgres provides PostgreSQL storage for audit events.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/txn2/oauth-relay/pkg/audit"
)

const defaultRetentionDays = 90

// psq is the PostgreSQL statement builder with dollar placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// auditColumns lists columns returned by audit SELECT queries.
var auditColumns = []string{
	"id", "timestamp", "session_hash", "action",
	"user_id", "user_email", "success", "error_message",
}

// Store implements audit.Logger using PostgreSQL.
type Store struct {
	db            *sql.DB
	retentionDays int
	cancel        context.CancelFunc
	done          chan struct{}
}

// Config configures the PostgreSQL audit store.
type Config struct {
	RetentionDays int
}

// New creates a new PostgreSQL audit store.
func New(db *sql.DB, cfg Config) *Store {
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = defaultRetentionDays
	}
	return &Store{
		db:            db,
		retentionDays: cfg.RetentionDays,
	}
}

// Log records an audit event.
func (s *Store) Log(ctx context.Context, event audit.Event) error {
	query := `
		INSERT INTO handoff_audit
		(id, timestamp, session_hash, action, user_id, user_email, success, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.Timestamp,
		event.SessionHash,
		event.Action,
		event.UserID,
		event.UserEmail,
		event.Success,
		event.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	return nil
}

// Query retrieves events matching the filter, newest first.
func (s *Store) Query(ctx context.Context, filter audit.QueryFilter) ([]audit.Event, error) {
	qb := psq.Select(auditColumns...).
		From("handoff_audit").
		OrderBy("timestamp DESC")

	qb = applyFilter(qb, filter)

	if filter.Limit > 0 {
		qb = qb.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		qb = qb.Offset(uint64(filter.Offset))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building audit query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []audit.Event
	for rows.Next() {
		var e audit.Event
		if err := rows.Scan(
			&e.ID, &e.Timestamp, &e.SessionHash, &e.Action,
			&e.UserID, &e.UserEmail, &e.Success, &e.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("scanning audit event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit rows: %w", err)
	}
	return events, nil
}

// applyFilter adds filter conditions to a SELECT builder.
func applyFilter(qb sq.SelectBuilder, filter audit.QueryFilter) sq.SelectBuilder {
	if filter.SessionHash != "" {
		qb = qb.Where(sq.Eq{"session_hash": filter.SessionHash})
	}
	if filter.Action != "" {
		qb = qb.Where(sq.Eq{"action": filter.Action})
	}
	if filter.Success != nil {
		qb = qb.Where(sq.Eq{"success": *filter.Success})
	}
	if filter.StartTime != nil {
		qb = qb.Where(sq.GtOrEq{"timestamp": *filter.StartTime})
	}
	if filter.EndTime != nil {
		qb = qb.Where(sq.LtOrEq{"timestamp": *filter.EndTime})
	}
	return qb
}

// Cleanup removes events older than the retention window.
func (s *Store) Cleanup(ctx context.Context) error {
	query := `DELETE FROM handoff_audit WHERE timestamp < NOW() - $1::interval`
	_, err := s.db.ExecContext(ctx, query, fmt.Sprintf("%d days", s.retentionDays))
	if err != nil {
		return fmt.Errorf("cleaning up audit events: %w", err)
	}
	return nil
}

// StartRetentionRoutine starts a background goroutine that periodically
// removes events past retention. Stopped by Close.
func (s *Store) StartRetentionRoutine(interval time.Duration) {
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
					slog.Warn("audit retention cleanup failed", "error", err)
				}
			}
		}
	}()
}

// Close stops the retention goroutine and waits for it to exit.
// It is safe to call Close even if StartRetentionRoutine was never called.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// Verify interface compliance.
var _ audit.Logger = (*Store)(nil)
