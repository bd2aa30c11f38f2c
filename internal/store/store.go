// ABOUTME: SQLite-backed security store for auth failure records and audit events
// ABOUTME: Always opens in-memory; nothing here survives the process, by design

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// EventType classifies a security audit event.
type EventType string

const (
	EventGatewayStart  EventType = "gateway_start"
	EventGatewayStop   EventType = "gateway_stop"
	EventAuthFailure   EventType = "auth_failure"
	EventLockout       EventType = "lockout"
	EventSessionIssued EventType = "session_issued"
)

// Event is a single entry in the security audit trail.
type Event struct {
	ID        string
	Type      EventType
	SourceID  string
	Detail    string
	Timestamp time.Time
}

// SecurityStore keeps per-source auth failure records and an append-only
// audit trail of security events. It is backed by an in-memory SQLite
// database: records live exactly as long as the process, which is what the
// lockout semantics require.
type SecurityStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSecurityStore opens the in-memory database and creates the schema.
func NewSecurityStore() (*SecurityStore, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each pooled connection would otherwise see its own empty :memory:
	// database, so pin the pool to a single connection.
	db.SetMaxOpenConns(1)

	s := &SecurityStore{
		db:     db,
		logger: slog.Default().With("component", "security-store"),
	}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

func (s *SecurityStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS failure_records (
			source_id TEXT PRIMARY KEY,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			blocked INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS security_events (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			source_id TEXT,
			detail TEXT,
			timestamp DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_security_events_timestamp
			ON security_events(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordFailure increments the failure count for a source and returns the
// new count. Creates the record on first failure.
func (s *SecurityStore) RecordFailure(ctx context.Context, sourceID string) (int, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failure_records (source_id, attempt_count, blocked, updated_at)
		VALUES (?, 1, 0, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			attempt_count = attempt_count + 1,
			updated_at = excluded.updated_at
	`, sourceID, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("recording failure: %w", err)
	}
	return s.Attempts(ctx, sourceID)
}

// Attempts returns the current failure count for a source (zero if absent).
func (s *SecurityStore) Attempts(ctx context.Context, sourceID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT attempt_count FROM failure_records WHERE source_id = ?`, sourceID).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading failure record: %w", err)
	}
	return count, nil
}

// ClearFailures deletes the failure record for a source. Blocked records
// are never cleared: a lockout is permanent for the process lifetime.
func (s *SecurityStore) ClearFailures(ctx context.Context, sourceID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM failure_records WHERE source_id = ? AND blocked = 0`, sourceID)
	if err != nil {
		return fmt.Errorf("clearing failure record: %w", err)
	}
	return nil
}

// Block marks a source as permanently blocked.
func (s *SecurityStore) Block(ctx context.Context, sourceID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO failure_records (source_id, attempt_count, blocked, updated_at)
		VALUES (?, 0, 1, ?)
		ON CONFLICT(source_id) DO UPDATE SET
			blocked = 1,
			updated_at = excluded.updated_at
	`, sourceID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("blocking source: %w", err)
	}
	return nil
}

// IsBlocked reports whether a source has been locked out.
func (s *SecurityStore) IsBlocked(ctx context.Context, sourceID string) (bool, error) {
	var blocked int
	err := s.db.QueryRowContext(ctx,
		`SELECT blocked FROM failure_records WHERE source_id = ?`, sourceID).Scan(&blocked)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading block state: %w", err)
	}
	return blocked != 0, nil
}

// CountBlocked returns how many sources are locked out.
func (s *SecurityStore) CountBlocked(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM failure_records WHERE blocked = 1`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting blocked sources: %w", err)
	}
	return count, nil
}

// AppendEvent records a security event. ID and Timestamp are generated when
// unset.
func (s *SecurityStore) AppendEvent(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO security_events (id, type, source_id, detail, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, e.ID, string(e.Type), e.SourceID, e.Detail, e.Timestamp)
	if err != nil {
		return fmt.Errorf("appending security event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit events, newest first.
func (s *SecurityStore) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, source_id, detail, timestamp
		FROM security_events
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing security events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var typ string
		if err := rows.Scan(&e.ID, &typ, &e.SourceID, &e.Detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning security event: %w", err)
		}
		e.Type = EventType(typ)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close releases the database.
func (s *SecurityStore) Close() error {
	return s.db.Close()
}
