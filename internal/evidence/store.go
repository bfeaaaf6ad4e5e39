// Package evidence stores the tamper-evident audit trail of the action
// core. Every policy decision, consent outcome, and action completion is
// appended here with an HMAC-SHA256 signature so later inspection can
// detect modified or fabricated entries.
package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	carepilototel "github.com/carepilot-io/carepilot/internal/otel"
)

var tracer = carepilototel.Tracer("github.com/carepilot-io/carepilot/internal/evidence")

// Event types written by the action core.
const (
	TypeActionStarted  = "action_started"
	TypeActionFinished = "action_finished"
	TypePolicyDenied   = "policy_denied"
	TypeConsentDenied  = "consent_denied"
	TypeConsentIssued  = "consent_issued"
	TypeHookFailure    = "hook_failure"
	TypeReplayServed   = "replay_served"
)

// Event is one signed audit entry.
type Event struct {
	ID        string                 `json:"id"`
	ActionID  string                 `json:"action_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	EventType string                 `json:"event_type"`
	ToolName  string                 `json:"tool_name,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Signature string                 `json:"signature,omitempty"`
}

// Store saves signed audit events in SQLite.
type Store struct {
	db     *sql.DB
	signer *Signer
}

// NewStore creates an audit event store with HMAC signing.
func NewStore(dbPath string, signingKey string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		action_id TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		tool_name TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMP NOT NULL,
		event_json TEXT NOT NULL,
		signature TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_events(action_id);
	CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_events(user_id);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_events(timestamp);
	`

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	signer, err := NewSigner(signingKey)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}

	return &Store{db: db, signer: signer}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append signs and stores an audit event. Assigns ID and timestamp when
// unset.
func (s *Store) Append(ctx context.Context, ev *Event) error {
	ctx, span := tracer.Start(ctx, "evidence.append",
		trace.WithAttributes(
			attribute.String("audit.event_type", ev.EventType),
			attribute.String("audit.action_id", ev.ActionID),
		))
	defer span.End()

	if ev.ID == "" {
		ev.ID = "evt_" + uuid.New().String()[:12]
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling audit event: %w", err)
	}

	signature, err := s.signer.Sign(eventJSON)
	if err != nil {
		return fmt.Errorf("signing audit event: %w", err)
	}

	ev.Signature = signature
	eventJSONWithSig, _ := json.Marshal(ev)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, action_id, user_id, event_type, tool_name, timestamp, event_json, signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ActionID, ev.UserID, ev.EventType, ev.ToolName,
		ev.Timestamp, string(eventJSONWithSig), signature)
	if err != nil {
		return fmt.Errorf("storing audit event: %w", err)
	}

	span.SetAttributes(attribute.String("audit.event_id", ev.ID))
	return nil
}

// Get retrieves an audit event by ID.
func (s *Store) Get(ctx context.Context, id string) (*Event, error) {
	ctx, span := tracer.Start(ctx, "evidence.get",
		trace.WithAttributes(attribute.String("audit.event_id", id)))
	defer span.End()

	var eventJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT event_json FROM audit_events WHERE id = ?`, id).Scan(&eventJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("audit event %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying audit event: %w", err)
	}

	var ev Event
	if err := json.Unmarshal([]byte(eventJSON), &ev); err != nil {
		return nil, fmt.Errorf("unmarshaling audit event: %w", err)
	}
	return &ev, nil
}

// List returns audit events filtered by user and/or action, newest first.
func (s *Store) List(ctx context.Context, userID, actionID string, limit int) ([]Event, error) {
	ctx, span := tracer.Start(ctx, "evidence.list",
		trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	query := `SELECT event_json FROM audit_events WHERE 1=1`
	args := []interface{}{}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	if actionID != "" {
		query += ` AND action_id = ?`
		args = append(args, actionID)
	}
	query += ` ORDER BY timestamp DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}
	defer rows.Close()

	var results []Event
	for rows.Next() {
		var eventJSON string
		if err := rows.Scan(&eventJSON); err != nil {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(eventJSON), &ev); err != nil {
			continue
		}
		results = append(results, ev)
	}
	return results, rows.Err()
}

// Verify checks an event's signature against its stored content.
// The signature covers the event as signed (signature field empty).
func (s *Store) Verify(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer.Start(ctx, "evidence.verify",
		trace.WithAttributes(attribute.String("audit.event_id", id)))
	defer span.End()

	ev, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}

	signature := ev.Signature
	ev.Signature = ""
	unsigned, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("marshaling audit event for verification: %w", err)
	}

	valid := s.signer.Verify(unsigned, signature)
	span.SetAttributes(attribute.Bool("audit.signature_valid", valid))
	return valid, nil
}

// Purge deletes audit events older than retentionDays. Returns the number
// deleted.
func (s *Store) Purge(ctx context.Context, retentionDays int) (int64, error) {
	ctx, span := tracer.Start(ctx, "evidence.purge",
		trace.WithAttributes(attribute.Int("retention_days", retentionDays)))
	defer span.End()

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging audit events: %w", err)
	}

	affected, _ := result.RowsAffected()
	span.SetAttributes(attribute.Int64("audit.purged", affected))
	return affected, nil
}
