package lifecycle

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	carepilototel "github.com/carepilot-io/carepilot/internal/otel"
)

var tracer = carepilototel.Tracer("github.com/carepilot-io/carepilot/internal/lifecycle")

// ErrActionNotFound is returned when an action record does not exist for
// the given user.
var ErrActionNotFound = errors.New("action not found")

const schema = `
CREATE TABLE IF NOT EXISTS action_records (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    session_id TEXT NOT NULL DEFAULT '',
    action_type TEXT NOT NULL,
    state TEXT NOT NULL,
    payload_sealed TEXT NOT NULL DEFAULT '',
    payload_hash TEXT NOT NULL,
    idempotency_key TEXT NOT NULL,
    replay_bucket TEXT NOT NULL,
    consent_token_id TEXT NOT NULL DEFAULT '',
    consent_snapshot INTEGER NOT NULL DEFAULT 0,
    policy_code TEXT NOT NULL DEFAULT '',
    error_code TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    result_sealed TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    finished_at TIMESTAMP,
    UNIQUE(user_id, idempotency_key, replay_bucket)
);

CREATE INDEX IF NOT EXISTS idx_actions_user ON action_records(user_id);
CREATE INDEX IF NOT EXISTS idx_actions_state ON action_records(state);
CREATE INDEX IF NOT EXISTS idx_actions_created ON action_records(created_at);

CREATE TABLE IF NOT EXISTS action_transitions (
    id TEXT PRIMARY KEY,
    action_id TEXT NOT NULL,
    from_state TEXT NOT NULL,
    to_state TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transitions_action ON action_transitions(action_id);
`

// Record is a persisted tool action with its full lifecycle metadata.
type Record struct {
	ID             string                 `json:"id"`
	UserID         string                 `json:"user_id"`
	SessionID      string                 `json:"session_id,omitempty"`
	ActionType     string                 `json:"action_type"`
	State          State                  `json:"state"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	PayloadHash    string                 `json:"payload_hash"`
	IdempotencyKey string                 `json:"idempotency_key"`
	ReplayBucket   string                 `json:"replay_bucket"`
	ConsentTokenID string                 `json:"consent_token_id,omitempty"`
	// ConsentSnapshot records whether the caller presented a consent token
	// when the action started, independent of whether it later validated.
	ConsentSnapshot bool                   `json:"consent_snapshot"`
	PolicyCode      string                 `json:"policy_code,omitempty"`
	ErrorCode       string                 `json:"error_code,omitempty"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	Result          map[string]interface{} `json:"result,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	FinishedAt      *time.Time             `json:"finished_at,omitempty"`
}

// TransitionRecord is one audit entry in an action's state history.
type TransitionRecord struct {
	ID        string    `json:"id"`
	ActionID  string    `json:"action_id"`
	FromState State     `json:"from_state"`
	ToState   State     `json:"to_state"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// StartRequest carries the inputs for creating a new action record. The
// consent fields snapshot what the caller presented at start time so the
// ledger records consent posture even for actions that never execute.
type StartRequest struct {
	UserID          string
	SessionID       string
	ActionType      string
	Payload         map[string]interface{}
	PayloadHash     string
	IdempotencyKey  string
	ConsentTokenID  string
	ConsentSnapshot bool
}

// Update carries optional fields to merge into a record during a
// transition. Empty fields leave the stored value untouched.
type Update struct {
	Reason         string
	ConsentTokenID string
	PolicyCode     string
	ErrorCode      string
	ErrorMessage   string
	Result         map[string]interface{}
}

// Store persists action records in SQLite. Payloads and results are
// sealed with secretbox before they touch disk.
type Store struct {
	db           *sql.DB
	sealer       *sealer
	replayWindow time.Duration
}

// NewStore opens the action ledger, initializing the schema.
// sealingKey must be 32 raw bytes or 64 hex characters.
func NewStore(dbPath, sealingKey string, replayWindow time.Duration) (*Store, error) {
	s, err := newSealer(sealingKey)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening action database: %w", err)
	}

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating action schema: %w", err)
	}

	if replayWindow <= 0 {
		replayWindow = time.Hour
	}

	return &Store{db: db, sealer: s, replayWindow: replayWindow}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ReplayWindow returns the configured replay bucket width.
func (s *Store) ReplayWindow() time.Duration {
	return s.replayWindow
}

// replayBucket truncates t to the replay window in UTC. Two requests with
// the same user and idempotency key land in the same bucket while the
// window holds, and in different buckets once it rolls over.
func (s *Store) replayBucket(t time.Time) string {
	return t.UTC().Truncate(s.replayWindow).Format(time.RFC3339)
}

// Start creates a new action record in the planned state. When a record
// with the same (user, idempotency key, replay bucket) already exists, the
// existing record is returned with replayed=true and nothing is written.
func (s *Store) Start(ctx context.Context, req StartRequest) (*Record, bool, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.start",
		trace.WithAttributes(
			attribute.String("action.type", req.ActionType),
			attribute.String("user_id", req.UserID),
		))
	defer span.End()

	now := time.Now().UTC()
	rec := &Record{
		ID:              "act_" + uuid.New().String()[:12],
		UserID:          req.UserID,
		SessionID:       req.SessionID,
		ActionType:      req.ActionType,
		State:           StatePlanned,
		Payload:         req.Payload,
		PayloadHash:     req.PayloadHash,
		IdempotencyKey:  req.IdempotencyKey,
		ReplayBucket:    s.replayBucket(now),
		ConsentTokenID:  req.ConsentTokenID,
		ConsentSnapshot: req.ConsentSnapshot,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	payloadSealed, err := s.sealMap(req.Payload)
	if err != nil {
		return nil, false, fmt.Errorf("sealing payload: %w", err)
	}

	err = s.execWithRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO action_records (
				id, user_id, session_id, action_type, state, payload_sealed,
				payload_hash, idempotency_key, replay_bucket, consent_token_id,
				consent_snapshot, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.UserID, rec.SessionID, rec.ActionType, string(rec.State),
			payloadSealed, rec.PayloadHash, rec.IdempotencyKey, rec.ReplayBucket,
			rec.ConsentTokenID, rec.ConsentSnapshot, rec.CreatedAt, rec.UpdatedAt)
		return err
	})
	if err != nil {
		if !isUniqueViolation(err) {
			return nil, false, fmt.Errorf("inserting action record: %w", err)
		}
		// Another request in the same replay bucket won the insert.
		// Read back the winner and report a replay.
		existing, rerr := s.getByIdempotency(ctx, req.UserID, req.IdempotencyKey, rec.ReplayBucket)
		if rerr != nil {
			return nil, false, fmt.Errorf("reading back replayed action: %w", rerr)
		}
		replaysTotal.Add(ctx, 1)
		span.SetAttributes(
			attribute.Bool("action.replayed", true),
			attribute.String("action.id", existing.ID),
		)
		return existing, true, nil
	}

	actionsStarted.Add(ctx, 1)
	span.SetAttributes(attribute.String("action.id", rec.ID))
	return rec, false, nil
}

// Transition moves an action to a new state, merging the update fields
// and appending a history row, all in one transaction. Invalid moves
// return *TransitionError and leave the record untouched. Reaching a
// terminal state stamps finished_at.
func (s *Store) Transition(ctx context.Context, actionID string, to State, update Update) (*Record, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.transition",
		trace.WithAttributes(
			attribute.String("action.id", actionID),
			attribute.String("action.to_state", string(to)),
		))
	defer span.End()

	if !to.Valid() {
		return nil, fmt.Errorf("unknown lifecycle state %q", to)
	}

	var rec *Record
	err := s.execWithRetry(ctx, func(ctx context.Context) error {
		var err error
		rec, err = s.transitionInTx(ctx, actionID, to, update)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	transitionsTotal.Add(ctx, 1)
	if to.Terminal() {
		terminalTotal.Add(ctx, 1)
	}
	return rec, nil
}

func (s *Store) transitionInTx(ctx context.Context, actionID string, to State, update Update) (*Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := scanRecord(tx.QueryRowContext(ctx, selectRecord+` WHERE id = ?`, actionID), s.sealer)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrActionNotFound, actionID)
	}
	if err != nil {
		return nil, fmt.Errorf("reading action record: %w", err)
	}

	from := rec.State
	if !CanTransition(from, to) {
		return nil, &TransitionError{ActionID: actionID, From: from, To: to}
	}

	// Merge: empty update fields keep the stored value.
	if update.ConsentTokenID != "" {
		rec.ConsentTokenID = update.ConsentTokenID
	}
	if update.PolicyCode != "" {
		rec.PolicyCode = update.PolicyCode
	}
	if update.ErrorCode != "" {
		rec.ErrorCode = update.ErrorCode
	}
	if update.ErrorMessage != "" {
		rec.ErrorMessage = update.ErrorMessage
	}
	if update.Result != nil {
		rec.Result = update.Result
	}

	now := time.Now().UTC()
	rec.State = to
	rec.UpdatedAt = now
	if to.Terminal() {
		rec.FinishedAt = &now
	}

	resultSealed, err := s.sealMap(rec.Result)
	if err != nil {
		return nil, fmt.Errorf("sealing result: %w", err)
	}

	var finishedAt interface{}
	if rec.FinishedAt != nil {
		finishedAt = *rec.FinishedAt
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE action_records
		 SET state = ?, consent_token_id = ?, policy_code = ?, error_code = ?,
		     error_message = ?, result_sealed = ?, updated_at = ?, finished_at = ?
		 WHERE id = ?`,
		string(to), rec.ConsentTokenID, rec.PolicyCode, rec.ErrorCode,
		rec.ErrorMessage, resultSealed, rec.UpdatedAt, finishedAt, actionID)
	if err != nil {
		return nil, fmt.Errorf("updating action record: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO action_transitions (id, action_id, from_state, to_state, reason, at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		"tr_"+uuid.New().String()[:12], actionID, string(from), string(to), update.Reason, now)
	if err != nil {
		return nil, fmt.Errorf("writing transition history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transition: %w", err)
	}
	return rec, nil
}

// Get retrieves an action record by ID. userID enforces user isolation —
// the record must belong to the given user.
func (s *Store) Get(ctx context.Context, userID, actionID string) (*Record, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.get",
		trace.WithAttributes(attribute.String("action.id", actionID)))
	defer span.End()

	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		selectRecord+` WHERE id = ? AND user_id = ?`, actionID, userID), s.sealer)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrActionNotFound, actionID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying action record: %w", err)
	}
	return rec, nil
}

// getByIdempotency reads the record occupying an idempotency slot.
func (s *Store) getByIdempotency(ctx context.Context, userID, idempotencyKey, bucket string) (*Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx,
		selectRecord+` WHERE user_id = ? AND idempotency_key = ? AND replay_bucket = ?`,
		userID, idempotencyKey, bucket), s.sealer)
	if err == sql.ErrNoRows {
		return nil, ErrActionNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListByUser returns a user's action records, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string, limit int) ([]Record, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.list_by_user",
		trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	query := selectRecord + ` WHERE user_id = ? ORDER BY created_at DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing action records: %w", err)
	}
	defer rows.Close()

	var results []Record
	for rows.Next() {
		rec, err := scanRecordRows(rows, s.sealer)
		if err != nil {
			continue
		}
		results = append(results, *rec)
	}
	return results, rows.Err()
}

// History returns an action's transition audit trail in order.
func (s *Store) History(ctx context.Context, actionID string) ([]TransitionRecord, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.history",
		trace.WithAttributes(attribute.String("action.id", actionID)))
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action_id, from_state, to_state, reason, at
		 FROM action_transitions WHERE action_id = ? ORDER BY at ASC, id ASC`, actionID)
	if err != nil {
		return nil, fmt.Errorf("querying transition history: %w", err)
	}
	defer rows.Close()

	var results []TransitionRecord
	for rows.Next() {
		var t TransitionRecord
		var from, to string
		if err := rows.Scan(&t.ID, &t.ActionID, &from, &to, &t.Reason, &t.At); err != nil {
			continue
		}
		t.FromState = State(from)
		t.ToState = State(to)
		results = append(results, t)
	}
	return results, rows.Err()
}

// PurgeTerminal deletes terminal action records (and their transition
// history) older than retentionDays. Returns the number of deleted records.
// Non-terminal records are never purged.
func (s *Store) PurgeTerminal(ctx context.Context, retentionDays int) (int64, error) {
	ctx, span := tracer.Start(ctx, "lifecycle.purge_terminal",
		trace.WithAttributes(attribute.Int("retention_days", retentionDays)))
	defer span.End()

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM action_transitions WHERE action_id IN (
			SELECT id FROM action_records
			WHERE finished_at IS NOT NULL AND finished_at < ?
		)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging transition history: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM action_records WHERE finished_at IS NOT NULL AND finished_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging action records: %w", err)
	}

	affected, _ := result.RowsAffected()
	span.SetAttributes(attribute.Int64("actions.purged", affected))
	return affected, nil
}

const selectRecord = `SELECT id, user_id, session_id, action_type, state, payload_sealed,
       payload_hash, idempotency_key, replay_bucket, consent_token_id,
       consent_snapshot, policy_code, error_code, error_message, result_sealed,
       created_at, updated_at, finished_at
FROM action_records`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner, sl *sealer) (*Record, error) {
	var rec Record
	var state, payloadSealed, resultSealed string
	var finishedAt interface{}
	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.SessionID, &rec.ActionType, &state,
		&payloadSealed, &rec.PayloadHash, &rec.IdempotencyKey, &rec.ReplayBucket,
		&rec.ConsentTokenID, &rec.ConsentSnapshot, &rec.PolicyCode, &rec.ErrorCode,
		&rec.ErrorMessage, &resultSealed, &rec.CreatedAt, &rec.UpdatedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.State = State(state)
	if t, ok := scanTime(finishedAt); ok {
		rec.FinishedAt = &t
	}
	if rec.Payload, err = openMap(sl, payloadSealed); err != nil {
		return nil, fmt.Errorf("opening payload: %w", err)
	}
	if rec.Result, err = openMap(sl, resultSealed); err != nil {
		return nil, fmt.Errorf("opening result: %w", err)
	}
	return &rec, nil
}

func scanRecordRows(rows *sql.Rows, sl *sealer) (*Record, error) {
	return scanRecord(rows, sl)
}

// sealMap encrypts a map as JSON, returning "" for nil.
func (s *Store) sealMap(m map[string]interface{}) (string, error) {
	if m == nil {
		return "", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshalling: %w", err)
	}
	return s.sealer.seal(raw)
}

// openMap decrypts a value produced by sealMap.
func openMap(sl *sealer, encoded string) (map[string]interface{}, error) {
	if encoded == "" {
		return nil, nil
	}
	raw, err := sl.open(encoded)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshalling: %w", err)
	}
	return m, nil
}

// execWithRetry runs fn with retries on SQLite busy/locked.
func (s *Store) execWithRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	const maxRetries = 15
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepRetry(ctx, attempt); err != nil {
				return err
			}
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !isSQLiteLocked(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func sleepRetry(ctx context.Context, attempt int) error {
	backoff := time.Duration(attempt*attempt) * 20 * time.Millisecond
	if backoff > 250*time.Millisecond {
		backoff = 250 * time.Millisecond
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	case <-time.After(backoff):
		return nil
	}
}

// isSQLiteLocked reports whether the error is SQLite busy/locked (retryable).
func isSQLiteLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		(strings.Contains(msg, "locked") && !strings.Contains(msg, "UNIQUE"))
}

// isUniqueViolation reports whether the error is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// scanTime scans a column that may be time.Time or string (SQLite returns datetime as string).
func scanTime(v interface{}) (t time.Time, ok bool) {
	if v == nil {
		return time.Time{}, false
	}
	switch val := v.(type) {
	case time.Time:
		return val, true
	case []byte:
		parsed, err := time.Parse("2006-01-02 15:04:05.999999999-07:00", string(val))
		if err != nil {
			parsed, err = time.Parse(time.RFC3339, string(val))
		}
		if err == nil {
			return parsed, true
		}
	case string:
		parsed, err := time.Parse("2006-01-02 15:04:05.999999999-07:00", val)
		if err != nil {
			parsed, err = time.Parse(time.RFC3339, val)
		}
		if err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}
