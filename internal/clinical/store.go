// Package clinical persists time-bounded clinical memory: symptom states,
// bounded inferences, and device health signals. Nothing in this store is
// allowed to look fresh forever — every record carries an explicit decay
// horizon, and reads trigger the decay sweep before returning data.
package clinical

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	carepilototel "github.com/carepilot-io/carepilot/internal/otel"
)

var tracer = carepilototel.Tracer("github.com/carepilot-io/carepilot/internal/clinical")

// ErrSymptomNotFound is returned when a symptom state does not exist for
// the given user.
var ErrSymptomNotFound = errors.New("symptom state not found")

// Symptom statuses.
const (
	StatusActive              = "active"
	StatusResolved            = "resolved"
	StatusResolvedUnconfirmed = "resolved_unconfirmed"
)

const schema = `
CREATE TABLE IF NOT EXISTS symptom_states (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    symptom TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    severity TEXT NOT NULL DEFAULT '',
    last_confirmed_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP,
    reconfirm_due_at TIMESTAMP,
    source TEXT NOT NULL DEFAULT 'user',
    confidence REAL NOT NULL DEFAULT 1.0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE(user_id, symptom)
);

CREATE INDEX IF NOT EXISTS idx_symptoms_user_status ON symptom_states(user_id, status);

CREATE TABLE IF NOT EXISTS inferences (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    inference_key TEXT NOT NULL,
    value_json TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    created_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE(user_id, inference_key)
);

CREATE INDEX IF NOT EXISTS idx_inferences_user_status ON inferences(user_id, status);

CREATE TABLE IF NOT EXISTS health_signals (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    metric_type TEXT NOT NULL,
    source TEXT NOT NULL DEFAULT '',
    summary_json TEXT NOT NULL,
    observed_at TIMESTAMP NOT NULL,
    stale_after TIMESTAMP NOT NULL,
    stale INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_signals_user_metric ON health_signals(user_id, metric_type, observed_at);
`

// Thresholds are the decay horizons applied by the sweep.
type Thresholds struct {
	ReconfirmAfter   time.Duration // active symptom needs reconfirmation
	AutoResolveAfter time.Duration // active symptom auto-resolves unconfirmed
	InferenceTTL     time.Duration // hard cap on inference lifetime
}

// DefaultThresholds mirror the clinical review defaults: reconfirm at
// 48 hours, auto-resolve at 7 days, inferences live at most 24 hours.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ReconfirmAfter:   48 * time.Hour,
		AutoResolveAfter: 7 * 24 * time.Hour,
		InferenceTTL:     24 * time.Hour,
	}
}

// SymptomState is a time-bounded record of a reported symptom.
type SymptomState struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Symptom         string     `json:"symptom"`
	Status          string     `json:"status"`
	Severity        string     `json:"severity,omitempty"`
	LastConfirmedAt time.Time  `json:"last_confirmed_at"`
	ExpiresAt       *time.Time `json:"expires_at,omitempty"`
	ReconfirmDueAt  *time.Time `json:"reconfirm_due_at,omitempty"`
	Source          string     `json:"source"`
	Confidence      float64    `json:"confidence"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Inference is a derived clinical conclusion with a bounded lifetime.
type Inference struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id"`
	Key       string                 `json:"key"`
	Value     map[string]interface{} `json:"value"`
	Status    string                 `json:"status"`
	CreatedAt time.Time              `json:"created_at"`
	ExpiresAt time.Time              `json:"expires_at"`
	UpdatedAt time.Time              `json:"updated_at"`
}

// HealthSignal is a synced device metric summary that goes stale.
type HealthSignal struct {
	ID         string                 `json:"id"`
	UserID     string                 `json:"user_id"`
	MetricType string                 `json:"metric_type"`
	Source     string                 `json:"source,omitempty"`
	Summary    map[string]interface{} `json:"summary"`
	ObservedAt time.Time              `json:"observed_at"`
	StaleAfter time.Time              `json:"stale_after"`
	Stale      bool                   `json:"stale"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
}

// Store persists clinical memory in SQLite.
type Store struct {
	db         *sql.DB
	thresholds Thresholds
}

// NewStore opens the clinical store, initializing the schema. Zero-valued
// threshold fields fall back to the defaults.
func NewStore(dbPath string, thresholds Thresholds) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening clinical database: %w", err)
	}

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating clinical schema: %w", err)
	}

	def := DefaultThresholds()
	if thresholds.ReconfirmAfter <= 0 {
		thresholds.ReconfirmAfter = def.ReconfirmAfter
	}
	if thresholds.AutoResolveAfter <= 0 {
		thresholds.AutoResolveAfter = def.AutoResolveAfter
	}
	if thresholds.InferenceTTL <= 0 || thresholds.InferenceTTL > def.InferenceTTL {
		// The 24h inference cap is a hard ceiling, not a tunable.
		thresholds.InferenceTTL = def.InferenceTTL
	}

	return &Store{db: db, thresholds: thresholds}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SymptomInput carries the fields for recording or reconfirming a symptom.
type SymptomInput struct {
	Symptom    string
	Severity   string
	Source     string
	Confidence float64
	ExpiresAt  *time.Time // defaults to now + 7 days
}

// RecordSymptom upserts a symptom state as active and freshly confirmed.
// Re-reporting an existing symptom resets its decay clocks.
func (s *Store) RecordSymptom(ctx context.Context, userID string, in SymptomInput) (*SymptomState, error) {
	ctx, span := tracer.Start(ctx, "clinical.record_symptom",
		trace.WithAttributes(
			attribute.String("user_id", userID),
			attribute.String("symptom", in.Symptom),
		))
	defer span.End()

	if userID == "" || in.Symptom == "" {
		return nil, fmt.Errorf("symptom record requires user_id and symptom")
	}
	if in.Source == "" {
		in.Source = "user"
	}
	if in.Confidence == 0 {
		in.Confidence = 1.0
	}

	now := time.Now().UTC()
	expiresAt := now.Add(7 * 24 * time.Hour)
	if in.ExpiresAt != nil {
		expiresAt = in.ExpiresAt.UTC()
	}
	reconfirmDueAt := now.Add(s.thresholds.ReconfirmAfter)

	id := "sym_" + uuid.New().String()[:12]
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO symptom_states (
			id, user_id, symptom, status, severity, last_confirmed_at,
			expires_at, reconfirm_due_at, source, confidence, created_at, updated_at
		) VALUES (?, ?, ?, 'active', ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, symptom) DO UPDATE SET
			status = 'active',
			severity = excluded.severity,
			last_confirmed_at = excluded.last_confirmed_at,
			expires_at = excluded.expires_at,
			reconfirm_due_at = excluded.reconfirm_due_at,
			source = excluded.source,
			confidence = excluded.confidence,
			updated_at = excluded.updated_at`,
		id, userID, in.Symptom, in.Severity, now, expiresAt, reconfirmDueAt,
		in.Source, in.Confidence, now, now)
	if err != nil {
		return nil, fmt.Errorf("upserting symptom state: %w", err)
	}

	return s.getSymptom(ctx, userID, in.Symptom)
}

// ConfirmSymptom refreshes an active or decayed symptom: the user says it
// is still present. Resets the decay clocks and reactivates the record.
func (s *Store) ConfirmSymptom(ctx context.Context, userID, symptomID string) (*SymptomState, error) {
	ctx, span := tracer.Start(ctx, "clinical.confirm_symptom",
		trace.WithAttributes(attribute.String("symptom.id", symptomID)))
	defer span.End()

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE symptom_states
		 SET status = 'active', last_confirmed_at = ?, reconfirm_due_at = ?,
		     expires_at = ?, updated_at = ?
		 WHERE id = ? AND user_id = ?`,
		now, now.Add(s.thresholds.ReconfirmAfter), now.Add(7*24*time.Hour), now,
		symptomID, userID)
	if err != nil {
		return nil, fmt.Errorf("confirming symptom: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSymptomNotFound, symptomID)
	}

	return s.getSymptomByID(ctx, userID, symptomID)
}

// ResolveSymptom marks a symptom as explicitly resolved by the user.
func (s *Store) ResolveSymptom(ctx context.Context, userID, symptomID string) error {
	ctx, span := tracer.Start(ctx, "clinical.resolve_symptom",
		trace.WithAttributes(attribute.String("symptom.id", symptomID)))
	defer span.End()

	result, err := s.db.ExecContext(ctx,
		`UPDATE symptom_states SET status = 'resolved', updated_at = ?
		 WHERE id = ? AND user_id = ?`,
		time.Now().UTC(), symptomID, userID)
	if err != nil {
		return fmt.Errorf("resolving symptom: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: %s", ErrSymptomNotFound, symptomID)
	}
	return nil
}

// RecordInference upserts a derived conclusion. The expiry is capped at
// the inference TTL no matter what the caller asks for.
func (s *Store) RecordInference(ctx context.Context, userID, key string, value map[string]interface{}, requestedExpiry *time.Time) (*Inference, error) {
	ctx, span := tracer.Start(ctx, "clinical.record_inference",
		trace.WithAttributes(
			attribute.String("user_id", userID),
			attribute.String("inference.key", key),
		))
	defer span.End()

	if userID == "" || key == "" {
		return nil, fmt.Errorf("inference requires user_id and key")
	}

	now := time.Now().UTC()
	maxExpiry := now.Add(s.thresholds.InferenceTTL)
	expiresAt := maxExpiry
	if requestedExpiry != nil && requestedExpiry.UTC().Before(maxExpiry) {
		expiresAt = requestedExpiry.UTC()
	}

	valueJSON, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshalling inference value: %w", err)
	}

	id := "inf_" + uuid.New().String()[:12]
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO inferences (
			id, user_id, inference_key, value_json, status, created_at, expires_at, updated_at
		) VALUES (?, ?, ?, ?, 'active', ?, ?, ?)
		ON CONFLICT(user_id, inference_key) DO UPDATE SET
			value_json = excluded.value_json,
			status = 'active',
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		id, userID, key, string(valueJSON), now, expiresAt, now)
	if err != nil {
		return nil, fmt.Errorf("upserting inference: %w", err)
	}

	return s.getInference(ctx, userID, key)
}

// RecordHealthSignal stores a device metric summary. staleAfter defaults
// to reconfirm-after past the observation time.
func (s *Store) RecordHealthSignal(ctx context.Context, userID, metricType, source string, summary map[string]interface{}, observedAt time.Time, staleAfter *time.Time) (*HealthSignal, error) {
	ctx, span := tracer.Start(ctx, "clinical.record_health_signal",
		trace.WithAttributes(
			attribute.String("user_id", userID),
			attribute.String("signal.metric_type", metricType),
		))
	defer span.End()

	if userID == "" || metricType == "" {
		return nil, fmt.Errorf("health signal requires user_id and metric_type")
	}

	now := time.Now().UTC()
	if observedAt.IsZero() {
		observedAt = now
	}
	sa := observedAt.Add(s.thresholds.ReconfirmAfter)
	if staleAfter != nil {
		sa = staleAfter.UTC()
	}

	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("marshalling signal summary: %w", err)
	}

	sig := &HealthSignal{
		ID:         "sig_" + uuid.New().String()[:12],
		UserID:     userID,
		MetricType: metricType,
		Source:     source,
		Summary:    summary,
		ObservedAt: observedAt.UTC(),
		StaleAfter: sa,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO health_signals (
			id, user_id, metric_type, source, summary_json, observed_at,
			stale_after, stale, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		sig.ID, sig.UserID, sig.MetricType, sig.Source, string(summaryJSON),
		sig.ObservedAt, sig.StaleAfter, sig.CreatedAt, sig.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting health signal: %w", err)
	}

	return sig, nil
}

// Symptoms returns a user's symptom states, optionally filtered by status.
func (s *Store) Symptoms(ctx context.Context, userID, status string) ([]SymptomState, error) {
	ctx, span := tracer.Start(ctx, "clinical.symptoms",
		trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	query := `SELECT id, user_id, symptom, status, severity, last_confirmed_at,
	                 expires_at, reconfirm_due_at, source, confidence, created_at, updated_at
	          FROM symptom_states WHERE user_id = ?`
	args := []interface{}{userID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing symptom states: %w", err)
	}
	defer rows.Close()

	var results []SymptomState
	for rows.Next() {
		st, err := scanSymptom(rows)
		if err != nil {
			continue
		}
		results = append(results, *st)
	}
	return results, rows.Err()
}

// ActiveInferences returns a user's unexpired inferences.
func (s *Store) ActiveInferences(ctx context.Context, userID string) ([]Inference, error) {
	ctx, span := tracer.Start(ctx, "clinical.active_inferences",
		trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, inference_key, value_json, status, created_at, expires_at, updated_at
		 FROM inferences WHERE user_id = ? AND status = 'active'
		 ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing inferences: %w", err)
	}
	defer rows.Close()

	var results []Inference
	for rows.Next() {
		inf, err := scanInference(rows)
		if err != nil {
			continue
		}
		results = append(results, *inf)
	}
	return results, rows.Err()
}

// Signals returns a user's health signals, newest observation first.
func (s *Store) Signals(ctx context.Context, userID string, limit int) ([]HealthSignal, error) {
	ctx, span := tracer.Start(ctx, "clinical.signals",
		trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	query := `SELECT id, user_id, metric_type, source, summary_json, observed_at,
	                 stale_after, stale, created_at, updated_at
	          FROM health_signals WHERE user_id = ? ORDER BY observed_at DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing health signals: %w", err)
	}
	defer rows.Close()

	var results []HealthSignal
	for rows.Next() {
		var sig HealthSignal
		var summaryJSON string
		var stale int
		if err := rows.Scan(&sig.ID, &sig.UserID, &sig.MetricType, &sig.Source,
			&summaryJSON, &sig.ObservedAt, &sig.StaleAfter, &stale,
			&sig.CreatedAt, &sig.UpdatedAt); err != nil {
			continue
		}
		sig.Stale = stale != 0
		_ = json.Unmarshal([]byte(summaryJSON), &sig.Summary)
		results = append(results, sig)
	}
	return results, rows.Err()
}

func (s *Store) getSymptom(ctx context.Context, userID, symptom string) (*SymptomState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, symptom, status, severity, last_confirmed_at,
		        expires_at, reconfirm_due_at, source, confidence, created_at, updated_at
		 FROM symptom_states WHERE user_id = ? AND symptom = ?`, userID, symptom)
	st, err := scanSymptom(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrSymptomNotFound, symptom)
	}
	if err != nil {
		return nil, fmt.Errorf("querying symptom state: %w", err)
	}
	return st, nil
}

func (s *Store) getSymptomByID(ctx context.Context, userID, symptomID string) (*SymptomState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, symptom, status, severity, last_confirmed_at,
		        expires_at, reconfirm_due_at, source, confidence, created_at, updated_at
		 FROM symptom_states WHERE user_id = ? AND id = ?`, userID, symptomID)
	st, err := scanSymptom(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrSymptomNotFound, symptomID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying symptom state: %w", err)
	}
	return st, nil
}

func (s *Store) getInference(ctx context.Context, userID, key string) (*Inference, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, inference_key, value_json, status, created_at, expires_at, updated_at
		 FROM inferences WHERE user_id = ? AND inference_key = ?`, userID, key)
	inf, err := scanInference(row)
	if err != nil {
		return nil, fmt.Errorf("querying inference: %w", err)
	}
	return inf, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSymptom(row rowScanner) (*SymptomState, error) {
	var st SymptomState
	var expiresAt, reconfirmDueAt sql.NullTime
	err := row.Scan(&st.ID, &st.UserID, &st.Symptom, &st.Status, &st.Severity,
		&st.LastConfirmedAt, &expiresAt, &reconfirmDueAt, &st.Source,
		&st.Confidence, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		st.ExpiresAt = &expiresAt.Time
	}
	if reconfirmDueAt.Valid {
		st.ReconfirmDueAt = &reconfirmDueAt.Time
	}
	return &st, nil
}

func scanInference(row rowScanner) (*Inference, error) {
	var inf Inference
	var valueJSON string
	err := row.Scan(&inf.ID, &inf.UserID, &inf.Key, &valueJSON, &inf.Status,
		&inf.CreatedAt, &inf.ExpiresAt, &inf.UpdatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(valueJSON), &inf.Value)
	return &inf, nil
}
