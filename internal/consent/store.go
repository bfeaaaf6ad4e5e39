// Package consent issues and validates single-use consent tokens for
// transactional actions. A token is bound to the exact (user, action type,
// payload hash) triple it was issued for; any drift invalidates it.
// Validation fails closed.
package consent

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	carepilototel "github.com/carepilot-io/carepilot/internal/otel"
)

var tracer = carepilototel.Tracer("github.com/carepilot-io/carepilot/internal/consent")

var meter = otel.Meter("github.com/carepilot-io/carepilot/internal/consent")

var (
	issuedTotal   metric.Int64Counter
	deniedTotal   metric.Int64Counter
	consumedTotal metric.Int64Counter
)

func init() {
	var err error
	issuedTotal, err = meter.Int64Counter("consent.issued.total",
		metric.WithDescription("Consent tokens issued"))
	if err != nil {
		issuedTotal, _ = meter.Int64Counter("consent.issued.total.fallback")
	}
	deniedTotal, err = meter.Int64Counter("consent.denied.total",
		metric.WithDescription("Consent validations that failed"))
	if err != nil {
		deniedTotal, _ = meter.Int64Counter("consent.denied.total.fallback")
	}
	consumedTotal, err = meter.Int64Counter("consent.consumed.total",
		metric.WithDescription("Consent tokens consumed"))
	if err != nil {
		consumedTotal, _ = meter.Int64Counter("consent.consumed.total.fallback")
	}
}

// ErrTokenNotFound is returned when a token ID does not exist.
var ErrTokenNotFound = errors.New("consent token not found")

// TTL bounds. Requested TTLs outside this range are clamped, never rejected.
const (
	MinTTL     = 30 * time.Second
	MaxTTL     = 3600 * time.Second
	DefaultTTL = 300 * time.Second
)

// Validation failure reasons, in the order they are checked.
const (
	ReasonNotFound        = "not_found"
	ReasonUserMismatch    = "user_mismatch"
	ReasonActionMismatch  = "action_mismatch"
	ReasonPayloadMismatch = "payload_mismatch"
	ReasonAlreadyUsed     = "already_used"
	ReasonExpired         = "expired"
)

const schema = `
CREATE TABLE IF NOT EXISTS consent_tokens (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    action_type TEXT NOT NULL,
    payload_hash TEXT NOT NULL,
    issued_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP NOT NULL,
    used_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_consent_user ON consent_tokens(user_id);
CREATE INDEX IF NOT EXISTS idx_consent_expires ON consent_tokens(expires_at);
`

// Token is an issued consent token.
type Token struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	ActionType  string     `json:"action_type"`
	PayloadHash string     `json:"payload_hash"`
	IssuedAt    time.Time  `json:"issued_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	UsedAt      *time.Time `json:"used_at,omitempty"`
}

// Validation is the outcome of checking a token against a request.
type Validation struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"` // empty when valid
}

// Store persists consent tokens in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens the consent token store, initializing the schema.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening consent database: %w", err)
	}

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating consent schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ClampTTL bounds a requested TTL to [MinTTL, MaxTTL]. Zero or negative
// requests get DefaultTTL.
func ClampTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	if ttl < MinTTL {
		return MinTTL
	}
	if ttl > MaxTTL {
		return MaxTTL
	}
	return ttl
}

// Issue creates a consent token bound to (userID, actionType, payloadHash).
func (s *Store) Issue(ctx context.Context, userID, actionType, payloadHash string, ttl time.Duration) (*Token, error) {
	ctx, span := tracer.Start(ctx, "consent.issue",
		trace.WithAttributes(
			attribute.String("user_id", userID),
			attribute.String("action.type", actionType),
		))
	defer span.End()

	if userID == "" || actionType == "" || payloadHash == "" {
		return nil, fmt.Errorf("consent token requires user_id, action_type, and payload_hash")
	}

	ttl = ClampTTL(ttl)
	now := time.Now().UTC()
	token := &Token{
		ID:          "ctk_" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		UserID:      userID,
		ActionType:  actionType,
		PayloadHash: payloadHash,
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO consent_tokens (id, user_id, action_type, payload_hash, issued_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		token.ID, token.UserID, token.ActionType, token.PayloadHash,
		token.IssuedAt, token.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("inserting consent token: %w", err)
	}

	issuedTotal.Add(ctx, 1)
	span.SetAttributes(attribute.String("consent.token_id", token.ID))
	log.Debug().
		Str("token_id", token.ID).
		Str("user_id", userID).
		Str("action_type", actionType).
		Dur("ttl", ttl).
		Msg("consent_token_issued")
	return token, nil
}

// Validate checks a token against a request. The checks run in a fixed
// order and stop at the first failure: not found, user mismatch, action
// mismatch, payload mismatch, already used, expired. The token is NOT
// consumed here; call Consume after the action reaches a final outcome.
func (s *Store) Validate(ctx context.Context, tokenID, userID, actionType, payloadHash string) (*Validation, error) {
	ctx, span := tracer.Start(ctx, "consent.validate",
		trace.WithAttributes(attribute.String("consent.token_id", tokenID)))
	defer span.End()

	token, err := s.get(ctx, tokenID)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) {
			return s.deny(ctx, span, tokenID, ReasonNotFound), nil
		}
		return nil, err
	}

	switch {
	case token.UserID != userID:
		return s.deny(ctx, span, tokenID, ReasonUserMismatch), nil
	case token.ActionType != actionType:
		return s.deny(ctx, span, tokenID, ReasonActionMismatch), nil
	case token.PayloadHash != payloadHash:
		return s.deny(ctx, span, tokenID, ReasonPayloadMismatch), nil
	case token.UsedAt != nil:
		return s.deny(ctx, span, tokenID, ReasonAlreadyUsed), nil
	case time.Now().UTC().After(token.ExpiresAt):
		return s.deny(ctx, span, tokenID, ReasonExpired), nil
	}

	span.SetAttributes(attribute.Bool("consent.valid", true))
	return &Validation{Valid: true}, nil
}

func (s *Store) deny(ctx context.Context, span trace.Span, tokenID, reason string) *Validation {
	deniedTotal.Add(ctx, 1)
	span.SetAttributes(
		attribute.Bool("consent.valid", false),
		attribute.String("consent.deny_reason", reason),
	)
	log.Warn().
		Str("token_id", tokenID).
		Str("reason", reason).
		Msg("consent_validation_failed")
	return &Validation{Valid: false, Reason: reason}
}

// Consume marks a token as used. Consuming an already-used token is a
// no-op; the single-use guarantee lives in Validate's already_used check.
func (s *Store) Consume(ctx context.Context, tokenID string) error {
	ctx, span := tracer.Start(ctx, "consent.consume",
		trace.WithAttributes(attribute.String("consent.token_id", tokenID)))
	defer span.End()

	result, err := s.db.ExecContext(ctx,
		`UPDATE consent_tokens SET used_at = ? WHERE id = ? AND used_at IS NULL`,
		time.Now().UTC(), tokenID)
	if err != nil {
		return fmt.Errorf("consuming consent token: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows > 0 {
		consumedTotal.Add(ctx, 1)
	}
	return nil
}

// PurgeExpired deletes tokens that expired before the cutoff. Used tokens
// past their expiry are removed too. Returns the number deleted.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "consent.purge_expired")
	defer span.End()

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM consent_tokens WHERE expires_at < ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("purging expired consent tokens: %w", err)
	}

	affected, _ := result.RowsAffected()
	span.SetAttributes(attribute.Int64("consent.purged", affected))
	return affected, nil
}

// get retrieves a token by ID.
func (s *Store) get(ctx context.Context, tokenID string) (*Token, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, action_type, payload_hash, issued_at, expires_at, used_at
		 FROM consent_tokens WHERE id = ?`, tokenID)

	var t Token
	var usedAt sql.NullTime
	err := row.Scan(&t.ID, &t.UserID, &t.ActionType, &t.PayloadHash,
		&t.IssuedAt, &t.ExpiresAt, &usedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying consent token: %w", err)
	}
	if usedAt.Valid {
		t.UsedAt = &usedAt.Time
	}
	return &t, nil
}
