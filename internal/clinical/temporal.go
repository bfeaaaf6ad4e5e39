package clinical

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var meter = otel.Meter("github.com/carepilot-io/carepilot/internal/clinical")

var (
	decaySweeps      metric.Int64Counter
	decayResolved    metric.Int64Counter
	decayExpired     metric.Int64Counter
	decayStale       metric.Int64Counter
	decayReconfirmed metric.Int64Counter
)

func init() {
	var err error
	decaySweeps, err = meter.Int64Counter("clinical.decay.sweeps.total",
		metric.WithDescription("Temporal decay sweeps applied"))
	if err != nil {
		decaySweeps, _ = meter.Int64Counter("clinical.decay.sweeps.total.fallback")
	}
	decayResolved, err = meter.Int64Counter("clinical.decay.auto_resolved.total",
		metric.WithDescription("Symptoms auto-resolved as unconfirmed"))
	if err != nil {
		decayResolved, _ = meter.Int64Counter("clinical.decay.auto_resolved.total.fallback")
	}
	decayExpired, err = meter.Int64Counter("clinical.decay.inferences_expired.total",
		metric.WithDescription("Inferences expired by the sweep"))
	if err != nil {
		decayExpired, _ = meter.Int64Counter("clinical.decay.inferences_expired.total.fallback")
	}
	decayStale, err = meter.Int64Counter("clinical.decay.signals_stale.total",
		metric.WithDescription("Health signals marked stale"))
	if err != nil {
		decayStale, _ = meter.Int64Counter("clinical.decay.signals_stale.total.fallback")
	}
	decayReconfirmed, err = meter.Int64Counter("clinical.decay.reconfirm_due.total",
		metric.WithDescription("Symptoms stamped as due for reconfirmation"))
	if err != nil {
		decayReconfirmed, _ = meter.Int64Counter("clinical.decay.reconfirm_due.total.fallback")
	}
}

// DecaySummary reports what one sweep changed. A sweep over already-swept
// data changes nothing and reports zeros.
type DecaySummary struct {
	ReconfirmDueIDs          []string `json:"reconfirm_due_ids"`
	ResolvedUnconfirmedCount int      `json:"resolved_unconfirmed_count"`
	InferenceExpiredCount    int      `json:"inference_expired_count"`
	StaleSignalCount         int      `json:"stale_signal_count"`
}

// ApplyDecay runs the temporal decay sweep for one user inside a single
// transaction. Decay is read-triggered: callers run it before serving
// clinical data so nothing decayed is ever returned as fresh. The sweep
// is idempotent.
//
// Rules, in order per symptom: an active symptom unconfirmed past the
// auto-resolve horizon becomes resolved_unconfirmed; an active symptom
// past the reconfirm horizon keeps its status but is stamped due for
// reconfirmation. Inferences past their expiry flip to expired, and
// health signals past stale_after are marked stale.
func (s *Store) ApplyDecay(ctx context.Context, userID string) (*DecaySummary, error) {
	ctx, span := tracer.Start(ctx, "clinical.apply_decay",
		attributeUser(userID))
	defer span.End()

	now := time.Now().UTC()
	summary := &DecaySummary{ReconfirmDueIDs: []string{}}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin decay transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Auto-resolve first so a symptom past both horizons resolves
	// instead of being asked about.
	rows, err := tx.QueryContext(ctx,
		`SELECT id, last_confirmed_at FROM symptom_states
		 WHERE user_id = ? AND status = 'active'`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying active symptoms: %w", err)
	}

	var resolveIDs, reconfirmIDs []string
	for rows.Next() {
		var id string
		var lastConfirmed time.Time
		if err := rows.Scan(&id, &lastConfirmed); err != nil {
			continue
		}
		elapsed := now.Sub(lastConfirmed)
		switch {
		case elapsed >= s.thresholds.AutoResolveAfter:
			resolveIDs = append(resolveIDs, id)
		case elapsed >= s.thresholds.ReconfirmAfter:
			reconfirmIDs = append(reconfirmIDs, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("scanning active symptoms: %w", err)
	}
	rows.Close()

	for _, id := range resolveIDs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE symptom_states SET status = 'resolved_unconfirmed', updated_at = ?
			 WHERE id = ?`, now, id); err != nil {
			return nil, fmt.Errorf("auto-resolving symptom %s: %w", id, err)
		}
		summary.ResolvedUnconfirmedCount++
	}

	for _, id := range reconfirmIDs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE symptom_states SET reconfirm_due_at = ?, updated_at = ?
			 WHERE id = ?`, now, now, id); err != nil {
			return nil, fmt.Errorf("stamping reconfirm on symptom %s: %w", id, err)
		}
		summary.ReconfirmDueIDs = append(summary.ReconfirmDueIDs, id)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE inferences SET status = 'expired', updated_at = ?
		 WHERE user_id = ? AND status = 'active' AND expires_at <= ?`,
		now, userID, now)
	if err != nil {
		return nil, fmt.Errorf("expiring inferences: %w", err)
	}
	expired, _ := result.RowsAffected()
	summary.InferenceExpiredCount = int(expired)

	result, err = tx.ExecContext(ctx,
		`UPDATE health_signals SET stale = 1, updated_at = ?
		 WHERE user_id = ? AND stale = 0 AND stale_after <= ?`,
		now, userID, now)
	if err != nil {
		return nil, fmt.Errorf("marking stale signals: %w", err)
	}
	stale, _ := result.RowsAffected()
	summary.StaleSignalCount = int(stale)

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing decay sweep: %w", err)
	}

	decaySweeps.Add(ctx, 1)
	decayResolved.Add(ctx, int64(summary.ResolvedUnconfirmedCount))
	decayExpired.Add(ctx, int64(summary.InferenceExpiredCount))
	decayStale.Add(ctx, int64(summary.StaleSignalCount))
	decayReconfirmed.Add(ctx, int64(len(summary.ReconfirmDueIDs)))

	if summary.ResolvedUnconfirmedCount > 0 || summary.InferenceExpiredCount > 0 ||
		summary.StaleSignalCount > 0 || len(summary.ReconfirmDueIDs) > 0 {
		log.Info().
			Str("user_id", userID).
			Int("resolved_unconfirmed", summary.ResolvedUnconfirmedCount).
			Int("inferences_expired", summary.InferenceExpiredCount).
			Int("signals_stale", summary.StaleSignalCount).
			Int("reconfirm_due", len(summary.ReconfirmDueIDs)).
			Msg("clinical_decay_applied")
	}
	return summary, nil
}

// Profile returns a user's current clinical picture: symptoms, active
// inferences, and health signals. The decay sweep runs first, so the
// profile never contains anything past its horizon presented as fresh.
func (s *Store) Profile(ctx context.Context, userID string) (*ProfileView, error) {
	ctx, span := tracer.Start(ctx, "clinical.profile", attributeUser(userID))
	defer span.End()

	decay, err := s.ApplyDecay(ctx, userID)
	if err != nil {
		return nil, err
	}

	symptoms, err := s.Symptoms(ctx, userID, "")
	if err != nil {
		return nil, err
	}
	inferences, err := s.ActiveInferences(ctx, userID)
	if err != nil {
		return nil, err
	}
	signals, err := s.Signals(ctx, userID, 0)
	if err != nil {
		return nil, err
	}

	return &ProfileView{
		UserID:     userID,
		Symptoms:   symptoms,
		Inferences: inferences,
		Signals:    signals,
		Decay:      *decay,
	}, nil
}

// ProfileView is the decayed clinical picture served to callers.
type ProfileView struct {
	UserID     string         `json:"user_id"`
	Symptoms   []SymptomState `json:"symptoms"`
	Inferences []Inference    `json:"inferences"`
	Signals    []HealthSignal `json:"signals"`
	Decay      DecaySummary   `json:"decay"`
}

// ReconfirmDue returns the user's active symptoms currently stamped as
// due for reconfirmation.
func (s *Store) ReconfirmDue(ctx context.Context, userID string) ([]SymptomState, error) {
	ctx, span := tracer.Start(ctx, "clinical.reconfirm_due", attributeUser(userID))
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, symptom, status, severity, last_confirmed_at,
		        expires_at, reconfirm_due_at, source, confidence, created_at, updated_at
		 FROM symptom_states
		 WHERE user_id = ? AND status = 'active' AND reconfirm_due_at IS NOT NULL
		   AND reconfirm_due_at <= ?
		 ORDER BY reconfirm_due_at ASC`, userID, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("listing reconfirm-due symptoms: %w", err)
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

func attributeUser(userID string) trace.SpanStartOption {
	return trace.WithAttributes(attribute.String("user_id", userID))
}
