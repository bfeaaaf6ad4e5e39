// Package retention implements the scheduled purge of aged state: terminal
// action records past the ledger retention horizon, audit events past the
// policy's audit retention, and consent tokens that expired unused. The
// clinical decay sweep is deliberately NOT scheduled here; it runs inline
// on profile reads.
package retention

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/carepilot-io/carepilot/internal/consent"
	"github.com/carepilot-io/carepilot/internal/evidence"
	"github.com/carepilot-io/carepilot/internal/lifecycle"
)

// DefaultSchedule runs the purge daily at 03:30.
const DefaultSchedule = "30 3 * * *"

// Scheduler runs the retention purge on a cron schedule.
type Scheduler struct {
	cron          *cron.Cron
	actions       *lifecycle.Store
	audit         *evidence.Store
	consents      *consent.Store
	retentionDays int
	auditDays     int
}

// NewScheduler creates a retention scheduler. retentionDays bounds the
// action ledger, auditDays the signed audit trail.
func NewScheduler(actions *lifecycle.Store, audit *evidence.Store, consents *consent.Store, retentionDays, auditDays int) *Scheduler {
	return &Scheduler{
		cron:          cron.New(),
		actions:       actions,
		audit:         audit,
		consents:      consents,
		retentionDays: retentionDays,
		auditDays:     auditDays,
	}
}

// Register adds the purge job with the given cron spec (5-field format,
// e.g. "30 3 * * *").
func (s *Scheduler) Register(spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		s.RunOnce(ctx)
	})
	return err
}

// Start begins the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron loop, waiting for a running purge to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunOnce executes one purge pass. Each store's failure is logged and
// does not stop the other purges.
func (s *Scheduler) RunOnce(ctx context.Context) {
	actions, err := s.actions.PurgeTerminal(ctx, s.retentionDays)
	if err != nil {
		log.Error().Err(err).Msg("action_purge_failed")
	}
	events, err := s.audit.Purge(ctx, s.auditDays)
	if err != nil {
		log.Error().Err(err).Msg("audit_purge_failed")
	}
	tokens, err := s.consents.PurgeExpired(ctx)
	if err != nil {
		log.Error().Err(err).Msg("consent_purge_failed")
	}
	log.Info().
		Int64("actions_purged", actions).
		Int64("audit_events_purged", events).
		Int64("consent_tokens_purged", tokens).
		Msg("retention_purge_completed")
}
