package agent

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/carepilot-io/carepilot/internal/consent"
	"github.com/carepilot-io/carepilot/internal/lifecycle"
)

// ConsentBeforeHook verifies that a transactional action carries a
// consent token bound to this user, tool, and payload. Validation is
// read-only here; the token is burned by ConsentAfterHook only once the
// action actually lands.
func ConsentBeforeHook(store *consent.Store) BeforeHook {
	return BeforeHook{
		Name: "consent",
		Run: func(ctx context.Context, in *HookInput) (*HookDecision, error) {
			if !in.Tool.Transactional {
				return Allow(), nil
			}
			v, err := store.Validate(ctx, in.Exec.ConsentToken, in.Exec.UserID, in.Tool.Name, in.PayloadHash)
			if err != nil {
				return nil, err
			}
			if !v.Valid {
				return Deny("consent_"+v.Reason, "consent token rejected: "+v.Reason), nil
			}
			return Allow(), nil
		},
	}
}

// ConsentAfterHook consumes the consent token once a transactional
// action reaches succeeded or partial. Pending and failed outcomes keep
// the token usable so a legitimate retry can still complete.
func ConsentAfterHook(store *consent.Store) AfterHook {
	return AfterHook{
		Name: "consent",
		Run: func(ctx context.Context, in *HookInput, out *Outcome) {
			if !in.Tool.Transactional || in.Exec.ConsentToken == "" || out.Replayed {
				return
			}
			if out.Status != lifecycle.StateSucceeded && out.Status != lifecycle.StatePartial {
				return
			}
			if err := store.Consume(ctx, in.Exec.ConsentToken); err != nil {
				log.Warn().Err(err).Str("action_id", in.ActionID).Msg("consent_consume_failed")
			}
		},
	}
}
