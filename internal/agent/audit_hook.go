package agent

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/carepilot-io/carepilot/internal/evidence"
	"github.com/carepilot-io/carepilot/internal/lifecycle"
	"github.com/carepilot-io/carepilot/internal/policy"
)

// AuditBeforeHook appends a signed action_started event. It always
// allows: audit observes, it never gates.
func AuditBeforeHook(store *evidence.Store) BeforeHook {
	return BeforeHook{
		Name: "audit",
		Run: func(ctx context.Context, in *HookInput) (*HookDecision, error) {
			ev := &evidence.Event{
				ActionID:  in.ActionID,
				UserID:    in.Exec.UserID,
				SessionID: in.Exec.SessionKey,
				EventType: evidence.TypeActionStarted,
				ToolName:  in.Tool.Name,
				Details: map[string]interface{}{
					"payload_hash":  in.PayloadHash,
					"transactional": in.Tool.Transactional,
					"request_id":    in.Exec.RequestID,
				},
			}
			if err := store.Append(ctx, ev); err != nil {
				log.Warn().Err(err).Str("action_id", in.ActionID).Msg("audit_append_failed")
			}
			return Allow(), nil
		},
	}
}

// AuditAfterHook appends a signed event for the final outcome, typed by
// what actually happened: replay, policy denial, consent denial, hook
// failure, or a plain finish.
func AuditAfterHook(store *evidence.Store) AfterHook {
	return AfterHook{
		Name: "audit",
		Run: func(ctx context.Context, in *HookInput, out *Outcome) {
			ev := &evidence.Event{
				ActionID:  in.ActionID,
				UserID:    in.Exec.UserID,
				SessionID: in.Exec.SessionKey,
				EventType: outcomeEventType(out),
				ToolName:  in.Tool.Name,
				Details: map[string]interface{}{
					"status":       string(out.Status),
					"payload_hash": in.PayloadHash,
					"lifecycle":    stateStrings(out.Lifecycle),
				},
			}
			if len(out.Errors) > 0 {
				ev.Details["error_code"] = out.Errors[0].Code
				ev.Details["error_message"] = out.Errors[0].Message
			}
			if err := store.Append(ctx, ev); err != nil {
				log.Warn().Err(err).Str("action_id", in.ActionID).Msg("audit_append_failed")
			}
		},
	}
}

func outcomeEventType(out *Outcome) string {
	if out.Replayed {
		return evidence.TypeReplayServed
	}
	if len(out.Errors) > 0 {
		switch code := out.Errors[0].Code; {
		case code == policy.CodeAllowlistDenied, code == policy.CodeEmergencyBlock, code == policy.CodeCrossUserBlock:
			return evidence.TypePolicyDenied
		case code == "not_confirmed", strings.HasPrefix(code, "consent_"):
			return evidence.TypeConsentDenied
		case code == "hook_error":
			return evidence.TypeHookFailure
		}
	}
	return evidence.TypeActionFinished
}

func stateStrings(states []lifecycle.State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}
