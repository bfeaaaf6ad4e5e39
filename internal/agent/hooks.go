package agent

import (
	"context"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/carepilot-io/carepilot/internal/agent/tools"
	"github.com/carepilot-io/carepilot/internal/lifecycle"
)

// HookDecision controls whether execution proceeds past a pre-hook.
type HookDecision struct {
	Allowed bool
	Code    string
	Message string
}

// Allow is the decision pre-hooks return when they have no objection.
func Allow() *HookDecision {
	return &HookDecision{Allowed: true}
}

// Deny builds a blocking decision with a stable code.
func Deny(code, message string) *HookDecision {
	return &HookDecision{Allowed: false, Code: code, Message: message}
}

// HookInput is the data every hook sees for one execution.
type HookInput struct {
	Exec        *ExecutionContext
	Tool        tools.Descriptor
	Payload     map[string]interface{} // sanitized
	PayloadHash string
	ActionID    string
}

// Outcome is the finished-execution view handed to post-hooks.
type Outcome struct {
	Status    lifecycle.State
	Data      map[string]interface{}
	Errors    []ErrorDetail
	Lifecycle []lifecycle.State
	Replayed  bool
}

// BeforeHook runs before the tool handler. Returning a not-allowed
// decision blocks the action; an error is treated the same way, since
// consent checks must fail closed.
type BeforeHook struct {
	Name string
	Run  func(ctx context.Context, in *HookInput) (*HookDecision, error)
}

// AfterHook observes the final outcome. After-hooks cannot change the
// result and a failing hook never stops the others from running.
type AfterHook struct {
	Name string
	Run  func(ctx context.Context, in *HookInput, out *Outcome)
}

// HookRunner holds the registered hooks in registration order. Consent
// verification and audit writing plug in here so the executor stays
// decoupled from those concerns.
type HookRunner struct {
	before []BeforeHook
	after  []AfterHook
}

// NewHookRunner creates an empty hook runner.
func NewHookRunner() *HookRunner {
	return &HookRunner{}
}

// AddBefore registers a pre-execution hook.
func (r *HookRunner) AddBefore(h BeforeHook) {
	r.before = append(r.before, h)
}

// AddAfter registers a post-execution hook.
func (r *HookRunner) AddAfter(h AfterHook) {
	r.after = append(r.after, h)
}

// RunBefore runs pre-hooks in order. The first not-allowed decision
// short-circuits the rest.
func (r *HookRunner) RunBefore(ctx context.Context, in *HookInput) *HookDecision {
	ctx, span := tracer.Start(ctx, "hooks.run_before",
		trace.WithAttributes(
			attribute.String("action_id", in.ActionID),
			attribute.String("tool.name", in.Tool.Name),
		))
	defer span.End()

	for _, h := range r.before {
		decision, err := h.Run(ctx, in)
		if err != nil {
			log.Warn().Err(err).Str("hook", h.Name).Str("action_id", in.ActionID).Msg("before_hook_failed")
			span.SetAttributes(attribute.String("hook.failed", h.Name))
			return Deny("hook_error", "pre-execution check failed: "+h.Name)
		}
		if decision != nil && !decision.Allowed {
			span.SetAttributes(attribute.String("hook.denied", h.Name), attribute.String("hook.deny_code", decision.Code))
			return decision
		}
	}
	return Allow()
}

// RunAfter runs every post-hook. A panic in one hook is recovered and
// logged so audit and consent bookkeeping in the others still happen.
func (r *HookRunner) RunAfter(ctx context.Context, in *HookInput, out *Outcome) {
	ctx, span := tracer.Start(ctx, "hooks.run_after",
		trace.WithAttributes(
			attribute.String("action_id", in.ActionID),
			attribute.String("outcome.status", string(out.Status)),
		))
	defer span.End()

	for _, h := range r.after {
		runAfterHook(ctx, h, in, out)
	}
}

func runAfterHook(ctx context.Context, h AfterHook, in *HookInput, out *Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Warn().Interface("panic", rec).Str("hook", h.Name).Str("action_id", in.ActionID).Msg("after_hook_panicked")
		}
	}()
	h.Run(ctx, in, out)
}
