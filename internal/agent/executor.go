// Package agent implements the consent-gated tool execution pipeline.
//
// The pipeline executes in a fixed sequence: resolve tool → start the
// action ledger record (dedup gate) → confirmation gate for
// transactional tools → evaluate OPA policy → run pre-hooks → invoke
// the tool handler → finalize the lifecycle → run post-hooks. Every
// outcome, including denials and replays, produces a signed audit
// event via the post-hooks.
//
// Extension points:
//   - Hooks: register pre/post callbacks (see HookRunner); consent
//     verification and audit writing are built-in hooks.
//   - Tools: register handlers via agent/tools.Registry.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/carepilot-io/carepilot/internal/agent/tools"
	"github.com/carepilot-io/carepilot/internal/lifecycle"
	carepilototel "github.com/carepilot-io/carepilot/internal/otel"
	"github.com/carepilot-io/carepilot/internal/policy"
)

var tracer = carepilototel.Tracer("github.com/carepilot-io/carepilot/internal/agent")

// Executor orchestrates a single tool execution end to end.
type Executor struct {
	registry *tools.Registry
	engine   *policy.Engine
	hooks    *HookRunner
	store    *lifecycle.Store
}

// ExecutorConfig holds the dependencies for constructing an Executor.
type ExecutorConfig struct {
	Registry *tools.Registry
	Engine   *policy.Engine
	Hooks    *HookRunner // optional; nil = no hooks
	Store    *lifecycle.Store
}

// NewExecutor creates an executor with the given dependencies.
func NewExecutor(cfg ExecutorConfig) *Executor {
	hooks := cfg.Hooks
	if hooks == nil {
		hooks = NewHookRunner()
	}
	return &Executor{
		registry: cfg.Registry,
		engine:   cfg.Engine,
		hooks:    hooks,
		store:    cfg.Store,
	}
}

// Execute runs the full execution protocol for one tool call. Handler
// failures never propagate out: they finalize the action as failed and
// come back inside the Result. An error return means the request never
// became an action (unknown tool, broken payload) or the ledger itself
// failed.
func (e *Executor) Execute(ctx context.Context, ec ExecutionContext, toolName string, payload map[string]interface{}) (*Result, error) {
	ctx, span := tracer.Start(ctx, "agent.execute",
		trace.WithAttributes(
			attribute.String("user_id", ec.UserID),
			attribute.String("tool.name", toolName),
		))
	defer span.End()

	tool, err := e.registry.Resolve(toolName)
	if err != nil {
		return nil, err
	}

	sanitized := SanitizePayload(payload)
	payloadHash, err := CanonicalPayloadHash(payload)
	if err != nil {
		return nil, err
	}
	idemKey := payloadIdempotencyKey(payload)
	if idemKey == "" {
		idemKey = DefaultIdempotencyKey(ec.UserID, tool.Name, payloadHash, ec.SessionKey)
	}

	rec, replayed, err := e.store.Start(ctx, lifecycle.StartRequest{
		UserID:          ec.UserID,
		SessionID:       ec.SessionKey,
		ActionType:      tool.Name,
		Payload:         sanitized,
		PayloadHash:     payloadHash,
		IdempotencyKey:  idemKey,
		ConsentTokenID:  ec.ConsentToken,
		ConsentSnapshot: ec.Confirmed(),
	})
	if err != nil {
		return nil, fmt.Errorf("starting action: %w", err)
	}
	span.SetAttributes(attribute.String("action_id", rec.ID), attribute.Bool("replayed", replayed))

	hookIn := &HookInput{
		Exec:        &ec,
		Tool:        tool,
		Payload:     sanitized,
		PayloadHash: payloadHash,
		ActionID:    rec.ID,
	}
	seq := e.stateSequence(ctx, rec, replayed)

	// A replay of an already-finished action returns the stored result
	// untouched. Policy, hooks, and the handler never run again.
	if replayed && rec.State.Terminal() {
		res := &Result{
			Status:    rec.State,
			Data:      rec.Result,
			Errors:    errorsFromRecord(rec),
			Lifecycle: seq,
			ActionID:  rec.ID,
			Replayed:  true,
		}
		e.hooks.RunAfter(ctx, hookIn, outcomeOf(res))
		log.Info().Str("action_id", rec.ID).Str("state", string(rec.State)).Msg("action_replay_served")
		return res, nil
	}

	current := rec.State

	if tool.Transactional {
		if current == lifecycle.StatePlanned {
			next, failRes, err := e.transition(ctx, &seq, rec.ID, lifecycle.StateAwaitingConfirmation, lifecycle.Update{})
			if err != nil || failRes != nil {
				return failRes, err
			}
			current = next.State
		}
		if !ec.Confirmed() {
			res, err := e.finalizeDenial(ctx, &seq, rec.ID, current, hookIn,
				"not_confirmed", "User confirmation required. Issue a consent token and retry.", "")
			return res, err
		}
	}

	decision, err := e.engine.Check(ctx, policy.CheckInput{
		Tool:          tool.Name,
		Transactional: tool.Transactional,
		UserID:        ec.UserID,
		PayloadUserID: payloadUserID(payload),
		Text:          ec.MessageText,
		Emergency:     ec.Emergency,
	})
	if err != nil {
		// Policy evaluation fails closed.
		log.Error().Err(err).Str("action_id", rec.ID).Msg("policy_evaluation_failed")
		res, ferr := e.finalizeDenial(ctx, &seq, rec.ID, current, hookIn,
			"policy_error", "policy evaluation failed", "")
		return res, ferr
	}
	if !decision.Allowed {
		res, err := e.finalizeDenial(ctx, &seq, rec.ID, current, hookIn,
			decision.Code, decision.Message(), decision.Code)
		return res, err
	}

	if hd := e.hooks.RunBefore(ctx, hookIn); !hd.Allowed {
		res, err := e.finalizeDenial(ctx, &seq, rec.ID, current, hookIn, hd.Code, hd.Message, "")
		return res, err
	}

	// A resumed pending action invokes the handler again without passing
	// through executing; its final outcome transitions from pending
	// directly. Only fresh attempts enter executing.
	if current == lifecycle.StatePlanned || current == lifecycle.StateAwaitingConfirmation {
		_, failRes, err := e.transition(ctx, &seq, rec.ID, lifecycle.StateExecuting,
			lifecycle.Update{ConsentTokenID: ec.ConsentToken})
		if err != nil || failRes != nil {
			return failRes, err
		}
	}

	toolRes, handlerErr := e.invokeHandler(ctx, tool, tools.Call{
		ActionID:  rec.ID,
		UserID:    ec.UserID,
		SessionID: ec.SessionKey,
		Payload:   sanitized,
	})
	if handlerErr != nil {
		_, failRes, err := e.transition(ctx, &seq, rec.ID, lifecycle.StateFailed, lifecycle.Update{
			ErrorCode:    "tool_exception",
			ErrorMessage: handlerErr.Error(),
		})
		if err != nil || failRes != nil {
			return failRes, err
		}
		res := &Result{
			Status:    lifecycle.StateFailed,
			Data:      map[string]interface{}{},
			Errors:    []ErrorDetail{{Code: "tool_exception", Message: handlerErr.Error()}},
			Lifecycle: seq,
			ActionID:  rec.ID,
		}
		e.hooks.RunAfter(ctx, hookIn, outcomeOf(res))
		return res, nil
	}

	finalState := normalizeStatus(toolRes.Status)
	upd := lifecycle.Update{Result: toolRes.Data}
	var errs []ErrorDetail
	if toolRes.Error != "" {
		errs = []ErrorDetail{{Code: "tool_error", Message: toolRes.Error}}
		upd.ErrorCode = "tool_error"
		upd.ErrorMessage = toolRes.Error
	}
	// A resume that is still pending leaves the record where it is.
	if finalState != lifecycle.StatePending || current != lifecycle.StatePending {
		_, failRes, err := e.transition(ctx, &seq, rec.ID, finalState, upd)
		if err != nil || failRes != nil {
			return failRes, err
		}
	}

	res := &Result{
		Status:    finalState,
		Data:      toolRes.Data,
		Errors:    errs,
		Lifecycle: seq,
		ActionID:  rec.ID,
	}
	e.hooks.RunAfter(ctx, hookIn, outcomeOf(res))
	span.SetAttributes(attribute.String("final_state", string(finalState)))
	return res, nil
}

// finalizeDenial transitions a denied action to blocked (pre-execution)
// or failed (past that point), runs the post-hooks with the denial
// outcome so audit still observes it, and builds the result.
func (e *Executor) finalizeDenial(ctx context.Context, seq *[]lifecycle.State, actionID string, current lifecycle.State, hookIn *HookInput, code, message, policyCode string) (*Result, error) {
	next := lifecycle.StateFailed
	if current == lifecycle.StatePlanned || current == lifecycle.StateAwaitingConfirmation {
		next = lifecycle.StateBlocked
	}
	_, failRes, err := e.transition(ctx, seq, actionID, next, lifecycle.Update{
		PolicyCode:   policyCode,
		ErrorCode:    code,
		ErrorMessage: message,
	})
	if err != nil || failRes != nil {
		return failRes, err
	}
	res := &Result{
		Status:    next,
		Data:      map[string]interface{}{},
		Errors:    []ErrorDetail{{Code: code, Message: message}},
		Lifecycle: *seq,
		ActionID:  actionID,
	}
	e.hooks.RunAfter(ctx, hookIn, outcomeOf(res))
	return res, nil
}

// transition applies one lifecycle transition. A rejected transition or
// missing record becomes a failed Result without any further ledger
// mutation; only infrastructure errors propagate.
func (e *Executor) transition(ctx context.Context, seq *[]lifecycle.State, actionID string, to lifecycle.State, upd lifecycle.Update) (*lifecycle.Record, *Result, error) {
	rec, err := e.store.Transition(ctx, actionID, to, upd)
	if err != nil {
		var te *lifecycle.TransitionError
		if errors.As(err, &te) || errors.Is(err, lifecycle.ErrActionNotFound) {
			log.Warn().Err(err).Str("action_id", actionID).Str("to", string(to)).Msg("lifecycle_transition_rejected")
			return nil, &Result{
				Status:    lifecycle.StateFailed,
				Data:      map[string]interface{}{},
				Errors:    []ErrorDetail{{Code: "lifecycle_error", Message: err.Error()}},
				Lifecycle: *seq,
				ActionID:  actionID,
			}, nil
		}
		return nil, nil, fmt.Errorf("transitioning action %s: %w", actionID, err)
	}
	*seq = append(*seq, to)
	return rec, nil, nil
}

// invokeHandler calls the tool handler with a panic boundary. Handler
// code is third-party; a panic converts to an error here and nowhere
// else.
func (e *Executor) invokeHandler(ctx context.Context, tool tools.Descriptor, call tools.Call) (res *tools.Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res = nil
			err = fmt.Errorf("tool %s panicked: %v", tool.Name, rec)
		}
	}()
	res, err = tool.Handler(ctx, call)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = &tools.Result{}
	}
	return res, nil
}

// stateSequence reconstructs the ordered lifecycle states for a record.
// Fresh records have no history yet; replays rebuild it from the
// transition log.
func (e *Executor) stateSequence(ctx context.Context, rec *lifecycle.Record, replayed bool) []lifecycle.State {
	if !replayed {
		return []lifecycle.State{rec.State}
	}
	history, err := e.store.History(ctx, rec.ID)
	if err != nil || len(history) == 0 {
		return []lifecycle.State{rec.State}
	}
	seq := []lifecycle.State{history[0].FromState}
	for _, tr := range history {
		seq = append(seq, tr.ToState)
	}
	return seq
}

// terminalToolStates are the statuses a handler may declare. Anything
// else normalizes to succeeded.
var terminalToolStates = map[lifecycle.State]struct{}{
	lifecycle.StateSucceeded: {},
	lifecycle.StateFailed:    {},
	lifecycle.StatePartial:   {},
	lifecycle.StateBlocked:   {},
	lifecycle.StateExpired:   {},
	lifecycle.StatePending:   {},
}

func normalizeStatus(status string) lifecycle.State {
	st := lifecycle.State(status)
	if _, ok := terminalToolStates[st]; ok {
		return st
	}
	return lifecycle.StateSucceeded
}

func errorsFromRecord(rec *lifecycle.Record) []ErrorDetail {
	if rec.ErrorCode == "" {
		return nil
	}
	return []ErrorDetail{{Code: rec.ErrorCode, Message: rec.ErrorMessage}}
}

func outcomeOf(res *Result) *Outcome {
	return &Outcome{
		Status:    res.Status,
		Data:      res.Data,
		Errors:    res.Errors,
		Lifecycle: res.Lifecycle,
		Replayed:  res.Replayed,
	}
}
