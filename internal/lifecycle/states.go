// Package lifecycle persists tool action records and enforces the action
// state machine. Every action moves through an explicit set of states;
// transitions outside the allowed graph are rejected and never written.
package lifecycle

import "fmt"

// State is the lifecycle state of a tool action.
type State string

// Action lifecycle states.
const (
	StatePlanned              State = "planned"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateExecuting            State = "executing"
	StatePending              State = "pending"
	StateSucceeded            State = "succeeded"
	StateFailed               State = "failed"
	StatePartial              State = "partial"
	StateBlocked              State = "blocked"
	StateExpired              State = "expired"
)

// transitions is the allowed state graph. A state absent from the map is
// terminal: nothing moves out of it.
var transitions = map[State][]State{
	StatePlanned: {
		StateAwaitingConfirmation,
		StateExecuting,
		StateBlocked,
		StateFailed,
	},
	StateAwaitingConfirmation: {
		StateExecuting,
		StateExpired,
		StateBlocked,
		StateFailed,
	},
	StateExecuting: {
		StateSucceeded,
		StateFailed,
		StatePartial,
		StateBlocked,
		StateExpired,
		StatePending,
	},
	StatePending: {
		StateSucceeded,
		StateFailed,
		StatePartial,
		StateBlocked,
		StateExpired,
	},
}

// Valid reports whether s is a known lifecycle state.
func (s State) Valid() bool {
	switch s {
	case StatePlanned, StateAwaitingConfirmation, StateExecuting, StatePending,
		StateSucceeded, StateFailed, StatePartial, StateBlocked, StateExpired:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal state. Terminal records are
// immutable and serve replayed idempotent requests.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StatePartial, StateBlocked, StateExpired:
		return true
	}
	return false
}

// CanTransition reports whether moving from one state to another is allowed.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionError is returned when a requested state change is not in the
// allowed graph. The record is left untouched.
type TransitionError struct {
	ActionID string
	From     State
	To       State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition for action %s: %s -> %s", e.ActionID, e.From, e.To)
}
