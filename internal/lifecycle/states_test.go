package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StatePlanned, StateAwaitingConfirmation, true},
		{StatePlanned, StateExecuting, true},
		{StatePlanned, StateBlocked, true},
		{StatePlanned, StateFailed, true},
		{StatePlanned, StateSucceeded, false},
		{StatePlanned, StateExpired, false},
		{StatePlanned, StatePending, false},

		{StateAwaitingConfirmation, StateExecuting, true},
		{StateAwaitingConfirmation, StateExpired, true},
		{StateAwaitingConfirmation, StateBlocked, true},
		{StateAwaitingConfirmation, StateFailed, true},
		{StateAwaitingConfirmation, StateSucceeded, false},
		{StateAwaitingConfirmation, StatePlanned, false},

		{StateExecuting, StateSucceeded, true},
		{StateExecuting, StateFailed, true},
		{StateExecuting, StatePartial, true},
		{StateExecuting, StateBlocked, true},
		{StateExecuting, StateExpired, true},
		{StateExecuting, StatePending, true},
		{StateExecuting, StatePlanned, false},

		{StatePending, StateSucceeded, true},
		{StatePending, StateFailed, true},
		{StatePending, StatePartial, true},
		{StatePending, StateBlocked, true},
		{StatePending, StateExpired, true},
		{StatePending, StateExecuting, false},

		// Terminal states never move.
		{StateSucceeded, StateFailed, false},
		{StateFailed, StateExecuting, false},
		{StatePartial, StateSucceeded, false},
		{StateBlocked, StateExecuting, false},
		{StateExpired, StateExecuting, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestTerminal(t *testing.T) {
	terminal := []State{StateSucceeded, StateFailed, StatePartial, StateBlocked, StateExpired}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s", s)
	}

	live := []State{StatePlanned, StateAwaitingConfirmation, StateExecuting, StatePending}
	for _, s := range live {
		assert.False(t, s.Terminal(), "%s", s)
	}
}

func TestValid(t *testing.T) {
	assert.True(t, StatePlanned.Valid())
	assert.True(t, StateExpired.Valid())
	assert.False(t, State("cancelled").Valid())
	assert.False(t, State("").Valid())
}
