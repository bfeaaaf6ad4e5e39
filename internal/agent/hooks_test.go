package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/carepilot-io/carepilot/internal/agent/tools"
	"github.com/carepilot-io/carepilot/internal/lifecycle"
)

func testHookInput() *HookInput {
	return &HookInput{
		Exec:        &ExecutionContext{UserID: "user-1", SessionKey: "sess-1"},
		Tool:        tools.Descriptor{Name: "lab_clinic_discovery"},
		Payload:     map[string]interface{}{"topic": "cardiology"},
		PayloadHash: "hash",
		ActionID:    "act_test",
	}
}

func TestRunBeforeShortCircuits(t *testing.T) {
	r := NewHookRunner()
	var order []string

	r.AddBefore(BeforeHook{Name: "first", Run: func(ctx context.Context, in *HookInput) (*HookDecision, error) {
		order = append(order, "first")
		return Allow(), nil
	}})
	r.AddBefore(BeforeHook{Name: "second", Run: func(ctx context.Context, in *HookInput) (*HookDecision, error) {
		order = append(order, "second")
		return Deny("second_denied", "no"), nil
	}})
	r.AddBefore(BeforeHook{Name: "third", Run: func(ctx context.Context, in *HookInput) (*HookDecision, error) {
		order = append(order, "third")
		return Allow(), nil
	}})

	d := r.RunBefore(context.Background(), testHookInput())

	assert.False(t, d.Allowed)
	assert.Equal(t, "second_denied", d.Code)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestRunBeforeErrorFailsClosed(t *testing.T) {
	r := NewHookRunner()
	r.AddBefore(BeforeHook{Name: "broken", Run: func(ctx context.Context, in *HookInput) (*HookDecision, error) {
		return nil, errors.New("store unavailable")
	}})

	d := r.RunBefore(context.Background(), testHookInput())

	assert.False(t, d.Allowed)
	assert.Equal(t, "hook_error", d.Code)
}

func TestRunBeforeEmpty(t *testing.T) {
	d := NewHookRunner().RunBefore(context.Background(), testHookInput())
	assert.True(t, d.Allowed)
}

func TestRunAfterIsolatesPanics(t *testing.T) {
	r := NewHookRunner()
	var ran []string

	r.AddAfter(AfterHook{Name: "panicky", Run: func(ctx context.Context, in *HookInput, out *Outcome) {
		ran = append(ran, "panicky")
		panic("boom")
	}})
	r.AddAfter(AfterHook{Name: "survivor", Run: func(ctx context.Context, in *HookInput, out *Outcome) {
		ran = append(ran, "survivor")
	}})

	r.RunAfter(context.Background(), testHookInput(), &Outcome{Status: lifecycle.StateSucceeded})

	assert.Equal(t, []string{"panicky", "survivor"}, ran)
}
