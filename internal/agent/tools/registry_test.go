package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(_ context.Context, _ Call) (*Result, error) {
	return &Result{Status: "succeeded"}, nil
}

func TestRegisterAndResolve(t *testing.T) {
	reg := NewRegistry()

	require.NoError(t, reg.Register(Descriptor{
		Name:          "appointment_book",
		Transactional: true,
		Handler:       noopHandler,
	}))

	d, err := reg.Resolve("appointment_book")
	require.NoError(t, err)
	assert.Equal(t, "appointment_book", d.Name)
	assert.True(t, d.Transactional)
}

func TestResolveUnknownTool(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Resolve("nope")
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestRegisterValidation(t *testing.T) {
	reg := NewRegistry()

	assert.Error(t, reg.Register(Descriptor{Name: "", Handler: noopHandler}))
	assert.Error(t, reg.Register(Descriptor{Name: "no_handler"}))

	require.NoError(t, reg.Register(Descriptor{Name: "dup", Handler: noopHandler}))
	assert.Error(t, reg.Register(Descriptor{Name: "dup", Handler: noopHandler}))
}

func TestAliases(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Descriptor{Name: "appointment_book", Handler: noopHandler}))

	require.NoError(t, reg.AddAlias("book_appointment", "appointment_book"))

	d, err := reg.Resolve("book_appointment")
	require.NoError(t, err)
	assert.Equal(t, "appointment_book", d.Name, "alias resolves to the canonical descriptor")

	// Alias for an unknown canonical name fails.
	assert.ErrorIs(t, reg.AddAlias("x", "missing"), ErrToolNotFound)

	// Alias colliding with a registered tool fails.
	assert.Error(t, reg.AddAlias("appointment_book", "appointment_book"))

	// Registering a tool over an existing alias fails.
	assert.Error(t, reg.Register(Descriptor{Name: "book_appointment", Handler: noopHandler}))
}

func TestListNamesSorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"medication_refill_request", "appointment_book", "lab_clinic_discovery"} {
		require.NoError(t, reg.Register(Descriptor{Name: name, Handler: noopHandler}))
	}
	require.NoError(t, reg.AddAlias("refill", "medication_refill_request"))

	assert.Equal(t, []string{
		"appointment_book",
		"lab_clinic_discovery",
		"medication_refill_request",
	}, reg.ListNames(), "aliases are not listed")
}
