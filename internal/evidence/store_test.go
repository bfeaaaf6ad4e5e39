package evidence

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSigningKey = "test-signing-key-needs-32-bytes!"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "audit.db"), testSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestAppendAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ev := &Event{
		ActionID:  "act_123",
		UserID:    "user-1",
		EventType: TypeActionFinished,
		ToolName:  "appointment_book",
		Details:   map[string]interface{}{"state": "succeeded"},
	}
	require.NoError(t, store.Append(ctx, ev))

	assert.True(t, strings.HasPrefix(ev.ID, "evt_"))
	assert.True(t, strings.HasPrefix(ev.Signature, "hmac-sha256:"))

	got, err := store.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, TypeActionFinished, got.EventType)
	assert.Equal(t, "succeeded", got.Details["state"])
}

func TestVerify(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ev := &Event{UserID: "user-1", EventType: TypePolicyDenied, ToolName: "wire_transfer"}
	require.NoError(t, store.Append(ctx, ev))

	valid, err := store.Verify(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, valid)

	// Tamper with the stored event; verification must fail.
	_, err = store.db.Exec(
		`UPDATE audit_events SET event_json = replace(event_json, 'wire_transfer', 'harmless') WHERE id = ?`,
		ev.ID)
	require.NoError(t, err)

	valid, err = store.Verify(ctx, ev.ID)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestListFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, ev := range []*Event{
		{UserID: "user-1", ActionID: "act_a", EventType: TypeActionStarted},
		{UserID: "user-1", ActionID: "act_a", EventType: TypeActionFinished},
		{UserID: "user-1", ActionID: "act_b", EventType: TypePolicyDenied},
		{UserID: "user-2", ActionID: "act_c", EventType: TypeActionStarted},
	} {
		require.NoError(t, store.Append(ctx, ev))
	}

	byUser, err := store.List(ctx, "user-1", "", 0)
	require.NoError(t, err)
	assert.Len(t, byUser, 3)

	byAction, err := store.List(ctx, "user-1", "act_a", 0)
	require.NoError(t, err)
	assert.Len(t, byAction, 2)

	limited, err := store.List(ctx, "", "", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestPurge(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := &Event{UserID: "user-1", EventType: TypeActionFinished, Timestamp: time.Now().UTC().AddDate(0, 0, -400)}
	require.NoError(t, store.Append(ctx, old))
	recent := &Event{UserID: "user-1", EventType: TypeActionFinished}
	require.NoError(t, store.Append(ctx, recent))

	purged, err := store.Purge(ctx, 365)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = store.Get(ctx, old.ID)
	assert.Error(t, err)
	_, err = store.Get(ctx, recent.ID)
	assert.NoError(t, err)
}

func TestSignerKeyValidation(t *testing.T) {
	_, err := NewSigner("short")
	assert.Error(t, err)

	_, err = NewSigner(strings.Repeat("ab", 32))
	assert.NoError(t, err, "64 hex chars decode to 32 bytes")

	_, err = NewSigner(strings.Repeat("k", 32))
	assert.NoError(t, err, "32 raw bytes are accepted")
}
