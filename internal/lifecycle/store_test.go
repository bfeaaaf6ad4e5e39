package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSealingKey = "0123456789abcdef0123456789abcdef"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "actions.db"), testSealingKey, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func startAction(t *testing.T, store *Store, userID, key string) *Record {
	t.Helper()
	rec, replayed, err := store.Start(context.Background(), StartRequest{
		UserID:         userID,
		SessionID:      "sess-1",
		ActionType:     "appointment_book",
		Payload:        map[string]interface{}{"clinic_id": "cl-9", "slot": "2026-09-02T10:00"},
		PayloadHash:    "hash-" + key,
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	require.False(t, replayed)
	return rec
}

func TestStartAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := startAction(t, store, "user-1", "key-1")
	assert.True(t, strings.HasPrefix(rec.ID, "act_"))
	assert.Equal(t, StatePlanned, rec.State)
	assert.NotEmpty(t, rec.ReplayBucket)

	got, err := store.Get(ctx, "user-1", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "appointment_book", got.ActionType)
	assert.Equal(t, "cl-9", got.Payload["clinic_id"], "payload round-trips through sealing")
	assert.Nil(t, got.FinishedAt)
}

func TestStartPersistsConsentFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec, replayed, err := store.Start(ctx, StartRequest{
		UserID:          "user-1",
		SessionID:       "sess-1",
		ActionType:      "appointment_book",
		Payload:         map[string]interface{}{"slot": "2026-09-02T10:00"},
		PayloadHash:     "hash-consent",
		IdempotencyKey:  "key-consent",
		ConsentTokenID:  "ctk_abc123",
		ConsentSnapshot: true,
	})
	require.NoError(t, err)
	require.False(t, replayed)

	got, err := store.Get(ctx, "user-1", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "ctk_abc123", got.ConsentTokenID)
	assert.True(t, got.ConsentSnapshot)

	// The default posture survives the round trip too.
	bare := startAction(t, store, "user-1", "key-bare")
	got, err = store.Get(ctx, "user-1", bare.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ConsentTokenID)
	assert.False(t, got.ConsentSnapshot)
}

func TestGetEnforcesUserIsolation(t *testing.T) {
	store := newTestStore(t)
	rec := startAction(t, store, "user-1", "key-1")

	_, err := store.Get(context.Background(), "user-2", rec.ID)
	assert.ErrorIs(t, err, ErrActionNotFound)
}

func TestStartReplaySameBucket(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := startAction(t, store, "user-1", "key-1")

	second, replayed, err := store.Start(ctx, StartRequest{
		UserID:         "user-1",
		ActionType:     "appointment_book",
		PayloadHash:    "hash-key-1",
		IdempotencyKey: "key-1",
	})
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.ID, second.ID, "replay returns the original record")

	records, err := store.ListByUser(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Len(t, records, 1, "no second record is written")
}

func TestStartNoReplayAcrossUsers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := startAction(t, store, "user-1", "shared-key")

	b, replayed, err := store.Start(ctx, StartRequest{
		UserID:         "user-2",
		ActionType:     "appointment_book",
		PayloadHash:    "hash",
		IdempotencyKey: "shared-key",
	})
	require.NoError(t, err)
	assert.False(t, replayed, "idempotency keys are scoped per user")
	assert.NotEqual(t, a.ID, b.ID)
}

func TestReplayBucketRollsOver(t *testing.T) {
	store := newTestStore(t)

	b1 := store.replayBucket(time.Date(2026, 8, 31, 10, 5, 0, 0, time.UTC))
	b2 := store.replayBucket(time.Date(2026, 8, 31, 10, 55, 0, 0, time.UTC))
	b3 := store.replayBucket(time.Date(2026, 8, 31, 11, 5, 0, 0, time.UTC))

	assert.Equal(t, b1, b2, "requests within the window share a bucket")
	assert.NotEqual(t, b1, b3, "the bucket rolls over after the window")
}

func TestTransitionHappyPath(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := startAction(t, store, "user-1", "key-1")

	rec, err := store.Transition(ctx, rec.ID, StateAwaitingConfirmation, Update{Reason: "consent required"})
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingConfirmation, rec.State)

	rec, err = store.Transition(ctx, rec.ID, StateExecuting, Update{ConsentTokenID: "ctk_abc"})
	require.NoError(t, err)
	assert.Equal(t, "ctk_abc", rec.ConsentTokenID)

	rec, err = store.Transition(ctx, rec.ID, StateSucceeded, Update{
		Result: map[string]interface{}{"confirmation": "APPT-42"},
	})
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, rec.State)
	require.NotNil(t, rec.FinishedAt, "terminal state stamps finished_at")
	assert.Equal(t, "APPT-42", rec.Result["confirmation"])
	assert.Equal(t, "ctk_abc", rec.ConsentTokenID, "earlier fields survive the merge")

	history, err := store.History(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, StatePlanned, history[0].FromState)
	assert.Equal(t, StateAwaitingConfirmation, history[0].ToState)
	assert.Equal(t, "consent required", history[0].Reason)
	assert.Equal(t, StateSucceeded, history[2].ToState)
}

func TestInvalidTransitionRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := startAction(t, store, "user-1", "key-1")

	_, err := store.Transition(ctx, rec.ID, StateSucceeded, Update{})
	require.Error(t, err)

	var terr *TransitionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, StatePlanned, terr.From)
	assert.Equal(t, StateSucceeded, terr.To)

	// The record and its history are untouched.
	got, err := store.Get(ctx, "user-1", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePlanned, got.State)

	history, err := store.History(ctx, rec.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestTerminalRecordsAreImmutable(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := startAction(t, store, "user-1", "key-1")
	_, err := store.Transition(ctx, rec.ID, StateExecuting, Update{})
	require.NoError(t, err)
	_, err = store.Transition(ctx, rec.ID, StateFailed, Update{ErrorCode: "tool_exception"})
	require.NoError(t, err)

	for _, next := range []State{StateExecuting, StateSucceeded, StatePending, StatePlanned} {
		_, err := store.Transition(ctx, rec.ID, next, Update{})
		var terr *TransitionError
		assert.True(t, errors.As(err, &terr), "failed -> %s must be rejected", next)
	}
}

func TestTransitionUnknownAction(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Transition(context.Background(), "act_missing", StateExecuting, Update{})
	assert.ErrorIs(t, err, ErrActionNotFound)
}

func TestMergeKeepsExistingFields(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := startAction(t, store, "user-1", "key-1")
	_, err := store.Transition(ctx, rec.ID, StateExecuting, Update{PolicyCode: ""})
	require.NoError(t, err)
	_, err = store.Transition(ctx, rec.ID, StatePending, Update{ErrorMessage: "upstream queued"})
	require.NoError(t, err)

	got, err := store.Transition(ctx, rec.ID, StateSucceeded, Update{})
	require.NoError(t, err)
	assert.Equal(t, "upstream queued", got.ErrorMessage, "empty update fields keep stored values")
}

func TestPayloadSealedAtRest(t *testing.T) {
	store := newTestStore(t)
	rec := startAction(t, store, "user-1", "key-1")

	var sealed string
	err := store.db.QueryRow(
		`SELECT payload_sealed FROM action_records WHERE id = ?`, rec.ID).Scan(&sealed)
	require.NoError(t, err)

	assert.NotEmpty(t, sealed)
	assert.NotContains(t, sealed, "clinic_id", "payload is not stored in the clear")
	assert.NotContains(t, sealed, "cl-9")
}

func TestPurgeTerminal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := startAction(t, store, "user-1", "key-old")
	_, err := store.Transition(ctx, old.ID, StateExecuting, Update{})
	require.NoError(t, err)
	_, err = store.Transition(ctx, old.ID, StateSucceeded, Update{})
	require.NoError(t, err)

	live := startAction(t, store, "user-1", "key-live")

	// Age the terminal record past the retention cutoff.
	_, err = store.db.Exec(
		`UPDATE action_records SET finished_at = ? WHERE id = ?`,
		time.Now().UTC().AddDate(0, 0, -400), old.ID)
	require.NoError(t, err)

	purged, err := store.PurgeTerminal(ctx, 365)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = store.Get(ctx, "user-1", old.ID)
	assert.ErrorIs(t, err, ErrActionNotFound)

	_, err = store.Get(ctx, "user-1", live.ID)
	assert.NoError(t, err, "non-terminal records are never purged")

	history, err := store.History(ctx, old.ID)
	require.NoError(t, err)
	assert.Empty(t, history, "history is purged with the record")
}

func TestNewStoreRejectsBadKey(t *testing.T) {
	_, err := NewStore(filepath.Join(t.TempDir(), "a.db"), "short", time.Hour)
	assert.ErrorIs(t, err, ErrInvalidSealingKey)
}
