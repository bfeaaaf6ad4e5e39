package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizePayload(t *testing.T) {
	payload := map[string]interface{}{
		"topic":           "cardiology",
		"consent_token":   "ctk_abc",
		"payload_hash":    "deadbeef",
		"idempotency_key": "key-1",
	}

	out := SanitizePayload(payload)

	assert.Equal(t, map[string]interface{}{"topic": "cardiology"}, out)
	assert.Contains(t, payload, "consent_token") // original untouched
}

func TestCanonicalPayloadHash(t *testing.T) {
	a := map[string]interface{}{"b": 2, "a": 1, "nested": map[string]interface{}{"y": "z", "x": "w"}}
	b := map[string]interface{}{"nested": map[string]interface{}{"x": "w", "y": "z"}, "a": 1, "b": 2}

	ha, err := CanonicalPayloadHash(a)
	require.NoError(t, err)
	hb, err := CanonicalPayloadHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)

	// Token and dedup metadata never shift the hash.
	c := map[string]interface{}{"a": 1, "b": 2, "nested": map[string]interface{}{"x": "w", "y": "z"},
		"consent_token": "ctk_abc", "idempotency_key": "key-1"}
	hc, err := CanonicalPayloadHash(c)
	require.NoError(t, err)
	assert.Equal(t, ha, hc)

	d := map[string]interface{}{"a": 1, "b": 3, "nested": map[string]interface{}{"x": "w", "y": "z"}}
	hd, err := CanonicalPayloadHash(d)
	require.NoError(t, err)
	assert.NotEqual(t, ha, hd)
}

func TestDefaultIdempotencyKey(t *testing.T) {
	k1 := DefaultIdempotencyKey("user-1", "appointment_book", "hash", "sess-1")
	k2 := DefaultIdempotencyKey("user-1", "appointment_book", "hash", "sess-1")
	k3 := DefaultIdempotencyKey("user-1", "appointment_book", "hash", "sess-2")

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Len(t, k1, 64)
}
