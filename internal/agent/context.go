package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/carepilot-io/carepilot/internal/lifecycle"
)

// ExecutionContext carries the caller identity and conversational state
// for one tool execution. Presenting a consent token is how the caller
// confirms a transactional action.
type ExecutionContext struct {
	UserID       string `json:"user_id"`
	SessionKey   string `json:"session_key"`
	RequestID    string `json:"request_id"`
	MessageText  string `json:"message_text,omitempty"`
	Emergency    bool   `json:"emergency,omitempty"`
	ConsentToken string `json:"-"`
}

// Confirmed reports whether the caller has explicitly confirmed the
// action by presenting a consent token.
func (c *ExecutionContext) Confirmed() bool {
	return c.ConsentToken != ""
}

// ErrorDetail is one coded error carried in an execution result.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is the envelope returned to the caller for every execution,
// including denials and replays.
type Result struct {
	Status    lifecycle.State        `json:"status"`
	Data      map[string]interface{} `json:"data"`
	Errors    []ErrorDetail          `json:"errors"`
	Lifecycle []lifecycle.State      `json:"lifecycle"`
	ActionID  string                 `json:"action_id"`
	Replayed  bool                   `json:"replayed,omitempty"`
}

// hashExcludedKeys never participate in payload hashing: the consent
// token is presented alongside the payload, not part of it, and a
// caller-supplied hash must not feed back into itself. The idempotency
// key is transport metadata for the dedup gate, not action input.
var hashExcludedKeys = map[string]struct{}{
	"consent_token":   {},
	"payload_hash":    {},
	"idempotency_key": {},
}

// SanitizePayload returns a copy of the payload without the keys that
// are excluded from hashing and persistence.
func SanitizePayload(payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if _, skip := hashExcludedKeys[k]; skip {
			continue
		}
		out[k] = v
	}
	return out
}

// CanonicalPayloadHash computes the sha256 of the sanitized payload in
// canonical JSON form (sorted keys, no insignificant whitespace). The
// same payload always hashes to the same value, so consent tokens stay
// bound to exactly what the user approved.
func CanonicalPayloadHash(payload map[string]interface{}) (string, error) {
	canonical, err := json.Marshal(SanitizePayload(payload))
	if err != nil {
		return "", fmt.Errorf("canonicalizing payload: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// DefaultIdempotencyKey derives a dedup key when the caller supplies
// none: identical payloads from the same user and session within one
// replay bucket collapse to a single action.
func DefaultIdempotencyKey(userID, actionType, payloadHash, sessionKey string) string {
	sum := sha256.Sum256([]byte(userID + ":" + actionType + ":" + payloadHash + ":" + sessionKey))
	return hex.EncodeToString(sum[:])
}

// payloadUserID extracts the target user named inside the payload, if
// any, for the cross-user policy rule.
func payloadUserID(payload map[string]interface{}) string {
	if v, ok := payload["user_id"].(string); ok {
		return v
	}
	return ""
}

// payloadIdempotencyKey returns the caller-supplied idempotency key, if any.
func payloadIdempotencyKey(payload map[string]interface{}) string {
	if v, ok := payload["idempotency_key"].(string); ok {
		return v
	}
	return ""
}
