//go:build integration
// +build integration

package integration

import (
	"bytes"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const integrationPolicy = `agent:
  name: carepilot
  version: "1.0.0"
tools:
  allowed:
    - lab_clinic_discovery
    - symptom_report
    - appointment_book
    - medication_refill_request
  transactional:
    - appointment_book
    - medication_refill_request
emergency:
  block_transactional: true
audit:
  retention_days: 30
`

func TestFullFlow(t *testing.T) {
	binary := buildBinary(t)
	workDir := t.TempDir()

	t.Setenv("CAREPILOT_DATA_DIR", workDir)
	t.Setenv("CAREPILOT_SEALING_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("CAREPILOT_SIGNING_KEY", "integration-signing-key-32-bytes")

	policyPath := filepath.Join(workDir, "carepilot.policy.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte(integrationPolicy), 0o600))

	t.Run("version", func(t *testing.T) {
		out := runCmd(t, binary, workDir, "version")
		assert.Contains(t, out, "CarePilot")
	})

	t.Run("doctor", func(t *testing.T) {
		out := runCmd(t, binary, workDir, "doctor")
		assert.Contains(t, out, "policy_valid")
		assert.NotContains(t, out, "failed\n\n")
	})

	t.Run("execute_read_only", func(t *testing.T) {
		out := runCmd(t, binary, workDir, "execute", "lab_clinic_discovery",
			"--user", "user-1", "--payload", `{"query":"blood panel"}`)
		res := decodeResult(t, out)
		assert.Equal(t, "succeeded", res["status"])
	})

	t.Run("transactional_gate_and_consent", func(t *testing.T) {
		payload := `{"slot":"2026-09-01T10:00:00Z","clinic":"mercy"}`

		out := runCmd(t, binary, workDir, "execute", "appointment_book",
			"--user", "user-1", "--payload", payload)
		res := decodeResult(t, out)
		assert.Equal(t, "blocked", res["status"])

		issueOut := runCmd(t, binary, workDir, "consent", "issue",
			"--user", "user-1", "--action", "appointment_book", "--payload", payload)
		var issued map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(issueOut), &issued))
		token, _ := issued["token"].(string)
		require.NotEmpty(t, token)

		valOut := runCmd(t, binary, workDir, "consent", "validate",
			"--token", token, "--user", "user-1", "--action", "appointment_book",
			"--payload", payload)
		assert.Contains(t, valOut, "true")

		// New idempotency key so the confirmed attempt is a fresh action.
		confirmed := `{"slot":"2026-09-01T10:00:00Z","clinic":"mercy","idempotency_key":"confirmed-1"}`
		out = runCmd(t, binary, workDir, "execute", "appointment_book",
			"--user", "user-1", "--payload", confirmed, "--consent-token", token)
		res = decodeResult(t, out)
		assert.Equal(t, "succeeded", res["status"])
	})

	t.Run("actions_list_and_show", func(t *testing.T) {
		out := runCmd(t, binary, workDir, "actions", "list", "--user", "user-1")
		var listing map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(out), &listing))
		actions, _ := listing["actions"].([]interface{})
		require.NotEmpty(t, actions)

		first, _ := actions[0].(map[string]interface{})
		id, _ := first["id"].(string)
		require.NotEmpty(t, id)

		showOut := runCmd(t, binary, workDir, "actions", "show", id, "--user", "user-1")
		assert.Contains(t, showOut, "transitions")
	})

	t.Run("symptom_and_decay", func(t *testing.T) {
		out := runCmd(t, binary, workDir, "execute", "symptom_report",
			"--user", "user-1", "--payload", `{"symptom":"headache","severity":"mild"}`)
		res := decodeResult(t, out)
		assert.Equal(t, "succeeded", res["status"])

		decayOut := runCmd(t, binary, workDir, "decay", "--user", "user-1")
		assert.Contains(t, decayOut, "{")
	})
}

func TestEmergencyGate(t *testing.T) {
	binary := buildBinary(t)
	workDir := t.TempDir()

	t.Setenv("CAREPILOT_DATA_DIR", workDir)
	t.Setenv("CAREPILOT_SEALING_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("CAREPILOT_SIGNING_KEY", "integration-signing-key-32-bytes")

	policyPath := filepath.Join(workDir, "carepilot.policy.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte(integrationPolicy), 0o600))

	payload := `{"slot":"2026-09-01T10:00:00Z"}`
	issueOut := runCmd(t, binary, workDir, "consent", "issue",
		"--user", "user-1", "--action", "appointment_book", "--payload", payload)
	var issued map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(issueOut), &issued))
	token, _ := issued["token"].(string)
	require.NotEmpty(t, token)

	out := runCmd(t, binary, workDir, "execute", "appointment_book",
		"--user", "user-1", "--payload", payload, "--consent-token", token,
		"--message", "I have crushing chest pain, book it anyway")
	res := decodeResult(t, out)
	assert.Equal(t, "blocked", res["status"])
}

func buildBinary(t *testing.T) string {
	t.Helper()
	binary := filepath.Join(t.TempDir(), "carepilot")
	cmd := exec.Command("go", "build", "-o", binary, "../..")
	cmd.Env = append(os.Environ(), "CGO_ENABLED=1")
	output, err := cmd.CombinedOutput()
	require.NoError(t, err, "failed to build binary: %s", string(output))
	return binary
}

// runCmd returns stdout only so JSON output can be decoded; log lines go
// to stderr and are surfaced on failure.
func runCmd(t *testing.T, binary, workDir string, args ...string) string {
	t.Helper()
	cmd := exec.Command(binary, args...)
	cmd.Dir = workDir
	cmd.Env = os.Environ()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	require.NoError(t, err, "command '%s %s' failed: %s", binary, strings.Join(args, " "), stderr.String())
	return stdout.String()
}

func decodeResult(t *testing.T, out string) map[string]interface{} {
	t.Helper()
	var res map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	return res
}
