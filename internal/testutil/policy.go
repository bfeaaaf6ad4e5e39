package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteTestPolicyFile creates a minimal valid carepilot.policy.yaml in dir
// and returns its path. The policy allows one read-only and one transactional
// tool and keeps the emergency gate on.
func WriteTestPolicyFile(t *testing.T, dir, agentName string) string {
	t.Helper()
	policyContent := `agent:
  name: "` + agentName + `"
  version: "1.0.0"
tools:
  allowed:
    - lab_clinic_discovery
    - appointment_book
  transactional:
    - appointment_book
emergency:
  block_transactional: true
audit:
  retention_days: 30
`
	path := filepath.Join(dir, "carepilot.policy.yaml")
	if err := os.WriteFile(path, []byte(policyContent), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// WritePolicyFile writes arbitrary policy YAML to dir and returns its path.
func WritePolicyFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "carepilot.policy.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}
