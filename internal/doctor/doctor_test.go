package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPolicyYAML = `
agent:
  name: test
  version: "1.0.0"
tools:
  allowed: [lab_clinic_discovery, appointment_book]
  transactional: [appointment_book]
emergency:
  block_transactional: true
audit:
  retention_days: 30
`

func TestRun_AllChecksPass(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CAREPILOT_DATA_DIR", dir)

	policyPath := filepath.Join(dir, "carepilot.policy.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte(testPolicyYAML), 0o600))

	report := Run(context.Background(), Options{PolicyBaseDir: dir})

	assert.Zero(t, report.Summary.Fail, "no check should fail: %+v", report.Checks)
	assert.GreaterOrEqual(t, report.Summary.Pass, 5)
	// Generated crypto keys downgrade the overall status to warn.
	assert.Equal(t, "warn", report.Status)

	names := map[string]string{}
	for _, c := range report.Checks {
		names[c.Name] = c.Status
	}
	assert.Equal(t, "pass", names["policy_valid"])
	assert.Equal(t, "pass", names["policy_engine"])
	assert.Equal(t, "pass", names["actions_db"])
	assert.Equal(t, "pass", names["clinical_db"])
	assert.Equal(t, "pass", names["audit_db"])
	assert.Equal(t, "warn", names["crypto_keys"])
}

func TestRun_MissingPolicyFails(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CAREPILOT_DATA_DIR", dir)

	report := Run(context.Background(), Options{PolicyBaseDir: dir})

	assert.Equal(t, "fail", report.Status)
	found := false
	for _, c := range report.Checks {
		if c.Name == "policy_valid" {
			found = true
			assert.Equal(t, "fail", c.Status)
			assert.NotEmpty(t, c.Fix)
		}
	}
	assert.True(t, found, "should include policy_valid check")
}

func TestRun_BadEmergencyPattern(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CAREPILOT_DATA_DIR", dir)

	bad := `
agent:
  name: test
  version: "1.0.0"
tools:
  allowed: [lab_clinic_discovery]
emergency:
  block_transactional: true
  extra_patterns: ["(unclosed"]
`
	policyPath := filepath.Join(dir, "carepilot.policy.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte(bad), 0o600))

	report := Run(context.Background(), Options{PolicyBaseDir: dir})

	found := false
	for _, c := range report.Checks {
		if c.Name == "emergency_patterns" {
			found = true
			assert.Equal(t, "fail", c.Status)
		}
	}
	assert.True(t, found, "should include emergency_patterns check")
}

func TestReport_SummaryCalculation(t *testing.T) {
	report := &Report{
		Checks: []CheckResult{
			{Status: "pass", Name: "a"},
			{Status: "pass", Name: "b"},
			{Status: "warn", Name: "c"},
			{Status: "fail", Name: "d"},
		},
	}
	for _, c := range report.Checks {
		switch c.Status {
		case "pass":
			report.Summary.Pass++
		case "warn":
			report.Summary.Warn++
		case "fail":
			report.Summary.Fail++
		}
	}

	assert.Equal(t, 2, report.Summary.Pass)
	assert.Equal(t, 1, report.Summary.Warn)
	assert.Equal(t, 1, report.Summary.Fail)
}
