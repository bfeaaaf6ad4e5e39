// Package doctor provides health checks for CarePilot configuration and
// runtime state. Used by `carepilot doctor` before putting a deployment in
// front of real users.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/carepilot-io/carepilot/internal/clinical"
	"github.com/carepilot-io/carepilot/internal/config"
	"github.com/carepilot-io/carepilot/internal/consent"
	"github.com/carepilot-io/carepilot/internal/evidence"
	"github.com/carepilot-io/carepilot/internal/lifecycle"
	"github.com/carepilot-io/carepilot/internal/policy"
)

// CheckResult is a single doctor check outcome.
type CheckResult struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Status   string `json:"status"` // pass, warn, fail
	Message  string `json:"message"`
	Fix      string `json:"fix,omitempty"`
}

// Summary tallies pass/warn/fail counts.
type Summary struct {
	Pass int `json:"pass"`
	Warn int `json:"warn"`
	Fail int `json:"fail"`
}

// Report is the complete doctor output.
type Report struct {
	Status  string        `json:"status"` // worst of all checks
	Checks  []CheckResult `json:"checks"`
	Summary Summary       `json:"summary"`
}

// Options controls how checks resolve their inputs.
type Options struct {
	PolicyBaseDir string // Base directory for policy path resolution (empty = cwd)
}

// Run executes all doctor checks and returns a report.
func Run(ctx context.Context, opts Options) *Report {
	report := &Report{}

	if opts.PolicyBaseDir == "" {
		opts.PolicyBaseDir = "."
	}

	report.Checks = append(report.Checks, checkConfig(ctx, opts)...)

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

	report.Status = "pass"
	if report.Summary.Warn > 0 {
		report.Status = "warn"
	}
	if report.Summary.Fail > 0 {
		report.Status = "fail"
	}
	return report
}

func checkConfig(ctx context.Context, opts Options) []CheckResult {
	var results []CheckResult

	cfg, err := config.Load()
	if err != nil {
		return []CheckResult{{
			Name: "config_load", Category: "config", Status: "fail",
			Message: fmt.Sprintf("Cannot load config: %v", err),
			Fix:     "Check CAREPILOT_DATA_DIR and config file",
		}}
	}

	results = append(results, checkDataDir(cfg))
	results = append(results, checkPolicy(ctx, cfg, opts)...)
	results = append(results, checkCryptoKeys(cfg))
	results = append(results, checkActionsDB(cfg))
	results = append(results, checkClinicalDB(cfg))
	results = append(results, checkAuditDB(cfg))
	return results
}

func checkDataDir(cfg *config.Config) CheckResult {
	if err := cfg.EnsureDataDir(); err != nil {
		return CheckResult{
			Name: "data_dir_writable", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%s — %v", cfg.DataDir, err),
			Fix:     "Ensure directory exists and is writable",
		}
	}
	testFile := filepath.Join(cfg.DataDir, ".doctor-write-test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return CheckResult{
			Name: "data_dir_writable", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%s not writable — %v", cfg.DataDir, err),
		}
	}
	_ = os.Remove(testFile)
	return CheckResult{
		Name: "data_dir_writable", Category: "config", Status: "pass",
		Message: fmt.Sprintf("%s (writable)", cfg.DataDir),
	}
}

func checkPolicy(ctx context.Context, cfg *config.Config, opts Options) []CheckResult {
	policyPath, err := policy.ResolvePathUnderBase(opts.PolicyBaseDir, cfg.DefaultPolicy)
	if err != nil {
		return []CheckResult{{
			Name: "policy_valid", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%s — %v", cfg.DefaultPolicy, err),
		}}
	}
	if _, statErr := os.Stat(policyPath); statErr != nil {
		return []CheckResult{{
			Name: "policy_valid", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%s — file not found", policyPath),
			Fix:     "Create a carepilot.policy.yaml (see the repository example)",
		}}
	}
	pol, loadErr := policy.LoadPolicy(ctx, cfg.DefaultPolicy, false, opts.PolicyBaseDir)
	if loadErr != nil {
		return []CheckResult{{
			Name: "policy_valid", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%s — %v", policyPath, loadErr),
		}}
	}

	results := []CheckResult{{
		Name: "policy_valid", Category: "config", Status: "pass",
		Message: fmt.Sprintf("%s (agent %s, %d tools, %d transactional)",
			policyPath, pol.Agent.Name, len(pol.Tools.Allowed), len(pol.Tools.Transactional)),
	}}

	if _, engErr := policy.NewEngine(ctx, pol); engErr != nil {
		results = append(results, CheckResult{
			Name: "policy_engine", Category: "config", Status: "fail",
			Message: fmt.Sprintf("Rego compilation failed: %v", engErr),
		})
	} else {
		results = append(results, CheckResult{
			Name: "policy_engine", Category: "config", Status: "pass",
			Message: "Embedded rules compiled",
		})
	}

	if _, matchErr := policy.NewEmergencyMatcher(pol); matchErr != nil {
		results = append(results, CheckResult{
			Name: "emergency_patterns", Category: "config", Status: "fail",
			Message: fmt.Sprintf("%v", matchErr),
			Fix:     "Fix the regex listed under emergency.extra_patterns",
		})
	} else {
		results = append(results, CheckResult{
			Name: "emergency_patterns", Category: "config", Status: "pass",
			Message: fmt.Sprintf("%d extra pattern(s)", len(pol.Emergency.ExtraPatterns)),
		})
	}
	return results
}

func checkCryptoKeys(cfg *config.Config) CheckResult {
	if cfg.UsingDefaultKeys() {
		return CheckResult{
			Name: "crypto_keys", Category: "config", Status: "warn",
			Message: "Using generated per-machine defaults",
			Fix:     "Set CAREPILOT_SIGNING_KEY and CAREPILOT_SEALING_KEY for production",
		}
	}
	return CheckResult{
		Name: "crypto_keys", Category: "config", Status: "pass", Message: "Configured",
	}
}

func checkActionsDB(cfg *config.Config) CheckResult {
	store, err := lifecycle.NewStore(cfg.ActionsDBPath(), cfg.SealingKey, cfg.ReplayWindow)
	if err != nil {
		return CheckResult{
			Name: "actions_db", Category: "storage", Status: "fail",
			Message: fmt.Sprintf("%v", err),
		}
	}
	_ = store.Close()

	cstore, cerr := consent.NewStore(cfg.ActionsDBPath())
	if cerr != nil {
		return CheckResult{
			Name: "actions_db", Category: "storage", Status: "fail",
			Message: fmt.Sprintf("consent tables: %v", cerr),
		}
	}
	_ = cstore.Close()
	return CheckResult{
		Name: "actions_db", Category: "storage", Status: "pass",
		Message: withSize(cfg.ActionsDBPath()),
	}
}

func checkClinicalDB(cfg *config.Config) CheckResult {
	store, err := clinical.NewStore(cfg.ClinicalDBPath(), clinical.Thresholds{
		ReconfirmAfter:   cfg.ReconfirmAfter,
		AutoResolveAfter: cfg.AutoResolveAfter,
		InferenceTTL:     cfg.InferenceTTL,
	})
	if err != nil {
		return CheckResult{
			Name: "clinical_db", Category: "storage", Status: "fail",
			Message: fmt.Sprintf("%v", err),
		}
	}
	_ = store.Close()
	return CheckResult{
		Name: "clinical_db", Category: "storage", Status: "pass",
		Message: withSize(cfg.ClinicalDBPath()),
	}
}

func checkAuditDB(cfg *config.Config) CheckResult {
	store, err := evidence.NewStore(cfg.AuditDBPath(), cfg.SigningKey)
	if err != nil {
		return CheckResult{
			Name: "audit_db", Category: "storage", Status: "fail",
			Message: fmt.Sprintf("%v", err),
		}
	}
	_ = store.Close()
	return CheckResult{
		Name: "audit_db", Category: "storage", Status: "pass",
		Message: withSize(cfg.AuditDBPath()),
	}
}

func withSize(path string) string {
	fi, err := os.Stat(path)
	if err != nil {
		return path
	}
	sizeMB := float64(fi.Size()) / (1024 * 1024)
	return fmt.Sprintf("%s (%.1f MB)", path, sizeMB)
}
