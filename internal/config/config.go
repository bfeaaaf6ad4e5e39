// Package config holds OPERATOR-LEVEL configuration for a CarePilot node.
//
// This is infrastructure config set by the admin who deploys the action
// core, NOT end-user data. It covers the data directory, the audit signing
// key, the payload sealing key, the idempotency replay window, and the
// temporal decay thresholds. Set via env vars (CAREPILOT_*) or a config
// file (carepilot.config.yaml).
//
// Per-user clinical data (symptom states, consent tokens, the action
// ledger) lives in SQLite under the data directory and is never part of
// this config.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/carepilot-io/carepilot/internal/cryptoutil"
)

// Viper keys. Each maps to an env var with the CAREPILOT_ prefix
// (e.g. "signing_key" → CAREPILOT_SIGNING_KEY) and to a YAML field
// in carepilot.config.yaml.
const (
	KeyDataDir        = "data_dir"
	KeySigningKey     = "signing_key"
	KeySealingKey     = "sealing_key"
	KeyDefaultPolicy  = "default_policy"
	KeyReplayWindow   = "replay_window"
	KeyReconfirmAfter = "reconfirm_after"
	KeyAutoResolve    = "auto_resolve_after"
	KeyInferenceTTL   = "inference_ttl"
	KeyRetentionDays  = "ledger_retention_days"
)

// Defaults that do NOT involve crypto material. Crypto keys intentionally
// have no baked-in defaults — when unset we generate a deterministic
// per-machine fallback and warn loudly.
const (
	DefaultPolicy        = "carepilot.policy.yaml"
	DefaultReplayWindow  = time.Hour
	DefaultReconfirm     = 48 * time.Hour
	DefaultAutoResolve   = 7 * 24 * time.Hour
	DefaultInferenceTTL  = 24 * time.Hour
	DefaultRetentionDays = 365
)

// Config holds resolved operator-level configuration for a CarePilot process.
type Config struct {
	DataDir       string        // Base directory for all state (~/.carepilot)
	SigningKey    string        // HMAC-SHA256 key for audit event signing (≥32 bytes)
	SealingKey    string        // secretbox key for payload-at-rest sealing (exactly 32 bytes)
	DefaultPolicy string        // Default care policy filename
	ReplayWindow  time.Duration // Idempotency replay bucket width
	RetentionDays int           // Terminal action records older than this are purged by serve

	// Temporal decay thresholds (clinical store sweep).
	ReconfirmAfter   time.Duration // Active symptom needs reconfirmation after this
	AutoResolveAfter time.Duration // Active symptom auto-resolves (unconfirmed) after this
	InferenceTTL     time.Duration // Hard cap on bounded inference lifetime

	usingDefaultSigningKey bool
	usingDefaultSealingKey bool
}

// UsingDefaultKeys returns true if either crypto key fell back to
// a generated default. Commands should warn when this is the case.
func (c *Config) UsingDefaultKeys() bool {
	return c.usingDefaultSigningKey || c.usingDefaultSealingKey
}

// ActionsDBPath returns the full path to the action ledger SQLite database.
// Consent tokens share this file so the confirmation gate and the ledger
// cannot diverge.
func (c *Config) ActionsDBPath() string {
	return filepath.Join(c.DataDir, "actions.db")
}

// ClinicalDBPath returns the full path to the clinical SQLite database
// (symptom states, inferences, health signals).
func (c *Config) ClinicalDBPath() string {
	return filepath.Join(c.DataDir, "clinical.db")
}

// AuditDBPath returns the full path to the signed audit event database.
func (c *Config) AuditDBPath() string {
	return filepath.Join(c.DataDir, "audit.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// WarnIfDefaultKeys logs a warning when crypto keys are not explicitly set.
// Suppressed when CAREPILOT_QUICKSTART=1 or true (demos, first runs).
func (c *Config) WarnIfDefaultKeys() {
	if isQuickstart() {
		return
	}
	if c.usingDefaultSigningKey {
		log.Warn().Msg("Using generated default CAREPILOT_SIGNING_KEY — set via env var or config file for production")
	}
	if c.usingDefaultSealingKey {
		log.Warn().Msg("Using generated default CAREPILOT_SEALING_KEY — set via env var or config file for production")
	}
}

func isQuickstart() bool {
	v := os.Getenv("CAREPILOT_QUICKSTART")
	return v == "1" || v == "true" || v == "TRUE"
}

func init() {
	viper.SetEnvPrefix("CAREPILOT")
	viper.AutomaticEnv()
	viper.SetDefault(KeyDefaultPolicy, DefaultPolicy)
	viper.SetDefault(KeyReplayWindow, DefaultReplayWindow)
	viper.SetDefault(KeyReconfirmAfter, DefaultReconfirm)
	viper.SetDefault(KeyAutoResolve, DefaultAutoResolve)
	viper.SetDefault(KeyInferenceTTL, DefaultInferenceTTL)
	viper.SetDefault(KeyRetentionDays, DefaultRetentionDays)
}

// Load reads configuration from Viper (which merges env vars, config
// file, and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:          resolveDataDir(),
		SigningKey:       viper.GetString(KeySigningKey),
		SealingKey:       viper.GetString(KeySealingKey),
		DefaultPolicy:    viper.GetString(KeyDefaultPolicy),
		ReplayWindow:     viper.GetDuration(KeyReplayWindow),
		ReconfirmAfter:   viper.GetDuration(KeyReconfirmAfter),
		AutoResolveAfter: viper.GetDuration(KeyAutoResolve),
		InferenceTTL:     viper.GetDuration(KeyInferenceTTL),
		RetentionDays:    viper.GetInt(KeyRetentionDays),
	}

	if cfg.SigningKey == "" {
		cfg.SigningKey = deriveDefaultKey(cfg.DataDir, "audit-event-signing")
		cfg.usingDefaultSigningKey = true
	}
	if cfg.SealingKey == "" {
		cfg.SealingKey = deriveDefaultKey(cfg.DataDir, "payload-sealing----")
		cfg.usingDefaultSealingKey = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".carepilot"
	}
	return filepath.Join(home, ".carepilot")
}

// deriveDefaultKey produces a deterministic 32-byte fallback key from the
// data directory path and a salt. Uses SHA-256 so the full salt always
// contributes to the output regardless of path length. This is NOT
// cryptographically strong — it exists solely so `carepilot serve` works
// out of the box while still sealing payloads with a per-machine key.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("carepilot:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	if err := validateSealingKey(c.SealingKey); err != nil {
		return err
	}
	if err := validateSigningKey(c.SigningKey); err != nil {
		return err
	}
	if c.ReplayWindow < time.Minute || c.ReplayWindow > 24*time.Hour {
		return fmt.Errorf("replay_window must be between 1m and 24h (got %s)", c.ReplayWindow)
	}
	if c.ReconfirmAfter <= 0 || c.AutoResolveAfter <= 0 || c.InferenceTTL <= 0 {
		return fmt.Errorf("decay thresholds must be positive")
	}
	if c.ReconfirmAfter >= c.AutoResolveAfter {
		return fmt.Errorf("reconfirm_after (%s) must be shorter than auto_resolve_after (%s)",
			c.ReconfirmAfter, c.AutoResolveAfter)
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("ledger_retention_days must be positive")
	}
	return nil
}

// validateSealingKey accepts either 32 raw bytes or 64 hex characters
// (decodes to 32 bytes for secretbox).
func validateSealingKey(key string) error {
	n := len(key)
	if n == 32 {
		return nil
	}
	if n == 64 && cryptoutil.IsHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil || len(decoded) != 32 {
			return fmt.Errorf("sealing_key hex must decode to 32 bytes: %w", err)
		}
		return nil
	}
	return fmt.Errorf("sealing_key must be exactly 32 bytes or 64 hex characters (got %d); set CAREPILOT_SEALING_KEY", n)
}

// validateSigningKey accepts either ≥32 raw bytes or ≥64 hex characters (decoded length ≥32 for HMAC-SHA256).
// Hex is checked first (disjoint from raw) so that hex format is validated; raw is accepted otherwise when n ≥ 32.
func validateSigningKey(key string) error {
	n := len(key)
	if n >= 64 && n%2 == 0 && cryptoutil.IsHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil || len(decoded) < 32 {
			return fmt.Errorf("signing_key hex must decode to at least 32 bytes: %w", err)
		}
		return nil
	}
	if n >= 32 {
		return nil
	}
	return fmt.Errorf("signing_key must be at least 32 bytes or 64+ hex characters (got %d); set CAREPILOT_SIGNING_KEY", n)
}
