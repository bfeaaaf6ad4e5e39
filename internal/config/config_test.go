package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	viper.SetEnvPrefix("CAREPILOT")
	viper.AutomaticEnv()
	viper.SetDefault(KeyDefaultPolicy, DefaultPolicy)
	viper.SetDefault(KeyReplayWindow, DefaultReplayWindow)
	viper.SetDefault(KeyReconfirmAfter, DefaultReconfirm)
	viper.SetDefault(KeyAutoResolve, DefaultAutoResolve)
	viper.SetDefault(KeyInferenceTTL, DefaultInferenceTTL)
	viper.SetDefault(KeyRetentionDays, DefaultRetentionDays)
	t.Cleanup(func() { viper.Reset() })
}

func TestLoadDefaults(t *testing.T) {
	resetViper(t)
	viper.Set(KeyDataDir, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultReplayWindow, cfg.ReplayWindow)
	assert.Equal(t, DefaultReconfirm, cfg.ReconfirmAfter)
	assert.Equal(t, DefaultAutoResolve, cfg.AutoResolveAfter)
	assert.Equal(t, DefaultInferenceTTL, cfg.InferenceTTL)
	assert.Equal(t, DefaultRetentionDays, cfg.RetentionDays)
	assert.True(t, cfg.UsingDefaultKeys(), "unset keys should fall back to generated defaults")
}

func TestLoadDerivedKeysDeterministic(t *testing.T) {
	resetViper(t)
	dir := t.TempDir()
	viper.Set(KeyDataDir, dir)

	cfg1, err := Load()
	require.NoError(t, err)
	cfg2, err := Load()
	require.NoError(t, err)

	assert.Equal(t, cfg1.SigningKey, cfg2.SigningKey)
	assert.Equal(t, cfg1.SealingKey, cfg2.SealingKey)
	assert.NotEqual(t, cfg1.SigningKey, cfg1.SealingKey)
	assert.Len(t, cfg1.SealingKey, 64) // hex-encoded 32 bytes
}

func TestDBPaths(t *testing.T) {
	cfg := &Config{DataDir: "/var/lib/carepilot"}
	assert.Equal(t, "/var/lib/carepilot/actions.db", cfg.ActionsDBPath())
	assert.Equal(t, "/var/lib/carepilot/clinical.db", cfg.ClinicalDBPath())
	assert.Equal(t, "/var/lib/carepilot/audit.db", cfg.AuditDBPath())
}

func TestValidateSealingKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"raw 32 bytes", strings.Repeat("k", 32), false},
		{"hex 64 chars", strings.Repeat("ab", 32), false},
		{"too short", "short", true},
		{"raw 31 bytes", strings.Repeat("k", 31), true},
		{"64 chars non-hex", strings.Repeat("zz", 32), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateSealingKey(tt.key)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateSigningKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"raw 32 bytes", strings.Repeat("s", 32), false},
		{"raw 48 bytes", strings.Repeat("s", 48), false},
		{"hex 64 chars", strings.Repeat("0f", 32), false},
		{"too short", strings.Repeat("s", 16), true},
		{"empty", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateSigningKey(tt.key)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateThresholds(t *testing.T) {
	base := func() *Config {
		return &Config{
			DataDir:          t.TempDir(),
			SigningKey:       strings.Repeat("s", 32),
			SealingKey:       strings.Repeat("k", 32),
			ReplayWindow:     time.Hour,
			ReconfirmAfter:   48 * time.Hour,
			AutoResolveAfter: 7 * 24 * time.Hour,
			InferenceTTL:     24 * time.Hour,
			RetentionDays:    365,
		}
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, base().validate())
	})

	t.Run("replay window too narrow", func(t *testing.T) {
		cfg := base()
		cfg.ReplayWindow = time.Second
		assert.Error(t, cfg.validate())
	})

	t.Run("replay window too wide", func(t *testing.T) {
		cfg := base()
		cfg.ReplayWindow = 48 * time.Hour
		assert.Error(t, cfg.validate())
	})

	t.Run("reconfirm after auto-resolve", func(t *testing.T) {
		cfg := base()
		cfg.ReconfirmAfter = 8 * 24 * time.Hour
		assert.Error(t, cfg.validate())
	})

	t.Run("zero retention", func(t *testing.T) {
		cfg := base()
		cfg.RetentionDays = 0
		assert.Error(t, cfg.validate())
	})
}
