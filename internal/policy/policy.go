package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// defaultEmergencyPatterns are the built-in case-insensitive patterns that
// indicate a medical emergency in free text. Matching any of them while a
// transactional action is requested triggers an emergency_transaction_block.
var defaultEmergencyPatterns = []string{
	`chest pain.*breath`,
	`stroke`,
	`severe bleeding`,
	`anaphylaxis`,
	`overdose`,
	`self[- ]?harm`,
	`suicid`,
}

// CarePolicy represents a complete carepilot.policy.yaml configuration.
type CarePolicy struct {
	Agent     AgentConfig      `yaml:"agent" json:"agent"`
	Tools     ToolsConfig      `yaml:"tools" json:"tools"`
	Consent   *ConsentConfig   `yaml:"consent,omitempty" json:"consent,omitempty"`
	Emergency *EmergencyConfig `yaml:"emergency,omitempty" json:"emergency,omitempty"`
	Audit     *AuditConfig     `yaml:"audit,omitempty" json:"audit,omitempty"`

	// Computed fields (not serialized from YAML)
	Hash       string `yaml:"-" json:"-"`
	VersionTag string `yaml:"-" json:"-"`
}

// AgentConfig holds the agent identity.
type AgentConfig struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Version     string `yaml:"version" json:"version"`
}

// ToolsConfig defines which tools the agent may invoke and which of them
// are transactional (real-world side effects, consent-gated).
type ToolsConfig struct {
	Allowed       []string `yaml:"allowed" json:"allowed"`
	Transactional []string `yaml:"transactional,omitempty" json:"transactional,omitempty"`
}

// ConsentConfig tunes consent token issuance.
type ConsentConfig struct {
	DefaultTTLSeconds int `yaml:"default_ttl_seconds,omitempty" json:"default_ttl_seconds,omitempty"`
}

// EmergencyConfig controls the emergency transaction pause.
type EmergencyConfig struct {
	BlockTransactional bool     `yaml:"block_transactional" json:"block_transactional"`
	ExtraPatterns      []string `yaml:"extra_patterns,omitempty" json:"extra_patterns,omitempty"`

	// Patterns is the effective pattern list (built-ins plus extras),
	// populated by applyDefaults and exposed to OPA as data.
	Patterns []string `yaml:"-" json:"patterns"`
}

// AuditConfig controls audit event retention.
type AuditConfig struct {
	RetentionDays int `yaml:"retention_days,omitempty" json:"retention_days,omitempty"`
}

// IsTransactional reports whether the named tool is declared transactional.
func (p *CarePolicy) IsTransactional(tool string) bool {
	for _, t := range p.Tools.Transactional {
		if t == tool {
			return true
		}
	}
	return false
}

// ConsentTTLSeconds returns the configured default consent token TTL.
func (p *CarePolicy) ConsentTTLSeconds() int {
	if p.Consent != nil && p.Consent.DefaultTTLSeconds > 0 {
		return p.Consent.DefaultTTLSeconds
	}
	return 300
}

// ComputeHash generates SHA-256 hash of policy content and sets
// the VersionTag to "{agent.version}:sha256:{first8chars}".
func (p *CarePolicy) ComputeHash(content []byte) {
	hash := sha256.Sum256(content)
	p.Hash = hex.EncodeToString(hash[:])
	p.VersionTag = fmt.Sprintf("%s:sha256:%s", p.Agent.Version, p.Hash[:8])
}

// applyDefaults fills in sensible defaults for optional fields.
func applyDefaults(p *CarePolicy) {
	if p.Consent == nil {
		p.Consent = &ConsentConfig{DefaultTTLSeconds: 300}
	}
	if p.Consent.DefaultTTLSeconds == 0 {
		p.Consent.DefaultTTLSeconds = 300
	}

	if p.Emergency == nil {
		p.Emergency = &EmergencyConfig{BlockTransactional: true}
	}
	p.Emergency.Patterns = append([]string{}, defaultEmergencyPatterns...)
	p.Emergency.Patterns = append(p.Emergency.Patterns, p.Emergency.ExtraPatterns...)

	if p.Audit == nil {
		p.Audit = &AuditConfig{RetentionDays: 365}
	}
}
