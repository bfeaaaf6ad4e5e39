package policy

import (
	"fmt"
	"regexp"
)

// EmergencyMatcher flags free text that reads like a medical emergency.
// Callers use it to set the emergency flag on the execution context before
// policy evaluation; the same patterns also run inside the Rego emergency
// rule, so a flagged context and matching text both block transactional
// tools.
type EmergencyMatcher struct {
	patterns []*regexp.Regexp
}

// NewEmergencyMatcher compiles the policy's effective emergency patterns.
func NewEmergencyMatcher(pol *CarePolicy) (*EmergencyMatcher, error) {
	m := &EmergencyMatcher{}
	for _, p := range pol.Emergency.Patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("compiling emergency pattern %q: %w", p, err)
		}
		m.patterns = append(m.patterns, re)
	}
	return m, nil
}

// Match reports whether any emergency pattern matches the text.
func (m *EmergencyMatcher) Match(text string) bool {
	if text == "" {
		return false
	}
	for _, re := range m.patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
