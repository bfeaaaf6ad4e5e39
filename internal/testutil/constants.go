package testutil

// Test crypto keys for use in tests only.
// The sealing key must be exactly 32 bytes, the signing key at least 32.
const (
	TestSealingKey = "0123456789abcdef0123456789abcdef"
	TestSigningKey = "test-signing-key-needs-32-bytes!"
)
