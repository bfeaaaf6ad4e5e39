package cryptoutil

// IsHexString reports whether s consists only of hexadecimal characters.
// An empty string passes; callers enforce minimum length where key material
// of a fixed byte size is expected.
func IsHexString(s string) bool {
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		case c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
