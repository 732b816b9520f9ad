package config

// Secret wraps strings that should be redacted in logs and serialization.
// Use Value() to access the actual secret value.
type Secret string

// String implements fmt.Stringer. Always returns redacted value.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// GoString implements fmt.GoStringer for %#v formatting.
func (s Secret) GoString() string {
	return "Secret([REDACTED])"
}

// MarshalText keeps secrets out of YAML and JSON output.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Value returns the actual secret value. Use sparingly.
func (s Secret) Value() string {
	return string(s)
}
