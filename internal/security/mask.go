package security

import (
	"regexp"
)

// Redacted replaces the secret part of a masked value.
const Redacted = "***REDACTED***"

// Omitted replaces the whole value of a sensitive metadata key.
const Omitted = "***OMITTED***"

type maskRule struct {
	pattern     *regexp.Regexp
	replacement string
}

var maskRules = []maskRule{
	{regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`), "sk-" + Redacted},
	{regexp.MustCompile(`ghp_[a-zA-Z0-9]{36,}`), "ghp_" + Redacted},
	{regexp.MustCompile(`github_pat_[a-zA-Z0-9_]{22,}`), "github_pat_" + Redacted},
	{regexp.MustCompile(`gho_[a-zA-Z0-9]{36}`), "gho_" + Redacted},
	{regexp.MustCompile(`xox[baprs]-[a-zA-Z0-9-]+`), "xox*-" + Redacted},
	{regexp.MustCompile(`(?i)("?password"?\s*[:=]\s*)"[^"]+"`), `${1}"` + Redacted + `"`},
	{regexp.MustCompile(`(?i)("?secret"?\s*[:=]\s*)"[^"]+"`), `${1}"` + Redacted + `"`},
	{regexp.MustCompile(`(?i)("?token"?\s*[:=]\s*)"[^"]+"`), `${1}"` + Redacted + `"`},
	{regexp.MustCompile(`(?i)("?api_key"?\s*[:=]\s*)"[^"]+"`), `${1}"` + Redacted + `"`},
	{regexp.MustCompile(`(?i)("?apiKey"?\s*[:=]\s*)"[^"]+"`), `${1}"` + Redacted + `"`},
	{regexp.MustCompile(`(?i)("?accessToken"?\s*[:=]\s*)"[^"]+"`), `${1}"` + Redacted + `"`},
	{regexp.MustCompile(`(?i)(Bearer\s+)[a-zA-Z0-9._-]+`), "${1}" + Redacted},
}

// omitKeys are metadata keys whose values are never recorded.
var omitKeys = map[string]struct{}{
	"accessToken":    {},
	"access_token":   {},
	"token":          {},
	"password":       {},
	"secret":         {},
	"apiKey":         {},
	"api_key":        {},
	"OPENAI_API_KEY": {},
	"GITHUB_TOKEN":   {},
}

// MaskSecrets redacts known credential shapes in s. It is applied to every
// sandbox output line, event message and audit record before it leaves the process.
func MaskSecrets(s string) string {
	if s == "" {
		return s
	}
	for _, r := range maskRules {
		s = r.pattern.ReplaceAllString(s, r.replacement)
	}
	return s
}

// SanitizeMetadata returns a copy of metadata with sensitive keys omitted and
// every string value masked. Nested maps and slices are sanitized recursively.
func SanitizeMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		if _, omit := omitKeys[k]; omit {
			out[k] = Omitted
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case string:
		return MaskSecrets(val)
	case map[string]any:
		return SanitizeMetadata(val)
	case map[string]string:
		m := make(map[string]any, len(val))
		for k, s := range val {
			m[k] = s
		}
		return SanitizeMetadata(m)
	case []any:
		items := make([]any, len(val))
		for i, item := range val {
			items[i] = sanitizeValue(item)
		}
		return items
	case []string:
		items := make([]string, len(val))
		for i, item := range val {
			items[i] = MaskSecrets(item)
		}
		return items
	default:
		return v
	}
}
