// Package redact strips sensitive values from data before it leaves the
// process: log lines, plugin audit payloads persisted to SQLite, and
// invocation results returned over the admin API.
//
// Redaction is best-effort string replacement. It is not a substitute for
// keeping raw credentials out of call-sites; the store-only-hashes rule for
// auth artifacts is enforced elsewhere.
package redact

import "strings"

const placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with a
// placeholder. Values shorter than 4 characters are skipped so common
// substrings are not mangled.
func String(s string, sensitive ...string) string {
	for _, v := range sensitive {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Map returns a shallow copy of m with string values blanked for every key
// whose name suggests a secret. Non-string values pass through unchanged.
func Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if sensitiveKey(k) {
			if s, ok := v.(string); ok && s != "" {
				out[k] = placeholder
				continue
			}
		}
		out[k] = v
	}
	return out
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "passwd", "token", "secret", "key", "credential", "auth", "otp"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
