// Package environment reads configuration from environment variables.
//
// Every helper takes the variable name and a fallback, returning the fallback
// when the variable is unset, empty, or unparsable. Only RequiredString
// reports an error; nothing here exits the process.
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StringOr returns the variable's value, or fallback when unset or empty.
func StringOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// RequiredString returns the variable's value or an error when unset or empty.
func RequiredString(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", fmt.Errorf("environment: required variable %q is not set", name)
	}
	return v, nil
}

// FirstOr returns the value of the first variable in names that is set and
// non-empty, or fallback. Useful for aliased variables.
func FirstOr(fallback string, names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return fallback
}

// BoolOr parses the variable with strconv.ParseBool semantics ("1", "true",
// "f", ...). Unset, empty or unparsable values yield fallback.
func BoolOr(name string, fallback bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// IntOr parses the variable as a decimal integer, falling back on failure.
func IntOr(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// DurationOr parses the variable as a time.Duration ("250ms", "2h"),
// falling back on failure.
func DurationOr(name string, fallback time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// StringSliceOr splits the variable on commas, trimming whitespace and
// dropping empty elements. An unset variable or one that trims to nothing
// yields fallback.
func StringSliceOr(name string, fallback []string) []string {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
