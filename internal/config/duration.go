package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration fields stay plain strings in the config types so the strict JSON
// decoder needs no custom unmarshalers; the consuming component parses them
// through these helpers.

// ParseDurationField parses a Go duration string from the config. An empty
// or blank value is zero, not an error, so optional fields can simply be
// omitted. Negative durations are rejected.
func ParseDurationField(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %w", field, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", field, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for omitted
// values.
func ParseDurationOrDefault(field, raw string, fallback time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(field, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return fallback, nil
	}
	return d, nil
}
