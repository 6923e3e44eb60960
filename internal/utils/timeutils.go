package utils

import (
	"fmt"
	"time"
)

// ParseRFC3339 returns a time from the provided string or an error.
func ParseRFC3339(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty time value")
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time: %w", err)
	}
	return t, nil
}

// WithinWindow reports whether t falls inside the trailing window ending at now.
func WithinWindow(t, now time.Time, window time.Duration) bool {
	if t.IsZero() {
		return false
	}
	return !t.Before(now.Add(-window))
}
