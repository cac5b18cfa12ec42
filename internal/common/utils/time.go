package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration parses a duration string with support for additional time units.
//
// Extends time.ParseDuration with days ("d") and weeks ("w"), and accepts a
// bare integer as milliseconds so that values like IDEMPOTENCY_TTL=600000
// keep working.
//
//	ParseDuration("1d")     // 24 hours
//	ParseDuration("2w")     // 336 hours
//	ParseDuration("1h30m")  // standard Go format
//	ParseDuration("250")    // 250 milliseconds
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}

	var days int
	if n, err := fmt.Sscanf(s, "%dd", &days); err == nil && n == 1 {
		return time.Duration(days) * 24 * time.Hour, nil
	}

	var weeks int
	if n, err := fmt.Sscanf(s, "%dw", &weeks); err == nil && n == 1 {
		return time.Duration(weeks) * 7 * 24 * time.Hour, nil
	}

	return 0, fmt.Errorf("invalid duration: %s", s)
}

// ClampDuration bounds d to [min, max]
func ClampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
