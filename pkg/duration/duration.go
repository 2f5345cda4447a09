// Package duration parses the platform's compact duration literals
// ("10s", "5m", "2h", "1d") into milliseconds, and supplies a single
// monotonic clock source so components can be tested with a fake one.
package duration

import (
	"regexp"
	"strconv"
	"time"
)

var pattern = regexp.MustCompile(`^(\d+)(s|m|h|d)$`)

var unitMs = map[string]int64{
	"s": 1000,
	"m": 60 * 1000,
	"h": 60 * 60 * 1000,
	"d": 24 * 60 * 60 * 1000,
}

// ParseMs parses a literal of the form /^\d+[smhd]$/ into milliseconds.
// Any other format, including the empty string, returns 0 — duration
// parsing is total, never an error.
func ParseMs(literal string) int64 {
	m := pattern.FindStringSubmatch(literal)
	if m == nil {
		return 0
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0
	}
	return n * unitMs[m[2]]
}

// Parse is ParseMs wrapped as a time.Duration for callers working in
// stdlib duration terms.
func Parse(literal string) time.Duration {
	return time.Duration(ParseMs(literal)) * time.Millisecond
}

// Clock abstracts time.Now so schedulers and the interpreter's deadline
// checks can be driven by a fake clock in tests.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock backed by time.Now.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
