package config

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// durationPattern matches calendar-style durations like "7d", "2w", "3mo", "1y".
var durationPattern = regexp.MustCompile(`^(\d+)(d|w|mo|y)$`)

// ParseDuration parses either a Go duration ("90m", "2h30m") or a calendar
// style duration ("10d", "2w", "3mo", "1y").
//
// Supported calendar units:
//   - d: days
//   - w: weeks (7 days)
//   - mo: months (30 days, approximation)
//   - y: years (365 days, approximation)
//
// A bare "m" keeps its Go meaning of minutes.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("duration string is empty")
	}

	matches := durationPattern.FindStringSubmatch(s)
	if matches == nil {
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("invalid duration format: %s (expected e.g. 2h, 30s, 10d, 2w)", s)
		}
		if d < 0 {
			return 0, fmt.Errorf("duration must not be negative: %s", s)
		}
		return d, nil
	}

	num, err := strconv.Atoi(matches[1])
	if err != nil || num < 0 {
		return 0, fmt.Errorf("invalid number in duration: %s", matches[1])
	}

	day := 24 * time.Hour
	switch matches[2] {
	case "d":
		return time.Duration(num) * day, nil
	case "w":
		return time.Duration(num) * 7 * day, nil
	case "mo":
		return time.Duration(num) * 30 * day, nil
	case "y":
		return time.Duration(num) * 365 * day, nil
	default:
		return 0, fmt.Errorf("invalid duration unit: %s (expected d, w, mo, or y)", matches[2])
	}
}

// Duration is a time.Duration that reads from YAML using ParseDuration.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// UnmarshalYAML accepts strings understood by ParseDuration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", value.Line, err)
	}
	parsed, err := ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the Go duration form.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}
