package store

import (
	"fmt"
	"time"

	"github.com/ISO-Serious/serious-threat-intelligence/config"
)

// QueryOptions specifies how to list items.
type QueryOptions struct {
	Limit     int
	Offset    int
	SourceID  int64
	Category  string
	SinceTime *int64 // Unix timestamp
}

// SinceToUnixTime converts a "since" duration string (e.g., "7d") to a Unix
// timestamp <duration> before now.
func SinceToUnixTime(since string, now time.Time) (int64, error) {
	duration, err := config.ParseDuration(since)
	if err != nil {
		return 0, err
	}

	return now.Add(-duration).Unix(), nil
}

// BuildQueryOptions constructs QueryOptions from CLI flags.
func BuildQueryOptions(limit, offset int, since, category string) (QueryOptions, error) {
	opts := QueryOptions{
		Limit:    limit,
		Offset:   offset,
		Category: category,
	}

	if since != "" {
		sinceUnix, err := SinceToUnixTime(since, time.Now())
		if err != nil {
			return opts, fmt.Errorf("failed to parse --since flag: %w", err)
		}
		opts.SinceTime = &sinceUnix
	}

	return opts, nil
}
