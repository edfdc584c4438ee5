// Package pubdate turns the assorted date representations found in feeds
// into a single UTC publication instant.
package pubdate

import (
	"regexp"
	"strings"
	"time"
)

// Candidates holds every date representation found for one entry, in
// priority order. Texts are tried before Parsed because textual dates carry
// their zone explicitly.
type Candidates struct {
	Texts  []string
	Parsed []*time.Time
}

// zoneOffsets resolves the zone abbreviations feeds actually emit. Go's
// parser would otherwise look abbreviations up in the local zone or treat
// them as UTC.
var zoneOffsets = map[string]string{
	"EST": "-0500",
	"EDT": "-0400",
	"CST": "-0600",
	"CDT": "-0500",
	"MST": "-0700",
	"MDT": "-0600",
	"PST": "-0800",
	"PDT": "-0700",
	"GMT": "+0000",
	"UTC": "+0000",
	"UT":  "+0000",
}

var zonePattern = regexp.MustCompile(`\b(EST|EDT|CST|CDT|MST|MDT|PST|PDT|GMT|UTC|UT)\b|\s(Z)$`)

// Only numeric-offset layouts are listed: known abbreviations are rewritten
// by resolveZones, and an unknown one (CET, BST) must fail here rather than
// parse as UTC, leaving the pre-parsed candidates to decide.
var layouts = []string{
	time.RFC1123Z,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 02 Jan 2006 15:04 -0700",
	"Mon, 2 Jan 2006 15:04 -0700",
	"02 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 -0700",
	time.RFC822Z,
	"Monday, 02-Jan-06 15:04:05 -0700",
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
	"2006-01-02T15:04:05 -0700",
	"2006-01-02 15:04:05 -0700",
	"2006-01-02 15:04:05-07:00",
	"Mon Jan _2 15:04:05 -0700 2006",
	time.ANSIC,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"Mon, 02 Jan 2006",
	"02 Jan 2006",
	"January 2, 2006",
	time.DateOnly,
}

// Normalize returns the publication instant in UTC. The first candidate that
// parses wins; instants after now are clamped to now, and now is returned
// when nothing parses.
func Normalize(c Candidates, now time.Time) time.Time {
	now = now.UTC()

	for _, text := range c.Texts {
		if t, ok := ParseText(text); ok {
			return clamp(t, now)
		}
	}

	for _, p := range c.Parsed {
		if p != nil && !p.IsZero() {
			return clamp(p.UTC(), now)
		}
	}

	return now
}

// ParseText parses one textual date. Zone-less values are taken as UTC.
func ParseText(text string) (time.Time, bool) {
	s := strings.Join(strings.Fields(text), " ")
	if s == "" {
		return time.Time{}, false
	}
	s = resolveZones(s)

	for _, layout := range layouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func resolveZones(s string) string {
	return zonePattern.ReplaceAllStringFunc(s, func(m string) string {
		if off, ok := zoneOffsets[m]; ok {
			return off
		}
		// trailing military "Z" after a space
		return " +0000"
	})
}

func clamp(t, now time.Time) time.Time {
	if t.After(now) {
		return now
	}
	return t
}
