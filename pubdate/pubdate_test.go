package pubdate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var now = time.Date(2024, 3, 10, 13, 0, 0, 0, time.UTC)

func TestParseText(t *testing.T) {
	noon := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		input string
		want  time.Time
	}{
		{"rfc1123 EST", "Sun, 10 Mar 2024 07:00:00 EST", noon},
		{"rfc1123 EDT", "Sun, 10 Mar 2024 08:00:00 EDT", noon},
		{"rfc1123 CST", "Sun, 10 Mar 2024 06:00:00 CST", noon},
		{"rfc1123 MDT", "Sun, 10 Mar 2024 06:00:00 MDT", noon},
		{"rfc1123 PST", "Sun, 10 Mar 2024 04:00:00 PST", noon},
		{"rfc1123 GMT", "Sun, 10 Mar 2024 12:00:00 GMT", noon},
		{"rfc1123 UT", "Sun, 10 Mar 2024 12:00:00 UT", noon},
		{"rfc1123 numeric", "Sun, 10 Mar 2024 14:00:00 +0200", noon},
		{"single digit day", "Sun, 3 Mar 2024 07:00:00 EST", noon.AddDate(0, 0, -7)},
		{"rfc822 with zone", "10 Mar 24 07:00 EST", noon},
		{"rfc3339 Z", "2024-03-10T12:00:00Z", noon},
		{"rfc3339 offset", "2024-03-10T14:00:00+02:00", noon},
		{"rfc3339 fractional", "2024-03-10T12:00:00.123Z", noon.Add(123 * time.Millisecond)},
		{"naive iso", "2024-03-10T12:00:00", noon},
		{"naive space", "2024-03-10 12:00:00", noon},
		{"space then Z", "2024-03-10 12:00:00 Z", noon},
		{"date only", "2024-03-10", time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)},
		{"extra whitespace", "  Sun,  10 Mar 2024 12:00:00   GMT ", noon},
		{"iso spaced zone name", "2024-03-10T07:00:00 EST", noon},
		{"iso spaced UTC", "2024-03-10T12:00:00 UTC", noon},
		{"rfc850 with zone", "Sunday, 10-Mar-24 04:00:00 PST", noon},
		{"unix date with zone", "Sun Mar 10 07:00:00 EST 2024", noon},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseText(tt.input)
			assert.True(t, ok)
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestParseText_Invalid(t *testing.T) {
	for _, input := range []string{
		"", "   ", "yesterday", "32/13/2024",
		// zones outside the table are not guessed at
		"Sun, 10 Mar 2024 13:00:00 CET",
		"Sun, 10 Mar 2024 12:00:00 BST",
	} {
		_, ok := ParseText(input)
		assert.False(t, ok, input)
	}
}

func TestNormalize(t *testing.T) {
	parsed := time.Date(2024, 3, 9, 8, 0, 0, 0, time.FixedZone("X", 3600))
	future := time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   Candidates
		want time.Time
	}{
		{
			name: "first parseable text wins",
			in:   Candidates{Texts: []string{"garbage", "Sun, 10 Mar 2024 07:00:00 EST", "2024-03-01"}},
			want: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
		},
		{
			name: "texts before parsed values",
			in: Candidates{
				Texts:  []string{"2024-03-10T10:00:00Z"},
				Parsed: []*time.Time{&parsed},
			},
			want: time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC),
		},
		{
			name: "parsed value converted to UTC",
			in: Candidates{
				Texts:  []string{"not a date"},
				Parsed: []*time.Time{nil, &parsed},
			},
			want: time.Date(2024, 3, 9, 7, 0, 0, 0, time.UTC),
		},
		{
			name: "unknown zone defers to parsed value",
			in: Candidates{
				Texts:  []string{"Sat, 09 Mar 2024 08:00:00 CET"},
				Parsed: []*time.Time{&parsed},
			},
			want: time.Date(2024, 3, 9, 7, 0, 0, 0, time.UTC),
		},
		{
			name: "future text clamped",
			in:   Candidates{Texts: []string{"2024-03-11T00:00:00Z"}},
			want: now,
		},
		{
			name: "future parsed clamped",
			in:   Candidates{Parsed: []*time.Time{&future}},
			want: now,
		},
		{
			name: "nothing usable falls back to now",
			in:   Candidates{Texts: []string{"", "soon"}, Parsed: []*time.Time{nil}},
			want: now,
		},
		{
			name: "no candidates",
			want: now,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.in, now)
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestNormalize_NowInOtherZone(t *testing.T) {
	local := now.In(time.FixedZone("EST", -5*3600))
	got := Normalize(Candidates{}, local)
	assert.Equal(t, time.UTC, got.Location())
	assert.True(t, now.Equal(got))
}
