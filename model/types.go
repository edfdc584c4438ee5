// Package model defines the core data structures for the threat-intelligence
// digester.
package model

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultCategory is assigned to sources imported without a category.
const DefaultCategory = "General"

// Source represents an RSS/Atom feed to poll.
type Source struct {
	ID       int64  `json:"id"`
	URL      string `json:"url"`
	Name     string `json:"name"`
	Category string `json:"category"`
	Active   bool   `json:"active"`
}

// Validate checks if the source has required fields.
func (s *Source) Validate() error {
	if s.URL == "" {
		return errors.New("source URL is required")
	}
	return nil
}

// Item represents one ingested article.
type Item struct {
	ID        int64     `json:"id"`
	SourceID  int64     `json:"source_id"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	Published time.Time `json:"published"`
	Summary   string    `json:"summary"`
	Content   string    `json:"content,omitempty"`
	Author    string    `json:"author,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	// Filled from the owning source when items are listed.
	SourceName string `json:"source_name,omitempty"`
	Category   string `json:"category,omitempty"`
}

// Validate checks if the item has required fields.
func (i *Item) Validate() error {
	if i.URL == "" {
		return errors.New("item URL is required")
	}
	if i.SourceID == 0 {
		return errors.New("item source is required")
	}
	return nil
}

// Age returns how long before now the item was published.
func (i *Item) Age(now time.Time) time.Duration {
	return now.Sub(i.Published)
}

// PeriodType is the granularity of a digest.
type PeriodType string

const (
	Daily  PeriodType = "daily"
	Weekly PeriodType = "weekly"
)

// PeriodTypeFor returns weekly for periods of seven days or more.
func PeriodTypeFor(days int) PeriodType {
	if days >= 7 {
		return Weekly
	}
	return Daily
}

// Valid reports whether p is a known period type.
func (p PeriodType) Valid() bool {
	return p == Daily || p == Weekly
}

// PeriodKey returns the UTC calendar date a digest generated at t belongs to.
func PeriodKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// Status is the lifecycle state of a digest row.
type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// Digest is one generated, period-scoped summary.
type Digest struct {
	ID          int64      `json:"id"`
	PeriodKey   string     `json:"period_key"`
	PeriodType  PeriodType `json:"period_type"`
	GeneratedAt time.Time  `json:"generated_at"`
	Status      Status     `json:"status"`
	Body        Body       `json:"body"`
	Commentary  string     `json:"commentary,omitempty"`
}

// Task is one actionable item inside a category result.
type Task struct {
	Task        string `json:"task"`
	Description string `json:"description"`
}

// CategoryResult is the generated summary for a single category. Tasks keep
// insertion order; callers address them by index.
type CategoryResult struct {
	SectionTitle    string `json:"section_title"`
	Summary         string `json:"summary"`
	ActionableTasks []Task `json:"actionable_tasks"`
}

// Section is one body entry. Result is set when the stored value decoded
// cleanly; otherwise Raw holds the text that could not be recovered.
type Section struct {
	Result *CategoryResult
	Raw    string
}

// ResultSection wraps a decoded result.
func ResultSection(r CategoryResult) Section {
	return Section{Result: &r}
}

// RawSection wraps text that could not be decoded.
func RawSection(raw string) Section {
	return Section{Raw: raw}
}

// IsRaw reports whether the section failed recovery.
func (s Section) IsRaw() bool {
	return s.Result == nil
}

// MarshalJSON writes the result object, or the raw text as a JSON string.
func (s Section) MarshalJSON() ([]byte, error) {
	if s.Result != nil {
		r := *s.Result
		if r.ActionableTasks == nil {
			r.ActionableTasks = []Task{}
		}
		return json.Marshal(r)
	}
	return json.Marshal(s.Raw)
}

// UnmarshalJSON accepts an object or a string. Strings are kept raw; use the
// jsonrecover package to decode stored bodies that carry encoded strings.
func (s *Section) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		*s = RawSection(raw)
		return nil
	}

	var r CategoryResult
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*s = ResultSection(r)
	return nil
}

// Body maps category name to its section.
type Body map[string]Section

// DeleteTask removes the task at index from a category, preserving the order
// of the remaining tasks.
func (b Body) DeleteTask(category string, index int) error {
	sec, ok := b[category]
	if !ok {
		return fmt.Errorf("category %q not found", category)
	}
	if sec.Result == nil {
		return fmt.Errorf("category %q has no decoded tasks", category)
	}
	tasks := sec.Result.ActionableTasks
	if index < 0 || index >= len(tasks) {
		return fmt.Errorf("task index %d out of range (category %q has %d tasks)", index, category, len(tasks))
	}

	r := *sec.Result
	r.ActionableTasks = append(append([]Task{}, tasks[:index]...), tasks[index+1:]...)
	b[category] = ResultSection(r)
	return nil
}
