// Package catalog reads and writes lists of sources: feeds files in YAML or
// JSON, and OPML.
package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hay-kot/criterio"
	"gopkg.in/yaml.v3"

	"github.com/ISO-Serious/serious-threat-intelligence/model"
)

// Format is the kind of a source list file.
type Format string

const (
	FormatFeeds Format = "feeds"
	FormatOPML  Format = "opml"
)

// FeedsFile is the layout of a feeds file:
//
//	feeds:
//	  - url: https://example.com/rss
//	    name: Example
//	    category: Malware
//
// The same structure is accepted as JSON.
type FeedsFile struct {
	Feeds []FeedEntry `yaml:"feeds" json:"feeds"`
}

// FeedEntry is one source in a feeds file. Active defaults to true.
type FeedEntry struct {
	URL      string `yaml:"url" json:"url"`
	Name     string `yaml:"name" json:"name"`
	Category string `yaml:"category" json:"category"`
	Active   *bool  `yaml:"active,omitempty" json:"active,omitempty"`
}

// DetectFormat picks the format from the file extension, falling back to
// sniffing the content.
func DetectFormat(path string, data []byte) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".opml", ".xml":
		return FormatOPML
	case ".yaml", ".yml", ".json":
		return FormatFeeds
	}
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("<")) {
		return FormatOPML
	}
	return FormatFeeds
}

// Load reads a feeds file or OPML file from disk.
func Load(path string) ([]model.Source, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if DetectFormat(path, data) == FormatOPML {
		return ParseOPML(bytes.NewReader(data))
	}
	return ParseFeeds(bytes.NewReader(data))
}

// ParseFeeds reads a feeds file in YAML or JSON. Every entry needs a URL;
// name defaults to the URL and category to model.DefaultCategory.
func ParseFeeds(r io.Reader) ([]model.Source, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read feeds file: %w", err)
	}

	var file FeedsFile
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0:
		return nil, nil
	case trimmed[0] == '{':
		err = json.Unmarshal(trimmed, &file)
	default:
		err = yaml.Unmarshal(data, &file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse feeds file: %w", err)
	}

	var errs criterio.FieldErrorsBuilder
	seen := map[string]int{}
	sources := make([]model.Source, 0, len(file.Feeds))
	for i, f := range file.Feeds {
		field := fmt.Sprintf("feeds[%d].url", i)
		url := strings.TrimSpace(f.URL)
		if url == "" {
			errs = errs.Append(field, errors.New("is required"))
			continue
		}
		if prev, dup := seen[url]; dup {
			errs = errs.Append(field, fmt.Errorf("duplicates feeds[%d]", prev))
			continue
		}
		seen[url] = i

		src := model.Source{
			URL:      url,
			Name:     firstNonEmpty(f.Name, url),
			Category: firstNonEmpty(f.Category, model.DefaultCategory),
			Active:   true,
		}
		if f.Active != nil {
			src.Active = *f.Active
		}
		sources = append(sources, src)
	}

	if err := errs.ToError(); err != nil {
		return nil, err
	}
	return sources, nil
}
