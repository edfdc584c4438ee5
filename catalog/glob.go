package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ISO-Serious/serious-threat-intelligence/model"
)

// Expand resolves file patterns such as "feeds/**/*.yaml". A pattern without
// glob syntax is returned as is, so a missing file surfaces as a read error.
func Expand(patterns ...string) ([]string, error) {
	var paths []string
	seen := map[string]bool{}
	for _, p := range patterns {
		if !strings.ContainsAny(p, "*?[{") {
			if !seen[p] {
				seen[p] = true
				paths = append(paths, p)
			}
			continue
		}

		matches, err := doublestar.FilepathGlob(p, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no files match %q", p)
		}
		sort.Strings(matches)
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				paths = append(paths, m)
			}
		}
	}
	return paths, nil
}

// LoadAll loads every file the patterns expand to. When a URL appears more
// than once the last definition wins, keeping the position of the first.
func LoadAll(patterns ...string) ([]model.Source, error) {
	paths, err := Expand(patterns...)
	if err != nil {
		return nil, err
	}

	var sources []model.Source
	index := map[string]int{}
	for _, path := range paths {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		for _, src := range loaded {
			if i, ok := index[src.URL]; ok {
				sources[i] = src
				continue
			}
			index[src.URL] = len(sources)
			sources = append(sources, src)
		}
	}
	return sources, nil
}
