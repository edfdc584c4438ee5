package catalog

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/ISO-Serious/serious-threat-intelligence/model"
)

// OPML represents the root OPML structure.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains metadata about the OPML document.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outline elements.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline is a source, or a folder of them.
type Outline struct {
	Text     string    `xml:"text,attr,omitempty"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLUrl   string    `xml:"xmlUrl,attr,omitempty"`
	Category string    `xml:"category,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// ParseOPML reads sources from an OPML document. A source without its own
// category takes the text of the folder it sits in.
func ParseOPML(r io.Reader) ([]model.Source, error) {
	var doc OPML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to parse OPML: %w", err)
	}
	return collect(doc.Body.Outlines, ""), nil
}

func collect(outlines []Outline, folder string) []model.Source {
	var sources []model.Source
	for _, o := range outlines {
		if url := strings.TrimSpace(o.XMLUrl); url != "" {
			src := model.Source{
				URL:      url,
				Name:     firstNonEmpty(o.Title, o.Text, url),
				Category: firstNonEmpty(o.Category, folder, model.DefaultCategory),
				Active:   true,
			}
			sources = append(sources, src)
		}

		if len(o.Outlines) > 0 {
			sources = append(sources, collect(o.Outlines, firstNonEmpty(o.Text, o.Title, folder))...)
		}
	}
	return sources
}

// WriteOPML writes sources as OPML 2.0 with one folder per category.
// Folders and the sources inside them are sorted by name.
func WriteOPML(w io.Writer, sources []model.Source, now time.Time) error {
	byCategory := map[string][]model.Source{}
	for _, src := range sources {
		cat := src.Category
		if cat == "" {
			cat = model.DefaultCategory
		}
		byCategory[cat] = append(byCategory[cat], src)
	}

	categories := make([]string, 0, len(byCategory))
	for cat := range byCategory {
		categories = append(categories, cat)
	}
	sort.Strings(categories)

	doc := OPML{
		Version: "2.0",
		Head: Head{
			Title:       "serious-threat-intelligence sources",
			DateCreated: now.UTC().Format(time.RFC1123),
		},
		Body: Body{Outlines: []Outline{}},
	}

	for _, cat := range categories {
		members := byCategory[cat]
		sort.SliceStable(members, func(i, j int) bool { return members[i].Name < members[j].Name })

		folder := Outline{Text: cat, Title: cat}
		for _, src := range members {
			folder.Outlines = append(folder.Outlines, Outline{
				Type:     "rss",
				Text:     src.Name,
				Title:    src.Name,
				XMLUrl:   src.URL,
				Category: cat,
			})
		}
		doc.Body.Outlines = append(doc.Body.Outlines, folder)
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return fmt.Errorf("failed to write XML header: %w", err)
	}

	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode OPML: %w", err)
	}

	if _, err := io.WriteString(w, "\n"); err != nil {
		return fmt.Errorf("failed to write final newline: %w", err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
