// Package feed fetches and parses RSS/Atom/JSON feeds.
package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/ISO-Serious/serious-threat-intelligence/apperr"
	"github.com/ISO-Serious/serious-threat-intelligence/pubdate"
)

const (
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "serious-threat-intelligence/1.0"
	maxBodyBytes     = 10 << 20
)

// Result is one parsed feed.
type Result struct {
	Title      string
	StatusCode int
	Entries    []Entry
}

// Entry is a feed item as published, before any filtering.
type Entry struct {
	Title   string
	Link    string
	Author  string
	Summary string
	Content string
	Dates   pubdate.Candidates
}

// StatusError reports a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// Fetcher handles fetching and parsing feeds.
type Fetcher struct {
	client    *http.Client
	userAgent string
}

// NewFetcher creates a new Fetcher. A nil client gets a default one with a
// 30 second timeout; an empty userAgent uses a built-in one.
func NewFetcher(client *http.Client, userAgent string) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &Fetcher{client: client, userAgent: userAgent}
}

// Fetch retrieves and parses a feed from a URL. Transport failures and
// non-2xx responses are Transport errors; unparseable bodies are
// MalformedPayload errors.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperr.New(apperr.Transport, "fetch "+url, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, */*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, apperr.New(apperr.Transport, "fetch "+url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, apperr.New(apperr.Transport, "fetch "+url, &StatusError{URL: url, StatusCode: resp.StatusCode})
	}

	// gofeed parsers are not safe for concurrent use.
	parsed, err := gofeed.NewParser().Parse(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, apperr.New(apperr.MalformedPayload, "parse "+url, err)
	}

	res := convert(parsed)
	res.StatusCode = resp.StatusCode
	return res, nil
}

// Parse parses feed content from a string.
func Parse(content string) (*Result, error) {
	if strings.TrimSpace(content) == "" {
		return nil, apperr.New(apperr.MalformedPayload, "parse feed", fmt.Errorf("feed content is empty"))
	}

	parsed, err := gofeed.NewParser().ParseString(content)
	if err != nil {
		return nil, apperr.New(apperr.MalformedPayload, "parse feed", err)
	}

	return convert(parsed), nil
}

func convert(gf *gofeed.Feed) *Result {
	res := &Result{Title: gf.Title}
	for _, item := range gf.Items {
		if item == nil {
			continue
		}
		res.Entries = append(res.Entries, convertItem(item))
	}
	return res
}

func convertItem(item *gofeed.Item) Entry {
	e := Entry{
		Title:   strings.TrimSpace(item.Title),
		Link:    strings.TrimSpace(item.Link),
		Summary: item.Description,
	}

	if e.Link == "" {
		for _, l := range item.Links {
			if l = strings.TrimSpace(l); l != "" {
				e.Link = l
				break
			}
		}
	}

	// Get content (prefer full content over description)
	if item.Content != "" {
		e.Content = item.Content
	} else {
		e.Content = item.Description
	}

	e.Author = authorOf(item)
	e.Dates = datesOf(item)
	return e
}

func authorOf(item *gofeed.Item) string {
	for _, p := range item.Authors {
		if p != nil && p.Name != "" {
			return p.Name
		}
	}
	if item.DublinCoreExt != nil {
		for _, c := range item.DublinCoreExt.Creator {
			if c != "" {
				return c
			}
		}
	}
	return ""
}

// datesOf lists the textual dates (published, updated, Dublin Core) and then
// the values gofeed already parsed.
func datesOf(item *gofeed.Item) pubdate.Candidates {
	var c pubdate.Candidates
	for _, s := range []string{item.Published, item.Updated} {
		if s != "" {
			c.Texts = append(c.Texts, s)
		}
	}
	if item.DublinCoreExt != nil {
		c.Texts = append(c.Texts, item.DublinCoreExt.Date...)
	}
	c.Parsed = []*time.Time{item.PublishedParsed, item.UpdatedParsed}
	return c
}
