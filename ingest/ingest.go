// Package ingest pulls entries from every active source into the store.
package ingest

import (
	"context"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ISO-Serious/serious-threat-intelligence/apperr"
	"github.com/ISO-Serious/serious-threat-intelligence/config"
	"github.com/ISO-Serious/serious-threat-intelligence/feed"
	"github.com/ISO-Serious/serious-threat-intelligence/model"
	"github.com/ISO-Serious/serious-threat-intelligence/pubdate"
)

// Fetcher retrieves one source.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*feed.Result, error)
}

// Repository is the slice of the store an ingestion run needs.
type Repository interface {
	ListSources(ctx context.Context, activeOnly bool) ([]model.Source, error)
	ItemExists(ctx context.Context, url string) (bool, error)
	SaveItem(ctx context.Context, it *model.Item) (bool, error)
}

// SourceError records a source that could not be fetched.
type SourceError struct {
	SourceID int64       `json:"source_id"`
	URL      string      `json:"url"`
	Kind     apperr.Kind `json:"kind"`
	Error    string      `json:"error"`
}

// Result summarizes one ingestion run.
type Result struct {
	RunID        string        `json:"run_id"`
	Sources      int           `json:"sources"`
	Added        int           `json:"added"`
	Skipped      int           `json:"skipped"`
	Failed       int           `json:"failed"`
	SourceErrors []SourceError `json:"source_errors,omitempty"`
}

// Engine runs ingestion over the active sources.
type Engine struct {
	repo    Repository
	fetcher Fetcher
	cfg     config.IngestConfig
	log     zerolog.Logger

	// Now is the clock used for recency filtering. Defaults to time.Now.
	Now func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(repo Repository, fetcher Fetcher, cfg config.IngestConfig, log zerolog.Logger) *Engine {
	return &Engine{
		repo:    repo,
		fetcher: fetcher,
		cfg:     cfg,
		log:     log,
		Now:     time.Now,
	}
}

// Run fetches every active source with bounded parallelism. One source
// failing never stops the others. When ctx is cancelled no further sources
// or entries are started and the partial Result is returned with ctx's error.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	res := Result{RunID: uuid.NewString()}
	log := e.log.With().Str("run_id", res.RunID).Logger()

	sources, err := e.repo.ListSources(ctx, true)
	if err != nil {
		return res, apperr.New(apperr.Persistence, "list sources", err)
	}
	res.Sources = len(sources)
	log.Info().Int("sources", len(sources)).Msg("ingestion started")

	workers := e.cfg.Workers
	if workers < 1 {
		workers = 1
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)

loop:
	for _, src := range sources {
		select {
		case <-ctx.Done():
			break loop
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(src model.Source) {
			defer wg.Done()
			defer func() { <-sem }()

			c, err := e.processSource(ctx, log, src)

			mu.Lock()
			defer mu.Unlock()
			res.Added += c.added
			res.Skipped += c.skipped
			res.Failed += c.failed
			if err != nil {
				res.SourceErrors = append(res.SourceErrors, SourceError{
					SourceID: src.ID,
					URL:      src.URL,
					Kind:     apperr.KindOf(err),
					Error:    err.Error(),
				})
			}
		}(src)
	}

	wg.Wait()

	log.Info().
		Int("added", res.Added).
		Int("skipped", res.Skipped).
		Int("failed", res.Failed).
		Int("source_errors", len(res.SourceErrors)).
		Msg("ingestion finished")

	return res, ctx.Err()
}

type counts struct {
	added, skipped, failed int
}

func (e *Engine) processSource(ctx context.Context, log zerolog.Logger, src model.Source) (counts, error) {
	var c counts
	log = log.With().Int64("source_id", src.ID).Str("url", src.URL).Logger()

	fetchCtx := ctx
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout.D())
		defer cancel()
	}

	parsed, err := e.fetcher.Fetch(fetchCtx, src.URL)
	if err != nil {
		log.Warn().Err(err).Msg("source fetch failed")
		return c, err
	}

	now := e.Now().UTC()
	for _, entry := range parsed.Entries {
		if ctx.Err() != nil {
			break
		}

		switch e.processEntry(ctx, log, src, entry, now) {
		case added:
			c.added++
		case skipped:
			c.skipped++
		case failed:
			c.failed++
		}
	}

	log.Debug().Int("added", c.added).Int("skipped", c.skipped).Msg("source processed")
	return c, nil
}

type outcome int

const (
	skipped outcome = iota
	added
	failed
)

func (e *Engine) processEntry(ctx context.Context, log zerolog.Logger, src model.Source, entry feed.Entry, now time.Time) outcome {
	link := strings.TrimSpace(entry.Link)
	if link == "" {
		return skipped
	}

	published := pubdate.Normalize(entry.Dates, now)
	if now.Sub(published) > e.cfg.Window.D() {
		return skipped
	}

	exists, err := e.repo.ItemExists(ctx, link)
	if err != nil {
		log.Error().Err(err).Str("link", link).Msg("dedup lookup failed")
		return failed
	}
	if exists {
		return skipped
	}

	item := &model.Item{
		SourceID:  src.ID,
		Title:     decode(entry.Title),
		URL:       link,
		Published: published,
		Summary:   decode(entry.Summary),
		Content:   decode(entry.Content),
		Author:    decode(entry.Author),
		CreatedAt: now,
	}

	inserted, err := e.repo.SaveItem(ctx, item)
	if err != nil {
		log.Error().Err(apperr.New(apperr.Persistence, "save item", err)).Str("link", link).Msg("entry rolled back")
		return failed
	}
	if !inserted {
		// lost a race with a concurrent run
		return skipped
	}
	return added
}

func decode(s string) string {
	return strings.TrimSpace(html.UnescapeString(s))
}
