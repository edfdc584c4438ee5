// Package digest turns the recent items into one summary per period.
//
// A run moves through checking-idempotency, generating and persisting. The
// pending row claimed in storage keeps two concurrent runs for the same
// period from both generating; whatever happens after the claim, the row
// ends up complete, failed or released.
package digest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ISO-Serious/serious-threat-intelligence/apperr"
	"github.com/ISO-Serious/serious-threat-intelligence/config"
	"github.com/ISO-Serious/serious-threat-intelligence/jsonrecover"
	"github.com/ISO-Serious/serious-threat-intelligence/llm"
	"github.com/ISO-Serious/serious-threat-intelligence/model"
	"github.com/ISO-Serious/serious-threat-intelligence/store"
)

// MaxItemsPerCategory caps how many of a category's newest items are sent
// for generation.
const MaxItemsPerCategory = 20

// ErrInProgress is returned while another run holds the claim for the same
// period. The caller should retry later.
var ErrInProgress = errors.New("digest generation already in progress")

// Repository is the slice of the store a digest run needs.
type Repository interface {
	DeleteItemsOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	FindCompleteDigest(ctx context.Context, periodKey string, periodType model.PeriodType, since time.Time) (model.Digest, bool, error)
	ClaimDigest(ctx context.Context, periodKey string, periodType model.PeriodType, now, staleBefore time.Time) (int64, error)
	ReleaseDigest(ctx context.Context, id int64) error
	FailDigest(ctx context.Context, id int64) error
	CompleteDigest(ctx context.Context, id int64, body model.Body, generatedAt time.Time) error
	GetDigest(ctx context.Context, id int64) (model.Digest, bool, error)
	ItemsSince(ctx context.Context, since time.Time) ([]model.Item, error)
}

// Result is the outcome of one run. Reused is set when an existing digest
// was returned instead of a new one; Failed lists the categories that got an
// error placeholder.
type Result struct {
	Digest model.Digest `json:"digest"`
	Reused bool         `json:"reused"`
	Failed []string     `json:"failed_categories,omitempty"`
	Pruned int64        `json:"pruned_items"`
}

// Generator produces digests.
type Generator struct {
	repo        Repository
	gen         llm.Generator
	cfg         config.DigestConfig
	callTimeout time.Duration
	log         zerolog.Logger

	// Now is the clock used for period keys and windows. Defaults to time.Now.
	Now func() time.Time
}

// NewGenerator creates a Generator. callTimeout bounds each generation call;
// zero means no extra deadline.
func NewGenerator(repo Repository, gen llm.Generator, cfg config.DigestConfig, callTimeout time.Duration, log zerolog.Logger) *Generator {
	return &Generator{
		repo:        repo,
		gen:         gen,
		cfg:         cfg,
		callTimeout: callTimeout,
		log:         log,
		Now:         time.Now,
	}
}

// findComplete looks up a reusable digest. A row whose body cannot be read
// counts as absent so the period is generated again.
func (g *Generator) findComplete(ctx context.Context, log zerolog.Logger, periodKey string, periodType model.PeriodType, since time.Time) (model.Digest, bool, error) {
	d, ok, err := g.repo.FindCompleteDigest(ctx, periodKey, periodType, since)
	if apperr.Is(err, apperr.MalformedOuterPayload) {
		log.Warn().Err(err).Msg("ignoring unreadable digest")
		return model.Digest{}, false, nil
	}
	return d, ok, err
}

// Run returns the digest for the period ending now, generating it unless a
// complete one was produced within the last periodDays days.
func (g *Generator) Run(ctx context.Context, periodDays int) (Result, error) {
	var res Result
	if periodDays < 1 {
		return res, fmt.Errorf("period must be at least one day, got %d", periodDays)
	}

	now := g.Now().UTC()
	periodType := model.PeriodTypeFor(periodDays)
	periodKey := model.PeriodKey(now)
	since := now.Add(-time.Duration(periodDays) * 24 * time.Hour)
	log := g.log.With().Str("period_key", periodKey).Str("period_type", string(periodType)).Logger()

	res.Pruned = g.sweep(ctx, log, now)

	// checking-idempotency
	if d, ok, err := g.findComplete(ctx, log, periodKey, periodType, since); err != nil || ok {
		if ok {
			log.Info().Int64("digest_id", d.ID).Msg("reusing digest")
		}
		return Result{Digest: d, Reused: ok, Pruned: res.Pruned}, err
	}

	id, err := g.repo.ClaimDigest(ctx, periodKey, periodType, now, now.Add(-g.cfg.ClaimTTL.D()))
	if errors.Is(err, store.ErrClaimHeld) {
		return res, fmt.Errorf("%w: %w", ErrInProgress, err)
	}
	if err != nil {
		return res, apperr.New(apperr.Persistence, "claim digest", err)
	}
	log = log.With().Int64("digest_id", id).Logger()

	// A run that finished between the first check and our claim wins.
	if d, ok, err := g.findComplete(ctx, log, periodKey, periodType, since); err != nil || ok {
		if relErr := g.repo.ReleaseDigest(context.WithoutCancel(ctx), id); relErr != nil {
			log.Warn().Err(relErr).Msg("failed to release claim")
		}
		return Result{Digest: d, Reused: ok, Pruned: res.Pruned}, err
	}

	// generating
	items, err := g.repo.ItemsSince(ctx, since)
	if err != nil {
		return res, g.fail(ctx, log, id, apperr.New(apperr.Persistence, "load items", err))
	}

	body, failed := g.generate(ctx, log, groupByCategory(items))
	if err := ctx.Err(); err != nil {
		return res, g.fail(ctx, log, id, err)
	}

	// persisting
	if err := g.repo.CompleteDigest(ctx, id, body, g.Now().UTC()); err != nil {
		return res, g.fail(ctx, log, id, apperr.New(apperr.Persistence, "complete digest", err))
	}

	d, _, err := g.repo.GetDigest(ctx, id)
	if err != nil {
		return res, err
	}

	log.Info().Int("categories", len(body)).Strs("failed", failed).Msg("digest complete")
	return Result{Digest: d, Failed: failed, Pruned: res.Pruned}, nil
}

// sweep removes items past retention. A failure is only logged.
func (g *Generator) sweep(ctx context.Context, log zerolog.Logger, now time.Time) int64 {
	if g.cfg.Retention <= 0 {
		return 0
	}
	n, err := g.repo.DeleteItemsOlderThan(ctx, now.Add(-g.cfg.Retention.D()))
	if err != nil {
		log.Warn().Err(err).Msg("retention sweep failed")
		return 0
	}
	if n > 0 {
		log.Info().Int64("pruned", n).Msg("retention sweep")
	}
	return n
}

func (g *Generator) fail(ctx context.Context, log zerolog.Logger, id int64, cause error) error {
	if err := g.repo.FailDigest(context.WithoutCancel(ctx), id); err != nil {
		log.Error().Err(err).Msg("failed to mark digest failed")
	}
	log.Error().Err(cause).Msg("digest failed")
	return cause
}

type category struct {
	name  string
	items []model.Item
}

// groupByCategory keeps the input order of items within a category and
// sorts categories by name.
func groupByCategory(items []model.Item) []category {
	idx := map[string]int{}
	var groups []category
	for _, it := range items {
		name := it.Category
		if name == "" {
			name = model.DefaultCategory
		}
		i, ok := idx[name]
		if !ok {
			i = len(groups)
			idx[name] = i
			groups = append(groups, category{name: name})
		}
		groups[i].items = append(groups[i].items, it)
	}
	sort.Slice(groups, func(a, b int) bool { return groups[a].name < groups[b].name })
	return groups
}

func (g *Generator) generate(ctx context.Context, log zerolog.Logger, groups []category) (model.Body, []string) {
	workers := g.cfg.Workers
	if workers < 1 {
		workers = 1
	}

	body := model.Body{}
	var failed []string

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)

loop:
	for _, c := range groups {
		select {
		case <-ctx.Done():
			break loop
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(c category) {
			defer wg.Done()
			defer func() { <-sem }()

			result, ok := g.summarize(ctx, log, c)

			mu.Lock()
			defer mu.Unlock()
			body[c.name] = model.ResultSection(result)
			if !ok {
				failed = append(failed, c.name)
			}
		}(c)
	}

	wg.Wait()
	sort.Strings(failed)
	return body, failed
}

// summarize calls generation once for a category. ok is false when a
// placeholder was substituted for a failed call or an unreadable response.
func (g *Generator) summarize(ctx context.Context, log zerolog.Logger, c category) (model.CategoryResult, bool) {
	if len(c.items) == 0 {
		return EmptyPlaceholder(), true
	}

	items := c.items
	if len(items) > MaxItemsPerCategory {
		items = items[:MaxItemsPerCategory]
	}

	callCtx := ctx
	if g.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.callTimeout)
		defer cancel()
	}

	log = log.With().Str("category", c.name).Logger()

	text, err := g.gen.Generate(callCtx, c.name, llm.RenderExcerpts(items))
	if err != nil {
		log.Warn().Err(err).Str("kind", string(apperr.KindOf(err))).Msg("generation failed")
		return TransportPlaceholder(c.name), false
	}

	result, err := jsonrecover.DecodeSection(text)
	if err != nil {
		log.Warn().Err(err).Msg("unreadable generation response")
		return MalformedPlaceholder(c.name), false
	}
	if result.ActionableTasks == nil {
		result.ActionableTasks = []model.Task{}
	}
	return result, true
}

// EmptyPlaceholder stands in for a category with nothing to summarize.
func EmptyPlaceholder() model.CategoryResult {
	return model.CategoryResult{
		SectionTitle:    "No Summary Available",
		Summary:         "No articles to summarize for this category.",
		ActionableTasks: []model.Task{},
	}
}

// MalformedPlaceholder stands in for a response that could not be decoded.
func MalformedPlaceholder(category string) model.CategoryResult {
	return model.CategoryResult{
		SectionTitle:    "Error Processing " + category,
		Summary:         "Error parsing AI-generated summary. Please check the original articles.",
		ActionableTasks: []model.Task{},
	}
}

// TransportPlaceholder stands in for a generation call that failed.
func TransportPlaceholder(category string) model.CategoryResult {
	return model.CategoryResult{
		SectionTitle:    "Error in " + category,
		Summary:         fmt.Sprintf("Error generating AI summary for %s. Please check the original articles.", category),
		ActionableTasks: []model.Task{},
	}
}
