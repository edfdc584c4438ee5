package main

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ISO-Serious/serious-threat-intelligence/apperr"
	"github.com/ISO-Serious/serious-threat-intelligence/catalog"
	"github.com/ISO-Serious/serious-threat-intelligence/digest"
	"github.com/ISO-Serious/serious-threat-intelligence/feed"
	"github.com/ISO-Serious/serious-threat-intelligence/ingest"
	"github.com/ISO-Serious/serious-threat-intelligence/llm"
	"github.com/ISO-Serious/serious-threat-intelligence/logging"
	"github.com/ISO-Serious/serious-threat-intelligence/model"
	"github.com/ISO-Serious/serious-threat-intelligence/store"
)

func commands() []*cli.Command {
	return []*cli.Command{
		{
			Name:   "migrate",
			Usage:  "Create or upgrade the database schema",
			Action: migrate,
		},
		{
			Name:      "import",
			Usage:     "Import sources from feeds files (YAML/JSON) or OPML; globs like feeds/**/*.yaml are expanded",
			ArgsUsage: "<file|glob>...",
			Action:    importSources,
		},
		{
			Name:  "export",
			Usage: "Export sources as OPML",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "output",
					Aliases: []string{"o"},
					Usage:   "Output file (default: stdout)",
				},
			},
			Action: exportSources,
		},
		{
			Name:  "sources",
			Usage: "List sources by category",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "active",
					Usage: "Only active sources",
				},
			},
			Action: listSources,
		},
		{
			Name:      "activate",
			Usage:     "Activate a source",
			ArgsUsage: "<source-id>",
			Action:    func(c *cli.Context) error { return setActive(c, true) },
		},
		{
			Name:      "deactivate",
			Usage:     "Deactivate a source",
			ArgsUsage: "<source-id>",
			Action:    func(c *cli.Context) error { return setActive(c, false) },
		},
		{
			Name:      "remove",
			Usage:     "Remove a source that has no stored articles",
			ArgsUsage: "<source-id>",
			Action:    removeSource,
		},
		{
			Name:   "collect",
			Usage:  "Fetch every active source and store recent articles",
			Action: collect,
		},
		{
			Name:  "summarize",
			Usage: "Generate the digest for the current period (reused if recent)",
			Flags: []cli.Flag{
				&cli.IntFlag{
					Name:  "days",
					Usage: "Period length in days; 7 or more makes a weekly digest (default from config)",
				},
			},
			Action: summarize,
		},
		{
			Name:  "summary",
			Usage: "Show a digest (latest by default)",
			Flags: []cli.Flag{
				&cli.Int64Flag{
					Name:  "id",
					Usage: "Digest ID",
				},
				&cli.StringFlag{
					Name:  "type",
					Usage: "Latest of this period type: daily or weekly",
				},
				&cli.StringFlag{
					Name:    "format",
					Aliases: []string{"f"},
					Value:   formatJSON,
					Usage:   "Output format: json, markdown or pretty",
				},
			},
			Action: showSummary,
		},
		{
			Name:  "summaries",
			Usage: "List digests, newest first",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "type",
					Usage: "daily or weekly",
				},
				&cli.IntFlag{
					Name:    "limit",
					Aliases: []string{"l"},
					Usage:   "Maximum number of digests to return",
				},
			},
			Action: listSummaries,
		},
		{
			Name:  "articles",
			Usage: "List stored articles, newest first",
			Flags: []cli.Flag{
				&cli.IntFlag{
					Name:    "limit",
					Aliases: []string{"l"},
					Value:   50,
					Usage:   "Maximum number of articles to return",
				},
				&cli.IntFlag{
					Name:    "offset",
					Aliases: []string{"o"},
					Usage:   "Offset for pagination",
				},
				&cli.StringFlag{
					Name:    "since",
					Aliases: []string{"s"},
					Usage:   "Show articles since duration (e.g., 2h, 2d, 1w)",
				},
				&cli.StringFlag{
					Name:  "category",
					Usage: "Filter by source category",
				},
			},
			Action: listArticles,
		},
		{
			Name:      "delete-summary",
			Usage:     "Delete a digest",
			ArgsUsage: "<summary-id>",
			Action:    deleteSummary,
		},
		{
			Name:      "delete-article",
			Usage:     "Delete a stored article",
			ArgsUsage: "<article-id>",
			Action:    deleteArticle,
		},
		{
			Name:      "delete-task",
			Usage:     "Delete an actionable task from a digest category by position",
			ArgsUsage: "<summary-id> <category> <index>",
			Action:    deleteTask,
		},
		{
			Name:      "comment",
			Usage:     "Attach commentary to a digest",
			ArgsUsage: "<summary-id> <text>",
			Action:    comment,
		},
	}
}

func migrate(c *cli.Context) error {
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	return outputJSON(map[string]any{
		"success": true,
		"driver":  s.store.Driver(),
	})
}

func importSources(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("Usage: sti import <file|glob>...", ExitUsageError)
	}

	sources, err := catalog.LoadAll(c.Args().Slice()...)
	if err != nil {
		return failure(err)
	}

	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	imported := 0
	var errs []string
	for i := range sources {
		if err := s.store.UpsertSource(c.Context, &sources[i]); err != nil {
			errs = append(errs, sources[i].URL+": "+err.Error())
			continue
		}
		imported++
	}

	return outputJSON(map[string]any{
		"success":  len(errs) == 0,
		"imported": imported,
		"total":    len(sources),
		"errors":   errs,
	})
}

func exportSources(c *cli.Context) error {
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	sources, err := s.store.ListSources(c.Context, false)
	if err != nil {
		return failure(err)
	}

	outputPath := c.String("output")
	var writer io.Writer = os.Stdout
	if outputPath != "" {
		file, err := os.Create(outputPath)
		if err != nil {
			return failure(err)
		}
		defer file.Close()
		writer = file
	}

	if err := catalog.WriteOPML(writer, sources, time.Now()); err != nil {
		return failure(err)
	}

	if outputPath != "" {
		return outputJSON(map[string]any{
			"success": true,
			"file":    outputPath,
			"count":   len(sources),
		})
	}
	return nil
}

func listSources(c *cli.Context) error {
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	sources, err := s.store.ListSources(c.Context, c.Bool("active"))
	if err != nil {
		return failure(err)
	}
	if sources == nil {
		sources = []model.Source{}
	}
	return outputJSON(sources)
}

func setActive(c *cli.Context, active bool) error {
	id, err := argID(c, 0, c.Command.Name+" <source-id>")
	if err != nil {
		return err
	}

	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	ok, err := s.store.SetSourceActive(c.Context, id, active)
	if err != nil {
		return failure(err)
	}
	if !ok {
		return notFound("source", id)
	}
	return outputJSON(map[string]any{
		"success":   true,
		"source_id": id,
		"active":    active,
	})
}

func removeSource(c *cli.Context) error {
	id, err := argID(c, 0, "remove <source-id>")
	if err != nil {
		return err
	}

	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	ok, err := s.store.DeleteSource(c.Context, id)
	if err != nil {
		return failure(err)
	}
	if !ok {
		return notFound("source", id)
	}
	return outputJSON(map[string]any{
		"success":   true,
		"source_id": id,
	})
}

func collect(c *cli.Context) error {
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	cfg := s.cfg.Ingest
	fetcher := feed.NewFetcher(&http.Client{Timeout: cfg.Timeout.D()}, cfg.UserAgent)
	engine := ingest.NewEngine(s.store, fetcher, cfg, logging.Component(s.log, "ingest"))

	res, err := engine.Run(c.Context)
	if err != nil {
		return failure(err)
	}
	return outputJSON(res)
}

func summarize(c *cli.Context) error {
	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	days := s.cfg.Digest.DefaultPeriodDays
	if c.IsSet("days") {
		days = c.Int("days")
	}
	if days < 1 {
		return cli.Exit("--days must be at least 1", ExitUsageError)
	}

	gen, err := llm.New(s.cfg.LLM)
	if err != nil {
		return cli.Exit(err.Error(), ExitUsageError)
	}

	g := digest.NewGenerator(s.store, gen, s.cfg.Digest, s.cfg.LLM.Timeout.D(), logging.Component(s.log, "digest"))
	res, err := g.Run(c.Context, days)
	if err != nil {
		if errors.Is(err, digest.ErrInProgress) {
			s.log.Info().Msg("another run is generating this period; retry later")
		}
		return failure(err)
	}
	return outputJSON(res)
}

func showSummary(c *cli.Context) error {
	periodType := model.PeriodType(c.String("type"))
	if periodType != "" && !periodType.Valid() {
		return cli.Exit("--type must be daily or weekly", ExitUsageError)
	}
	format := c.String("format")
	if !validFormat(format) {
		return cli.Exit("--format must be json, markdown or pretty", ExitUsageError)
	}

	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	var (
		d  model.Digest
		ok bool
	)
	if id := c.Int64("id"); id > 0 {
		d, ok, err = s.store.GetDigest(c.Context, id)
		if err == nil && !ok {
			return notFound("summary", id)
		}
	} else {
		d, ok, err = s.store.LatestDigest(c.Context, periodType)
	}
	if err != nil {
		return failure(err)
	}
	if !ok {
		return outputJSON(map[string]any{
			"summary": nil,
			"message": "no summary has been generated yet",
		})
	}
	return renderDigest(d, format)
}

func listSummaries(c *cli.Context) error {
	periodType := model.PeriodType(c.String("type"))
	if periodType != "" && !periodType.Valid() {
		return cli.Exit("--type must be daily or weekly", ExitUsageError)
	}

	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	digests, err := s.store.ListDigests(c.Context, store.DigestFilter{PeriodType: periodType, Limit: c.Int("limit")})
	if err != nil {
		return failure(err)
	}
	if digests == nil {
		digests = []model.Digest{}
	}
	return outputJSON(digests)
}

func listArticles(c *cli.Context) error {
	opts, err := store.BuildQueryOptions(c.Int("limit"), c.Int("offset"), c.String("since"), c.String("category"))
	if err != nil {
		return cli.Exit("Invalid query options: "+err.Error(), ExitUsageError)
	}

	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	items, err := s.store.ListItems(c.Context, opts)
	if err != nil {
		return failure(err)
	}
	if items == nil {
		items = []model.Item{}
	}

	return outputJSON(map[string]any{
		"count":    len(items),
		"limit":    opts.Limit,
		"offset":   opts.Offset,
		"articles": items,
	})
}

func deleteSummary(c *cli.Context) error {
	id, err := argID(c, 0, "delete-summary <summary-id>")
	if err != nil {
		return err
	}

	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	ok, err := s.store.DeleteDigest(c.Context, id)
	if err != nil {
		return failure(err)
	}
	if !ok {
		return notFound("summary", id)
	}
	return outputJSON(map[string]any{"success": true, "summary_id": id})
}

func deleteArticle(c *cli.Context) error {
	id, err := argID(c, 0, "delete-article <article-id>")
	if err != nil {
		return err
	}

	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	ok, err := s.store.DeleteItem(c.Context, id)
	if err != nil {
		return failure(err)
	}
	if !ok {
		return notFound("article", id)
	}
	return outputJSON(map[string]any{"success": true, "article_id": id})
}

func deleteTask(c *cli.Context) error {
	const usage = "delete-task <summary-id> <category> <index>"
	id, err := argID(c, 0, usage)
	if err != nil {
		return err
	}
	if c.NArg() < 3 {
		return cli.Exit("Usage: sti "+usage, ExitUsageError)
	}
	category := c.Args().Get(1)
	index, err := strconv.Atoi(c.Args().Get(2))
	if err != nil || index < 0 {
		return cli.Exit("Invalid task index", ExitUsageError)
	}

	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	ok, err := s.store.EditDigestBody(c.Context, id, func(b model.Body) error {
		if err := b.DeleteTask(category, index); err != nil {
			return apperr.New(apperr.NotFound, "delete task", err)
		}
		return nil
	})
	if err != nil {
		return failure(err)
	}
	if !ok {
		return notFound("summary", id)
	}
	return outputJSON(map[string]any{
		"success":    true,
		"summary_id": id,
		"category":   category,
		"index":      index,
	})
}

func comment(c *cli.Context) error {
	const usage = "comment <summary-id> <text>"
	id, err := argID(c, 0, usage)
	if err != nil {
		return err
	}
	text := strings.TrimSpace(strings.Join(c.Args().Tail(), " "))
	if text == "" {
		return cli.Exit("Usage: sti "+usage, ExitUsageError)
	}

	s, err := openSession(c)
	if err != nil {
		return err
	}
	defer s.Close()

	ok, err := s.store.SetCommentary(c.Context, id, text)
	if err != nil {
		return failure(err)
	}
	if !ok {
		return notFound("summary", id)
	}
	return outputJSON(map[string]any{"success": true, "summary_id": id})
}
