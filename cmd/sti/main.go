package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/ISO-Serious/serious-threat-intelligence/apperr"
	"github.com/ISO-Serious/serious-threat-intelligence/config"
	"github.com/ISO-Serious/serious-threat-intelligence/logging"
	"github.com/ISO-Serious/serious-threat-intelligence/store"
)

const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitUsageError   = 2
	ExitDataError    = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(ExitGeneralError)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "sti",
		Usage:   "Collect threat-intelligence feeds and build category digests",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML config file",
				EnvVars: []string{"STI_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "dotenv file to load (default: ./.env when present)",
			},
			&cli.StringFlag{
				Name:    "db",
				Aliases: []string{"d"},
				Usage:   "Database path (sqlite) or DSN (postgres); overrides the config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "trace, debug, info, warn or error",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "Append JSON logs to this file instead of stderr",
			},
		},
		Commands: commands(),
	}
}

// session is what every command works with: the resolved config, a logger
// and an open store.
type session struct {
	cfg      config.Config
	log      zerolog.Logger
	store    *store.Store
	closeLog func()
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"), c.String("env-file"))
	if err != nil {
		return cfg, err
	}
	if v := c.String("db"); v != "" {
		cfg.Database.DSN = v
	}
	if v := c.String("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if v := c.String("log-file"); v != "" {
		cfg.Logging.File = v
	}
	return cfg, nil
}

func openSession(c *cli.Context) (*session, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, cli.Exit(err.Error(), ExitUsageError)
	}

	log, closeLog, err := logging.New(cfg.Logging.Level, cfg.Logging.File)
	if err != nil {
		return nil, cli.Exit(err.Error(), ExitUsageError)
	}

	s, err := store.Open(c.Context, cfg.Database, logging.Component(log, "store"))
	if err != nil {
		closeLog()
		return nil, failure(err)
	}

	return &session{cfg: cfg, log: log, store: s, closeLog: closeLog}, nil
}

func (s *session) Close() {
	if err := s.store.Close(); err != nil {
		s.log.Warn().Err(err).Msg("failed to close store")
	}
	s.closeLog()
}

func outputJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// failure reports err as JSON on stdout and exits with the data error code.
func failure(err error) error {
	_ = outputJSON(map[string]any{
		"error": err.Error(),
		"kind":  apperr.KindOf(err),
	})
	return cli.Exit("", ExitDataError)
}

func notFound(what string, id int64) error {
	return failure(apperr.New(apperr.NotFound, what, fmt.Errorf("no %s with id %d", what, id)))
}

func argID(c *cli.Context, pos int, usage string) (int64, error) {
	if c.NArg() <= pos {
		return 0, cli.Exit("Usage: sti "+usage, ExitUsageError)
	}
	id, err := strconv.ParseInt(c.Args().Get(pos), 10, 64)
	if err != nil || id < 1 {
		return 0, cli.Exit(fmt.Sprintf("Invalid ID %q", c.Args().Get(pos)), ExitUsageError)
	}
	return id, nil
}
