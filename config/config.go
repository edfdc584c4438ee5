// Package config builds the explicit configuration value that is passed to
// every pipeline component.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hay-kot/criterio"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

const (
	configPathEnv     = "STI_CONFIG"
	databaseDriverEnv = "STI_DATABASE_DRIVER"
	databaseDSNEnv    = "STI_DATABASE_DSN"
	databasePathEnv   = "DATABASE_PATH"
	llmProviderEnv    = "STI_LLM_PROVIDER"
	llmModelEnv       = "STI_LLM_MODEL"
	llmEndpointEnv    = "STI_LLM_ENDPOINT"
	claudeAPIKeyEnv   = "CLAUDE_API_KEY"
	openAIAPIKeyEnv   = "OPENAI_API_KEY"
	logLevelEnv       = "STI_LOG_LEVEL"
	ingestWindowEnv   = "STI_INGEST_WINDOW"
	retentionEnv      = "STI_RETENTION"
)

// Config holds every setting the pipeline needs.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Ingest   IngestConfig   `yaml:"ingest"`
	Digest   DigestConfig   `yaml:"digest"`
	LLM      LLMConfig      `yaml:"llm"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig selects the storage driver. DSN is a file path (or
// ":memory:") for SQLite and a connection string for Postgres.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// IngestConfig tunes feed collection.
type IngestConfig struct {
	// Window is the recency window; older entries are never stored.
	Window    Duration `yaml:"window"`
	Workers   int      `yaml:"workers"`
	Timeout   Duration `yaml:"timeout"`
	UserAgent string   `yaml:"user_agent"`
}

// DigestConfig tunes digest generation.
type DigestConfig struct {
	// Retention is the age after which items are swept.
	Retention         Duration `yaml:"retention"`
	Workers           int      `yaml:"workers"`
	ClaimTTL          Duration `yaml:"claim_ttl"`
	DefaultPeriodDays int      `yaml:"default_period_days"`
}

// LLMConfig describes how to reach the text-generation provider.
type LLMConfig struct {
	Provider     string   `yaml:"provider"`
	Endpoint     string   `yaml:"endpoint"`
	Model        string   `yaml:"model"`
	APIKey       string   `yaml:"api_key"`
	MaxTokens    int      `yaml:"max_tokens"`
	Temperature  float64  `yaml:"temperature"`
	Timeout      Duration `yaml:"timeout"`
	SystemPrompt string   `yaml:"system_prompt"`
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Driver: DriverSQLite,
			DSN:    DefaultDatabasePath(),
		},
		Ingest: IngestConfig{
			Window:    Duration(2 * time.Hour),
			Workers:   8,
			Timeout:   Duration(30 * time.Second),
			UserAgent: "serious-threat-intelligence/1.0 (+feed digester)",
		},
		Digest: DigestConfig{
			Retention:         Duration(10 * 24 * time.Hour),
			Workers:           4,
			ClaimTTL:          Duration(30 * time.Minute),
			DefaultPeriodDays: 1,
		},
		LLM: LLMConfig{
			Provider:     ProviderAnthropic,
			Endpoint:     "https://api.anthropic.com/v1/messages",
			Model:        "claude-3-5-sonnet-20241022",
			MaxTokens:    2000,
			Temperature:  0,
			Timeout:      Duration(90 * time.Second),
			SystemPrompt: "You are a skilled journalist writing clear, informative summaries for a news digest email.",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// DefaultDatabasePath returns the SQLite file used when no DSN is configured.
func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "sti.db"
	}
	return filepath.Join(home, ".config", "sti", "sti.db")
}

// DefaultConfigPath returns the config file path from the environment, if any.
func DefaultConfigPath() string {
	return os.Getenv(configPathEnv)
}

// Load builds a Config from defaults, an optional YAML file, an optional
// .env file and environment overrides, then validates it.
//
// An empty envFile loads ./.env when present. An explicitly named file that
// cannot be read is an error in both cases.
func Load(path, envFile string) (Config, error) {
	cfg := Default()

	if err := loadDotEnv(envFile); err != nil {
		return cfg, err
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func loadDotEnv(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv(databaseDriverEnv); v != "" {
		c.Database.Driver = v
	}

	if v := os.Getenv(databasePathEnv); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv(databaseDSNEnv); v != "" {
		c.Database.DSN = v
	}

	if v := os.Getenv(llmProviderEnv); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv(llmModelEnv); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv(llmEndpointEnv); v != "" {
		c.LLM.Endpoint = v
	}

	switch c.LLM.Provider {
	case ProviderAnthropic:
		if v := os.Getenv(claudeAPIKeyEnv); v != "" {
			c.LLM.APIKey = v
		}
	case ProviderOpenAI:
		if v := os.Getenv(openAIAPIKeyEnv); v != "" {
			c.LLM.APIKey = v
		}
	}

	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv(ingestWindowEnv); v != "" {
		d, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", ingestWindowEnv, err)
		}
		c.Ingest.Window = Duration(d)
	}
	if v := os.Getenv(retentionEnv); v != "" {
		d, err := ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", retentionEnv, err)
		}
		c.Digest.Retention = Duration(d)
	}

	return nil
}

// Validate checks structural constraints of the configuration. Provider
// credentials are checked when a generator is built, so commands that never
// summarize work without an API key.
func (c *Config) Validate() error {
	return criterio.ValidateStruct(
		criterio.Run("database.driver", c.Database.Driver, oneOf(DriverSQLite, DriverPostgres)),
		criterio.Run("database.dsn", c.Database.DSN, required),
		criterio.Run("llm.provider", c.LLM.Provider, oneOf(ProviderAnthropic, ProviderOpenAI)),
		c.validateDurations(),
		c.validateWorkers(),
	)
}

func (c *Config) validateDurations() error {
	durations := []struct {
		field string
		value Duration
	}{
		{"ingest.window", c.Ingest.Window},
		{"ingest.timeout", c.Ingest.Timeout},
		{"digest.retention", c.Digest.Retention},
		{"digest.claim_ttl", c.Digest.ClaimTTL},
		{"llm.timeout", c.LLM.Timeout},
	}

	var errs criterio.FieldErrorsBuilder
	for _, d := range durations {
		if d.value <= 0 {
			errs = errs.Append(d.field, errors.New("must be a positive duration"))
		}
	}
	return errs.ToError()
}

func (c *Config) validateWorkers() error {
	var errs criterio.FieldErrorsBuilder
	if c.Ingest.Workers < 1 {
		errs = errs.Append("ingest.workers", errors.New("must be at least 1"))
	}
	if c.Digest.Workers < 1 {
		errs = errs.Append("digest.workers", errors.New("must be at least 1"))
	}
	if c.Digest.DefaultPeriodDays < 1 {
		errs = errs.Append("digest.default_period_days", errors.New("must be at least 1"))
	}
	if c.LLM.MaxTokens < 1 {
		errs = errs.Append("llm.max_tokens", errors.New("must be at least 1"))
	}
	return errs.ToError()
}

func required(v string) error {
	if strings.TrimSpace(v) == "" {
		return errors.New("is required")
	}
	return nil
}

func oneOf(allowed ...string) func(string) error {
	return func(v string) error {
		for _, a := range allowed {
			if v == a {
				return nil
			}
		}
		quoted := make([]string, len(allowed))
		for i, a := range allowed {
			quoted[i] = strconv.Quote(a)
		}
		return fmt.Errorf("must be one of %s, got %q", strings.Join(quoted, ", "), v)
	}
}
