// Package config loads relay settings from a TOML file, a .env file and
// RELAY_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/jdziat/job-relay/pkg/companion"
	"github.com/jdziat/job-relay/pkg/engine"
	"github.com/jdziat/job-relay/pkg/page"
	"github.com/jdziat/job-relay/pkg/schedule"
	"github.com/jdziat/job-relay/pkg/security"
)

type Config struct {
	DatabaseURL string `toml:"database_url"`
	LogLevel    string `toml:"log_level"`
	LogFormat   string `toml:"log_format"`
	Namespace   string `toml:"namespace"`
	Owner       string `toml:"owner"`

	Engine    EngineConfig    `toml:"engine"`
	Page      PageConfig      `toml:"page"`
	Dispatch  DispatchConfig  `toml:"dispatch"`
	Companion CompanionConfig `toml:"companion"`
	Sweep     SweepConfig     `toml:"sweep"`

	// Resolved at runtime (not in TOML).
	BaseDir string `toml:"-"`
}

// EngineConfig holds the pacing knobs. Durations use time.ParseDuration syntax.
type EngineConfig struct {
	PollInterval  string `toml:"poll_interval"`
	TickInterval  string `toml:"tick_interval"`
	ChunkDelay    string `toml:"chunk_delay"`
	SubmitSettle  string `toml:"submit_settle"`
	BatchSize     int    `toml:"batch_size"`
	BatchDelay    string `toml:"batch_delay"`
	BatchWorkers  int    `toml:"batch_workers"`
	FailFast      bool   `toml:"fail_fast"`
	TeardownGrace string `toml:"teardown_grace"`
	GlobalTimeout string `toml:"global_timeout"`
	MaxRetries    int    `toml:"max_retries"`
	MaxPromptSize int    `toml:"max_prompt_size"`
	Debug         bool   `toml:"debug"`
}

type PageConfig struct {
	URL         string         `toml:"url"`
	DevToolsURL string         `toml:"devtools_url"`
	Headless    bool           `toml:"headless"`
	SubmitDelay string         `toml:"submit_delay"`
	Selectors   page.Selectors `toml:"selectors"`
}

type DispatchConfig struct {
	// BaseURL is the page new jobs are opened on. Defaults to Page.URL.
	BaseURL string `toml:"base_url"`
	// Opener is one of "devtools", "system" or "none".
	Opener string `toml:"opener"`
}

type CompanionConfig struct {
	URL         string `toml:"url"`
	Listen      string `toml:"listen"`
	SandboxRoot string `toml:"sandbox_root"`
	Disabled    bool   `toml:"disabled"`
}

type SweepConfig struct {
	// Schedule is a duration ("1h") or a cron expression ("0 3 * * *").
	Schedule  string `toml:"schedule"`
	Retention string `toml:"retention"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads the TOML file at path, then .env files, then the environment.
// A missing file is not an error; the defaults and environment still apply.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		_, err := toml.DecodeFile(path, cfg)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			slog.Debug("config file not found, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		default:
			cfg.BaseDir = filepath.Dir(path)
		}
	}

	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	resolvePaths(cfg)
	return cfg, nil
}

// loadEnvFiles loads .env files without overriding variables already set.
// Missing files are skipped.
func loadEnvFiles(files []string) error {
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.DatabaseURL == "" {
		if d, err := DataDir(); err == nil {
			cfg.DatabaseURL = filepath.Join(d, "relay.db")
		} else {
			cfg.DatabaseURL = "relay.db"
		}
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}

	def := engine.DefaultConfig()
	e := &cfg.Engine
	if e.PollInterval == "" {
		e.PollInterval = def.PollInterval.String()
	}
	if e.TickInterval == "" {
		e.TickInterval = def.TickInterval.String()
	}
	if e.ChunkDelay == "" {
		e.ChunkDelay = def.ChunkDelay.String()
	}
	if e.SubmitSettle == "" {
		e.SubmitSettle = def.SubmitSettle.String()
	}
	if e.BatchSize == 0 {
		e.BatchSize = def.BatchSize
	}
	if e.BatchDelay == "" {
		e.BatchDelay = def.BatchDelay.String()
	}
	if e.TeardownGrace == "" {
		e.TeardownGrace = def.TeardownGrace.String()
	}
	if e.GlobalTimeout == "" {
		e.GlobalTimeout = def.GlobalTimeout.String()
	}
	if e.MaxPromptSize == 0 {
		e.MaxPromptSize = def.MaxPromptSize
	}

	if cfg.Page.SubmitDelay == "" {
		cfg.Page.SubmitDelay = "500ms"
	}
	defSel := page.DefaultSelectors()
	sel := &cfg.Page.Selectors
	if sel.Input == "" {
		sel.Input = defSel.Input
	}
	if sel.Submit == "" {
		sel.Submit = defSel.Submit
	}
	if sel.Generating == "" {
		sel.Generating = defSel.Generating
	}
	if sel.Response == "" {
		sel.Response = defSel.Response
	}

	if cfg.Dispatch.BaseURL == "" {
		cfg.Dispatch.BaseURL = cfg.Page.URL
	}
	if cfg.Dispatch.Opener == "" {
		cfg.Dispatch.Opener = "devtools"
	}

	if cfg.Companion.URL == "" {
		cfg.Companion.URL = companion.DefaultURL
	}
	if cfg.Companion.Listen == "" {
		cfg.Companion.Listen = "127.0.0.1:3666"
	}
	if cfg.Companion.SandboxRoot == "" {
		cfg.Companion.SandboxRoot = "sandbox"
	}

	if cfg.Sweep.Schedule == "" {
		cfg.Sweep.Schedule = "1h"
	}
	if cfg.Sweep.Retention == "" {
		cfg.Sweep.Retention = schedule.DefaultRetention.String()
	}
}

// applyEnv layers RELAY_* variables over the file values.
func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"RELAY_DATABASE_URL":   &cfg.DatabaseURL,
		"RELAY_LOG_LEVEL":      &cfg.LogLevel,
		"RELAY_LOG_FORMAT":     &cfg.LogFormat,
		"RELAY_NAMESPACE":      &cfg.Namespace,
		"RELAY_OWNER":          &cfg.Owner,
		"RELAY_PAGE_URL":       &cfg.Page.URL,
		"RELAY_DEVTOOLS_URL":   &cfg.Page.DevToolsURL,
		"RELAY_DISPATCH_URL":   &cfg.Dispatch.BaseURL,
		"RELAY_OPENER":         &cfg.Dispatch.Opener,
		"RELAY_COMPANION_URL":  &cfg.Companion.URL,
		"RELAY_LISTEN":         &cfg.Companion.Listen,
		"RELAY_SANDBOX_ROOT":   &cfg.Companion.SandboxRoot,
		"RELAY_SWEEP_SCHEDULE": &cfg.Sweep.Schedule,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("RELAY_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid RELAY_MAX_RETRIES %q: %w", v, err)
		}
		cfg.Engine.MaxRetries = n
	}
	if v := os.Getenv("RELAY_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid RELAY_BATCH_SIZE %q: %w", v, err)
		}
		cfg.Engine.BatchSize = n
	}
	if v := os.Getenv("RELAY_DEBUG"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid RELAY_DEBUG %q: %w", v, err)
		}
		cfg.Engine.Debug = b
	}
	return nil
}

func validate(cfg *Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log_level: %q", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log_format: %q (must be text or json)", cfg.LogFormat)
	}
	switch cfg.Dispatch.Opener {
	case "devtools", "system", "none":
	default:
		return fmt.Errorf("unsupported dispatch.opener: %q (must be devtools, system or none)", cfg.Dispatch.Opener)
	}
	if cfg.Engine.MaxRetries < 0 {
		return fmt.Errorf("engine.max_retries must not be negative, got %d", cfg.Engine.MaxRetries)
	}
	if cfg.Engine.BatchWorkers < 0 {
		return fmt.Errorf("engine.batch_workers must not be negative, got %d", cfg.Engine.BatchWorkers)
	}
	if cfg.Engine.BatchSize < 1 || cfg.Engine.BatchSize > security.MaxBatchSize {
		return fmt.Errorf("engine.batch_size must be between 1 and %d, got %d", security.MaxBatchSize, cfg.Engine.BatchSize)
	}
	if _, err := cfg.EngineConfig(); err != nil {
		return err
	}
	if _, err := time.ParseDuration(cfg.Page.SubmitDelay); err != nil {
		return fmt.Errorf("invalid page.submit_delay %q: %w", cfg.Page.SubmitDelay, err)
	}
	if _, err := schedule.Parse(cfg.Sweep.Schedule); err != nil {
		return fmt.Errorf("invalid sweep.schedule: %w", err)
	}
	if _, err := time.ParseDuration(cfg.Sweep.Retention); err != nil {
		return fmt.Errorf("invalid sweep.retention %q: %w", cfg.Sweep.Retention, err)
	}
	return nil
}

// resolvePaths makes the sandbox root and sqlite paths absolute relative to
// the config file's directory.
func resolvePaths(cfg *Config) {
	if cfg.BaseDir == "" {
		return
	}
	if !filepath.IsAbs(cfg.Companion.SandboxRoot) {
		cfg.Companion.SandboxRoot = filepath.Join(cfg.BaseDir, cfg.Companion.SandboxRoot)
	}
	if !isURL(cfg.DatabaseURL) && cfg.DatabaseURL != ":memory:" && !filepath.IsAbs(cfg.DatabaseURL) {
		cfg.DatabaseURL = filepath.Join(cfg.BaseDir, cfg.DatabaseURL)
	}
}

func isURL(s string) bool {
	return strings.Contains(s, "://") || strings.HasPrefix(s, "file:") || strings.Contains(s, "host=")
}

// EngineConfig converts the pacing section into an engine.Config.
func (c *Config) EngineConfig() (engine.Config, error) {
	e := c.Engine
	out := engine.Config{
		Namespace:     c.Namespace,
		Owner:         c.Owner,
		BatchSize:     e.BatchSize,
		BatchWorkers:  e.BatchWorkers,
		FailFast:      e.FailFast,
		MaxRetries:    e.MaxRetries,
		MaxPromptSize: e.MaxPromptSize,
		Debug:         e.Debug,
	}
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"engine.poll_interval", e.PollInterval, &out.PollInterval},
		{"engine.tick_interval", e.TickInterval, &out.TickInterval},
		{"engine.chunk_delay", e.ChunkDelay, &out.ChunkDelay},
		{"engine.submit_settle", e.SubmitSettle, &out.SubmitSettle},
		{"engine.batch_delay", e.BatchDelay, &out.BatchDelay},
		{"engine.teardown_grace", e.TeardownGrace, &out.TeardownGrace},
		{"engine.global_timeout", e.GlobalTimeout, &out.GlobalTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return engine.Config{}, fmt.Errorf("invalid %s %q: %w", d.name, d.raw, err)
		}
		if v < 0 {
			return engine.Config{}, fmt.Errorf("invalid %s %q: must not be negative", d.name, d.raw)
		}
		*d.dst = v
	}
	return out, nil
}

// SubmitDelay returns the parsed page submit delay.
func (c *Config) SubmitDelay() time.Duration {
	d, _ := time.ParseDuration(c.Page.SubmitDelay)
	return d
}

// SweepRetention returns the parsed tombstone retention.
func (c *Config) SweepRetention() time.Duration {
	d, _ := time.ParseDuration(c.Sweep.Retention)
	return d
}

// SlogLevel maps log_level onto a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
