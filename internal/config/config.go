// Package config loads the coordinator tunables from an optional YAML file.
//
// Values may reference environment variables as ${VAR_NAME}; durations use
// time.ParseDuration syntax:
//
//	cache:
//	  ttl: "5m"
//	  capacity: 100
//	  evict_fraction: 0.1
//	recency:
//	  window: 5
//	sweep:
//	  interval: "10m"
//	  idle_timeout: "30m"
//	batch:
//	  size: 5
//	  interval: "10s"
//	retry:
//	  max_retries: 2
//	  base_delay: "1s"
//	  max_delay: "8s"
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "json"  # text, json
//
// Anything left out keeps its default.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"analysis-coordinator/internal/batch"
	"analysis-coordinator/internal/conversation"
	"analysis-coordinator/internal/retry"
)

type Config struct {
	Cache   CacheConfig   `yaml:"cache"`
	Recency RecencyConfig `yaml:"recency"`
	Sweep   SweepConfig   `yaml:"sweep"`
	Batch   BatchConfig   `yaml:"batch"`
	Retry   RetryConfig   `yaml:"retry"`
	Logging LoggingConfig `yaml:"logging"`
}

type CacheConfig struct {
	TTL           time.Duration `yaml:"-"`
	Capacity      int           `yaml:"capacity"`
	EvictFraction float64       `yaml:"evict_fraction"`

	TTLRaw string `yaml:"ttl"`
}

type RecencyConfig struct {
	Window int `yaml:"window"`
}

type SweepConfig struct {
	Interval    time.Duration `yaml:"-"`
	IdleTimeout time.Duration `yaml:"-"`

	IntervalRaw    string `yaml:"interval"`
	IdleTimeoutRaw string `yaml:"idle_timeout"`
}

type BatchConfig struct {
	Size     int           `yaml:"size"`
	Interval time.Duration `yaml:"-"`

	IntervalRaw string `yaml:"interval"`
}

// RetryConfig mirrors retry.Policy. MaxRetries is a pointer so that an
// explicit 0 (single attempt) is kept.
type RetryConfig struct {
	MaxRetries *int          `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"-"`
	MaxDelay   time.Duration `yaml:"-"`

	BaseDelayRaw string `yaml:"base_delay"`
	MaxDelayRaw  string `yaml:"max_delay"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	maxRetries := retry.DefaultPolicy().MaxRetries
	return &Config{
		Cache: CacheConfig{
			TTL:           conversation.DefaultTTL,
			Capacity:      conversation.DefaultCapacity,
			EvictFraction: conversation.DefaultEvictFraction,
		},
		Recency: RecencyConfig{Window: conversation.DefaultRecencyWindow},
		Sweep: SweepConfig{
			Interval:    conversation.DefaultSweepInterval,
			IdleTimeout: conversation.DefaultIdleTimeout,
		},
		Batch: BatchConfig{Size: batch.DefaultBatchSize, Interval: batch.DefaultInterval},
		Retry: RetryConfig{
			MaxRetries: &maxRetries,
			BaseDelay:  retry.DefaultPolicy().BaseDelay,
			MaxDelay:   retry.DefaultPolicy().MaxDelay,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load reads the YAML file at path on top of Default. An empty path returns
// the defaults.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML content on top of Default.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or "" if unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate returns the first invalid setting it finds.
func (c *Config) Validate() error {
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("cache.capacity must be positive")
	}
	if c.Cache.EvictFraction <= 0 || c.Cache.EvictFraction > 1 {
		return fmt.Errorf("cache.evict_fraction must be in (0, 1]")
	}
	if c.Recency.Window <= 0 {
		return fmt.Errorf("recency.window must be positive")
	}
	if c.Sweep.Interval <= 0 || c.Sweep.IdleTimeout <= 0 {
		return fmt.Errorf("sweep.interval and sweep.idle_timeout must be positive")
	}
	if c.Batch.Size <= 0 {
		return fmt.Errorf("batch.size must be positive")
	}
	if c.Batch.Interval <= 0 {
		return fmt.Errorf("batch.interval must be positive")
	}
	if c.Retry.MaxRetries != nil && *c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("retry.base_delay must be positive and not exceed retry.max_delay")
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}
	return nil
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"cache.ttl", cfg.Cache.TTLRaw, &cfg.Cache.TTL},
		{"sweep.interval", cfg.Sweep.IntervalRaw, &cfg.Sweep.Interval},
		{"sweep.idle_timeout", cfg.Sweep.IdleTimeoutRaw, &cfg.Sweep.IdleTimeout},
		{"batch.interval", cfg.Batch.IntervalRaw, &cfg.Batch.Interval},
		{"retry.base_delay", cfg.Retry.BaseDelayRaw, &cfg.Retry.BaseDelay},
		{"retry.max_delay", cfg.Retry.MaxDelayRaw, &cfg.Retry.MaxDelay},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// StoreOptions converts the cache, recency and sweep sections.
func (c *Config) StoreOptions(logger *slog.Logger) conversation.Options {
	return conversation.Options{
		TTL:           c.Cache.TTL,
		Capacity:      c.Cache.Capacity,
		EvictFraction: c.Cache.EvictFraction,
		RecencyWindow: c.Recency.Window,
		SweepInterval: c.Sweep.Interval,
		IdleTimeout:   c.Sweep.IdleTimeout,
		Logger:        logger,
	}
}

func (c *Config) BatchOptions(logger *slog.Logger) batch.Options {
	return batch.Options{
		BatchSize: c.Batch.Size,
		Interval:  c.Batch.Interval,
		Logger:    logger,
	}
}

// RetryPolicy converts the retry section. The caller supplies the error
// classifier.
func (c *Config) RetryPolicy(retryable func(error) bool) retry.Policy {
	p := retry.Policy{
		MaxRetries: retry.DefaultPolicy().MaxRetries,
		BaseDelay:  c.Retry.BaseDelay,
		MaxDelay:   c.Retry.MaxDelay,
		Retryable:  retryable,
	}
	if c.Retry.MaxRetries != nil {
		p.MaxRetries = *c.Retry.MaxRetries
	}
	return p
}

// NewLogger builds the process logger described by the logging section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Logging.Level)
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Logging.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging.level %q is not one of debug, info, warn, error", s)
	}
}
