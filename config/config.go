// Package config holds the site configuration: yaml on disk with
// environment-variable overrides, defaults first.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for one site.
type Config struct {
	Site        SiteConfig        `yaml:"site"`
	Executor    ExecutorConfig    `yaml:"executor"`
	Speculation SpeculationConfig `yaml:"speculation"`
	Wire        WireConfig        `yaml:"wire"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// SiteConfig identifies the site and its partitions.
type SiteConfig struct {
	ID         int   `yaml:"id" env:"HERON_SITE_ID"`
	Partitions []int `yaml:"partitions"`
}

// ExecutorConfig tunes each partition executor loop.
type ExecutorConfig struct {
	PollTimeout     time.Duration `yaml:"poll_timeout" env:"HERON_POLL_TIMEOUT"`
	TickInterval    time.Duration `yaml:"tick_interval" env:"HERON_TICK_INTERVAL"`
	ResponseTimeout time.Duration `yaml:"response_timeout" env:"HERON_RESPONSE_TIMEOUT"`
	WorkQueueDepth  int           `yaml:"work_queue_depth" env:"HERON_WORK_QUEUE_DEPTH"`
	ForceUndo       bool          `yaml:"force_undo" env:"HERON_FORCE_UNDO"`
}

// SpeculationConfig tunes the speculative scheduler.
type SpeculationConfig struct {
	Enabled         bool   `yaml:"enabled" env:"HERON_SPEC_ENABLED"`
	Policy          string `yaml:"policy" env:"HERON_SPEC_POLICY"`
	Window          int    `yaml:"window" env:"HERON_SPEC_WINDOW"`
	SenseDtxnChange bool   `yaml:"sense_dtxn_change"`
	SenseSizeChange bool   `yaml:"sense_size_change"`
}

// WireConfig tunes the cross-site payload codec and prefetch cache.
type WireConfig struct {
	Compression   string `yaml:"compression" env:"HERON_WIRE_COMPRESSION"`
	PrefetchCache int    `yaml:"prefetch_cache" env:"HERON_PREFETCH_CACHE"`
}

// LoggingConfig tunes the site logger.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"HERON_LOG_LEVEL"`
	Format string `yaml:"format" env:"HERON_LOG_FORMAT"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:         0,
			Partitions: []int{0},
		},
		Executor: ExecutorConfig{
			PollTimeout:     10 * time.Microsecond,
			TickInterval:    time.Second,
			ResponseTimeout: 10 * time.Second,
			WorkQueueDepth:  4096,
		},
		Speculation: SpeculationConfig{
			Enabled:         true,
			Policy:          "first",
			Window:          10,
			SenseDtxnChange: true,
			SenseSizeChange: true,
		},
		Wire: WireConfig{
			Compression:   "snappy",
			PrefetchCache: 256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig reads path (yaml) over the defaults, then applies environment
// overrides and validates.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("HERON_SITE_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil {
			c.Site.ID = id
		}
	}
	if v := os.Getenv("HERON_POLL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Executor.PollTimeout = d
		}
	}
	if v := os.Getenv("HERON_TICK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Executor.TickInterval = d
		}
	}
	if v := os.Getenv("HERON_RESPONSE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Executor.ResponseTimeout = d
		}
	}
	if v := os.Getenv("HERON_WORK_QUEUE_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Executor.WorkQueueDepth = n
		}
	}
	if v := os.Getenv("HERON_FORCE_UNDO"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Executor.ForceUndo = b
		}
	}
	if v := os.Getenv("HERON_SPEC_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Speculation.Enabled = b
		}
	}
	if v := os.Getenv("HERON_SPEC_POLICY"); v != "" {
		c.Speculation.Policy = v
	}
	if v := os.Getenv("HERON_SPEC_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Speculation.Window = n
		}
	}
	if v := os.Getenv("HERON_WIRE_COMPRESSION"); v != "" {
		c.Wire.Compression = v
	}
	if v := os.Getenv("HERON_PREFETCH_CACHE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Wire.PrefetchCache = n
		}
	}
	if v := os.Getenv("HERON_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("HERON_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

// Validate rejects configurations the executor cannot run with.
func (c *Config) Validate() error {
	if len(c.Site.Partitions) == 0 {
		return fmt.Errorf("site must own at least one partition")
	}
	seen := make(map[int]struct{}, len(c.Site.Partitions))
	for _, p := range c.Site.Partitions {
		if p < 0 {
			return fmt.Errorf("partition id %d is negative", p)
		}
		if _, dup := seen[p]; dup {
			return fmt.Errorf("partition id %d listed twice", p)
		}
		seen[p] = struct{}{}
	}
	if c.Executor.PollTimeout <= 0 {
		return fmt.Errorf("executor poll_timeout must be positive")
	}
	if c.Executor.TickInterval < time.Second {
		return fmt.Errorf("executor tick_interval must be at least 1s")
	}
	switch c.Speculation.Policy {
	case "", "first", "shortest", "longest":
	default:
		return fmt.Errorf("unknown speculation policy %q", c.Speculation.Policy)
	}
	switch c.Wire.Compression {
	case "", "none", "snappy", "lz4", "zstd":
	default:
		return fmt.Errorf("unknown wire compression %q", c.Wire.Compression)
	}
	return nil
}
