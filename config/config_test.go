package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadConfigFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "site.yaml")
	body := `
site:
  id: 2
  partitions: [4, 5, 6]
executor:
  poll_timeout: 20us
  tick_interval: 2s
speculation:
  policy: shortest
  window: 25
wire:
  compression: zstd
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Site.ID != 2 || len(cfg.Site.Partitions) != 3 {
		t.Errorf("site = %+v", cfg.Site)
	}
	if cfg.Executor.PollTimeout != 20*time.Microsecond {
		t.Errorf("poll timeout = %v", cfg.Executor.PollTimeout)
	}
	if cfg.Speculation.Policy != "shortest" || cfg.Speculation.Window != 25 {
		t.Errorf("speculation = %+v", cfg.Speculation)
	}
	if cfg.Wire.Compression != "zstd" {
		t.Errorf("compression = %q", cfg.Wire.Compression)
	}
	// Untouched sections keep their defaults.
	if !cfg.Speculation.Enabled {
		t.Error("speculation should default to enabled")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("HERON_SPEC_POLICY", "longest")
	t.Setenv("HERON_WIRE_COMPRESSION", "lz4")
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Speculation.Policy != "longest" {
		t.Errorf("policy = %q, want env override", cfg.Speculation.Policy)
	}
	if cfg.Wire.Compression != "lz4" {
		t.Errorf("compression = %q, want env override", cfg.Wire.Compression)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no partitions", func(c *Config) { c.Site.Partitions = nil }},
		{"duplicate partition", func(c *Config) { c.Site.Partitions = []int{1, 1} }},
		{"negative partition", func(c *Config) { c.Site.Partitions = []int{-1} }},
		{"zero poll timeout", func(c *Config) { c.Executor.PollTimeout = 0 }},
		{"sub-second tick", func(c *Config) { c.Executor.TickInterval = 100 * time.Millisecond }},
		{"bad policy", func(c *Config) { c.Speculation.Policy = "fastest" }},
		{"bad compression", func(c *Config) { c.Wire.Compression = "brotli" }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := DefaultConfig()
			c.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestMissingFileErrors(t *testing.T) {
	if _, err := LoadConfig("/does/not/exist.yaml"); err == nil {
		t.Error("missing file should error")
	}
}
