// Package config provides application configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Broker   BrokerConfig   `yaml:"broker"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Cooling  CoolingConfig  `yaml:"cooling"`
	Dedupe   DedupeConfig   `yaml:"dedupe"`
	Status   StatusConfig   `yaml:"status"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type BrokerConfig struct {
	URL            string        `yaml:"url"`
	Stream         string        `yaml:"stream"`
	Subject        string        `yaml:"subject"`
	DurablePrefix  string        `yaml:"durable_prefix"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	FetchBatch     int           `yaml:"fetch_batch"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
}

type StageConfig struct {
	Enabled bool `yaml:"enabled"`
	Workers int  `yaml:"workers"`
}

type PipelineConfig struct {
	Check    StageConfig `yaml:"check"`
	PowerOff StageConfig `yaml:"poweroff"`
	Demise   StageConfig `yaml:"demise"`
	Cooling  StageConfig `yaml:"cooling"`
}

// TotalWorkers sums the worker counts of all enabled stages.
func (p PipelineConfig) TotalWorkers() int {
	total := 0
	for _, s := range []StageConfig{p.Check, p.PowerOff, p.Demise, p.Cooling} {
		if s.Enabled {
			total += s.Workers
		}
	}
	return total
}

type CoolingConfig struct {
	// Enabled routes poweroff through the cooling period; when false the
	// poweroff stage hands off to demise directly.
	Enabled       bool          `yaml:"enabled"`
	Period        time.Duration `yaml:"period"`
	CheckInterval time.Duration `yaml:"check_interval"`
	MaxSessions   int           `yaml:"max_sessions"`
	// EmitUpdates publishes a cooling_status_update after every clean power
	// check. Off by default to keep the shared subject quiet; the check is
	// always logged either way.
	EmitUpdates bool `yaml:"emit_updates"`
}

type DedupeConfig struct {
	Enabled bool `yaml:"enabled"`
	// Dir is the badger directory for the idempotency ledger. Empty means
	// in-memory, which still covers redeliveries within a process lifetime.
	Dir    string        `yaml:"dir"`
	Window time.Duration `yaml:"window"`
}

type StatusConfig struct {
	File       string        `yaml:"file"`
	Interval   time.Duration `yaml:"interval"`
	ListenAddr string        `yaml:"listen_addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the YAML config at path, merges it over the defaults, applies
// environment overrides and validates the result. A missing file is not an
// error: defaults plus environment are enough to run.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides selected fields from the environment, mirroring the
// container deployment knobs.
func (c *Config) applyEnv() {
	if v := os.Getenv("DEMISED_NATS_URL"); v != "" {
		c.Broker.URL = v
	}
	if v := os.Getenv("DEMISED_SUBJECT"); v != "" {
		c.Broker.Subject = v
	}
	if v := os.Getenv("DEMISED_STREAM"); v != "" {
		c.Broker.Stream = v
	}
	if v := os.Getenv("DEMISED_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("DEMISED_STATUS_FILE"); v != "" {
		c.Status.File = v
	}
	if v := os.Getenv("DEMISED_COOLING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Cooling.Enabled = b
		}
	}
}

func (c *Config) Validate() error {
	if c.Broker.URL == "" {
		return fmt.Errorf("broker.url is required")
	}
	if c.Broker.Stream == "" || c.Broker.Subject == "" {
		return fmt.Errorf("broker.stream and broker.subject are required")
	}
	if c.Broker.PublishTimeout <= 0 {
		return fmt.Errorf("broker.publish_timeout must be positive")
	}
	if c.Broker.FetchBatch <= 0 {
		return fmt.Errorf("broker.fetch_batch must be positive")
	}
	for name, s := range map[string]StageConfig{
		"check":    c.Pipeline.Check,
		"poweroff": c.Pipeline.PowerOff,
		"demise":   c.Pipeline.Demise,
		"cooling":  c.Pipeline.Cooling,
	} {
		if s.Enabled && s.Workers <= 0 {
			return fmt.Errorf("pipeline.%s.workers must be positive when enabled", name)
		}
	}
	if c.Cooling.Period <= 0 || c.Cooling.CheckInterval <= 0 {
		return fmt.Errorf("cooling.period and cooling.check_interval must be positive")
	}
	if c.Cooling.CheckInterval > c.Cooling.Period {
		return fmt.Errorf("cooling.check_interval must not exceed cooling.period")
	}
	if c.Cooling.MaxSessions <= 0 {
		return fmt.Errorf("cooling.max_sessions must be positive")
	}
	if c.Dedupe.Enabled && c.Dedupe.Window <= 0 {
		return fmt.Errorf("dedupe.window must be positive when dedupe is enabled")
	}
	if c.Status.Interval <= 0 {
		return fmt.Errorf("status.interval must be positive")
	}
	return nil
}
