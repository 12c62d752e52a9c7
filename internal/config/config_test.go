package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault_PassesValidation(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, "nats://localhost:4222", cfg.Broker.URL)
	require.Equal(t, "server.demise.pipeline", cfg.Broker.Subject)
	require.Equal(t, 48*time.Hour, cfg.Cooling.Period)
	require.True(t, cfg.Cooling.Enabled)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "demised.yaml")
	raw := `
broker:
  url: nats://queue.internal:4222
  subject: demise.prod
cooling:
  period: 24h
  check_interval: 1h
pipeline:
  demise:
    enabled: true
    workers: 5
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "nats://queue.internal:4222", cfg.Broker.URL)
	require.Equal(t, "demise.prod", cfg.Broker.Subject)
	require.Equal(t, 24*time.Hour, cfg.Cooling.Period)
	require.Equal(t, 5, cfg.Pipeline.Demise.Workers)
	// untouched sections keep their defaults
	require.Equal(t, "SERVER_DEMISE", cfg.Broker.Stream)
	require.Equal(t, 3, cfg.Pipeline.Check.Workers)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("DEMISED_NATS_URL", "nats://env.internal:4222")
	t.Setenv("DEMISED_COOLING_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "nats://env.internal:4222", cfg.Broker.URL)
	require.False(t, cfg.Cooling.Enabled)
}

func TestLoad_InvalidEnvBoolIgnored(t *testing.T) {
	t.Setenv("DEMISED_COOLING_ENABLED", "not-bool")

	cfg, err := Load("")
	require.NoError(t, err)
	require.True(t, cfg.Cooling.Enabled)
}

func TestLoad_UnparsableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "demised.yaml")
	require.NoError(t, os.WriteFile(path, []byte("broker: ["), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "parse config")
}

func TestValidate_Failures(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		message string
	}{
		{"missing url", func(c *Config) { c.Broker.URL = "" }, "broker.url"},
		{"missing stream", func(c *Config) { c.Broker.Stream = "" }, "broker.stream"},
		{"zero fetch batch", func(c *Config) { c.Broker.FetchBatch = 0 }, "fetch_batch"},
		{"enabled stage without workers", func(c *Config) { c.Pipeline.Demise.Workers = 0 }, "pipeline.demise.workers"},
		{"interval exceeds period", func(c *Config) {
			c.Cooling.Period = time.Hour
			c.Cooling.CheckInterval = 2 * time.Hour
		}, "check_interval"},
		{"zero max sessions", func(c *Config) { c.Cooling.MaxSessions = 0 }, "max_sessions"},
		{"dedupe without window", func(c *Config) { c.Dedupe.Window = 0 }, "dedupe.window"},
		{"zero status interval", func(c *Config) { c.Status.Interval = 0 }, "status.interval"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.message)
		})
	}
}

func TestValidate_DisabledStageSkipsWorkerCheck(t *testing.T) {
	cfg := Default()
	cfg.Pipeline.Cooling = StageConfig{Enabled: false, Workers: 0}
	require.NoError(t, cfg.Validate())
}

func TestTotalWorkers(t *testing.T) {
	cfg := Default()
	require.Equal(t, 11, cfg.Pipeline.TotalWorkers())

	cfg.Pipeline.Cooling.Enabled = false
	require.Equal(t, 9, cfg.Pipeline.TotalWorkers())
}
