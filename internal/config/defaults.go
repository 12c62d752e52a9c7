package config

import "time"

// Default returns the built-in configuration. Values mirror a single-node
// deployment: one shared pipeline subject, three workers per action stage,
// a 48 hour cooling period checked every 2 hours.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			URL:            "nats://localhost:4222",
			Stream:         "SERVER_DEMISE",
			Subject:        "server.demise.pipeline",
			DurablePrefix:  "demised",
			PublishTimeout: 10 * time.Second,
			FetchBatch:     10,
			FetchTimeout:   time.Second,
		},
		Pipeline: PipelineConfig{
			Check:    StageConfig{Enabled: true, Workers: 3},
			PowerOff: StageConfig{Enabled: true, Workers: 3},
			Demise:   StageConfig{Enabled: true, Workers: 3},
			Cooling:  StageConfig{Enabled: true, Workers: 2},
		},
		Cooling: CoolingConfig{
			Enabled:       true,
			Period:        48 * time.Hour,
			CheckInterval: 2 * time.Hour,
			MaxSessions:   256,
			EmitUpdates:   false,
		},
		Dedupe: DedupeConfig{
			Enabled: true,
			Dir:     "",
			Window:  time.Hour,
		},
		Status: StatusConfig{
			File:       "demised_status.json",
			Interval:   30 * time.Second,
			ListenAddr: ":9090",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
