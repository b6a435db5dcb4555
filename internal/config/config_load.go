package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agents: AgentsConfig{
			Defaults: AgentDefaults{
				Heartbeat: HeartbeatConfig{
					Enabled:     false,
					IntervalMin: 30,
				},
			},
		},
		Gateway: GatewayConfig{
			BusBuffer:      256,
			OutboundPerSec: 5,
		},
		Scheduler: SchedulerConfig{
			CoalesceMs:   250,
			RetryFloorMs: 1000,
		},
		Queue: QueueConfig{
			Mode:       "followup",
			Cap:        20,
			DebounceMs: 2000,
			DropPolicy: "summarize",
		},
		Cron: CronConfig{
			Enabled:        true,
			FailureRetryMs: 30_000,
		},
		Database: DatabaseConfig{
			Backend: "file",
			Dir:     "~/.tidegate/state",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "tidegate",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			cfg.clamp()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.clamp()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt64 := func(key string, dst *int64) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	envBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	// Database
	envStr("TIDEGATE_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("TIDEGATE_DB_BACKEND", &c.Database.Backend)
	envStr("TIDEGATE_STATE_DIR", &c.Database.Dir)
	envStr("TIDEGATE_SQLITE_PATH", &c.Database.SQLitePath)
	if c.Database.PostgresDSN != "" && os.Getenv("TIDEGATE_DB_BACKEND") == "" {
		c.Database.Backend = "postgres"
	}

	// Scheduler
	envInt64("TIDEGATE_COALESCE_MS", &c.Scheduler.CoalesceMs)
	envInt64("TIDEGATE_RETRY_FLOOR_MS", &c.Scheduler.RetryFloorMs)

	// Queue
	envStr("TIDEGATE_QUEUE_MODE", &c.Queue.Mode)
	envStr("TIDEGATE_QUEUE_DROP_POLICY", &c.Queue.DropPolicy)
	envInt64("TIDEGATE_QUEUE_DEBOUNCE_MS", &c.Queue.DebounceMs)
	if v := os.Getenv("TIDEGATE_QUEUE_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.Cap = n
		}
	}

	// Cron
	envBool("TIDEGATE_CRON_ENABLED", &c.Cron.Enabled)
	envInt64("TIDEGATE_CRON_FAILURE_RETRY_MS", &c.Cron.FailureRetryMs)

	// Telemetry
	envBool("TIDEGATE_TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	envStr("TIDEGATE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("TIDEGATE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("TIDEGATE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	envBool("TIDEGATE_TELEMETRY_INSECURE", &c.Telemetry.Insecure)
}

// clamp normalizes values that would wedge the scheduler. Bad numbers
// are replaced, never rejected.
func (c *Config) clamp() {
	if c.Gateway.BusBuffer <= 0 {
		c.Gateway.BusBuffer = 256
	}
	if c.Gateway.OutboundPerSec <= 0 {
		c.Gateway.OutboundPerSec = 5
	}
	if c.Scheduler.CoalesceMs <= 0 {
		c.Scheduler.CoalesceMs = 250
	}
	if c.Scheduler.RetryFloorMs <= 0 {
		c.Scheduler.RetryFloorMs = 1000
	}
	if c.Queue.Cap <= 0 {
		c.Queue.Cap = 20
	}
	if c.Queue.DebounceMs < 0 {
		c.Queue.DebounceMs = 0
	}
	switch c.Queue.Mode {
	case "followup", "collect":
	default:
		c.Queue.Mode = "followup"
	}
	switch c.Queue.DropPolicy {
	case "summarize", "old", "new":
	default:
		c.Queue.DropPolicy = "summarize"
	}
	if c.Cron.FailureRetryMs <= 0 {
		c.Cron.FailureRetryMs = 30_000
	}
	if c.Agents.Defaults.Heartbeat.IntervalMin <= 0 {
		c.Agents.Defaults.Heartbeat.IntervalMin = 30
	}
}
