// Package config defines the gateway configuration: JSON5 file, env
// overrides, and runtime clamping so a bad value can never wedge the
// scheduler.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// DefaultAgentID is used when no agent is explicitly configured.
const DefaultAgentID = "default"

// Config is the root configuration for the tidegate gateway.
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Gateway   GatewayConfig   `json:"gateway"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Queue     QueueConfig     `json:"queue,omitempty"`
	Cron      CronConfig      `json:"cron,omitempty"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

// AgentsConfig holds agent defaults and per-agent overrides.
type AgentsConfig struct {
	Defaults AgentDefaults        `json:"defaults"`
	List     map[string]AgentSpec `json:"list,omitempty"`
}

// AgentDefaults are the settings shared by all agents.
type AgentDefaults struct {
	// Command is the engine CLI invoked per agent turn. The prompt is
	// written to its stdin and stdout becomes the reply.
	Command       []string        `json:"command,omitempty"`
	RunTimeoutSec int             `json:"run_timeout_sec,omitempty"`
	Heartbeat     HeartbeatConfig `json:"heartbeat,omitempty"`
}

// AgentSpec overrides defaults for one agent.
type AgentSpec struct {
	Default   bool             `json:"default,omitempty"`
	Heartbeat *HeartbeatConfig `json:"heartbeat,omitempty"`
}

// HeartbeatConfig controls periodic proactive wakes.
type HeartbeatConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	IntervalMin int    `json:"interval_min,omitempty"` // minutes between wakes
	ActiveStart string `json:"active_start,omitempty"` // "HH:MM", empty = always
	ActiveEnd   string `json:"active_end,omitempty"`
}

// GatewayConfig holds process-level settings.
type GatewayConfig struct {
	BusBuffer      int     `json:"bus_buffer,omitempty"`
	OutboundPerSec float64 `json:"outbound_per_sec,omitempty"`
}

// SchedulerConfig tunes the wake coalescer.
type SchedulerConfig struct {
	CoalesceMs   int64 `json:"coalesce_ms,omitempty"`    // debounce before a wake dispatch
	RetryFloorMs int64 `json:"retry_floor_ms,omitempty"` // hard minimum for busy retries
}

// QueueConfig sets the follow-up queue defaults.
type QueueConfig struct {
	Mode       string `json:"mode,omitempty"` // "followup" | "collect"
	Cap        int    `json:"cap,omitempty"`
	DebounceMs int64  `json:"debounce_ms,omitempty"`
	DropPolicy string `json:"drop_policy,omitempty"` // "summarize" | "old" | "new"
}

// CronConfig tunes the job service.
type CronConfig struct {
	Enabled        bool  `json:"enabled,omitempty"`
	FailureRetryMs int64 `json:"failure_retry_ms,omitempty"`
}

// DatabaseConfig selects the storage backend.
// PostgresDSN is NEVER read from the config file (secret) — only from
// env TIDEGATE_POSTGRES_DSN.
type DatabaseConfig struct {
	Backend     string `json:"backend,omitempty"` // "file" (default), "sqlite", "postgres"
	Dir         string `json:"dir,omitempty"`     // file backend state directory
	SQLitePath  string `json:"sqlite_path,omitempty"`
	PostgresDSN string `json:"-"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
	Protocol    string `json:"protocol,omitempty"` // "grpc" (default) or "http"
	Insecure    bool   `json:"insecure,omitempty"`
	ServiceName string `json:"service_name,omitempty"`
}

// ResolveDefaultAgentID returns the agent marked default, or "default".
func (c *Config) ResolveDefaultAgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, spec := range c.Agents.List {
		if spec.Default {
			return id
		}
	}
	return DefaultAgentID
}

// ResolveHeartbeat returns the effective heartbeat settings for an agent.
func (c *Config) ResolveHeartbeat(agentID string) HeartbeatConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hb := c.Agents.Defaults.Heartbeat
	if spec, ok := c.Agents.List[agentID]; ok && spec.Heartbeat != nil {
		hb = *spec.Heartbeat
	}
	return hb
}

// Hash returns a short fingerprint of the config, used by the reload
// watcher to skip no-op rewrites.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	return fmt.Sprintf("%x", fnvSum(data))
}

func fnvSum(data []byte) uint64 {
	var h uint64 = 14695981039346656037
	for _, b := range data {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return h
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
