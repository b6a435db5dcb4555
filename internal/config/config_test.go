package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Scheduler.CoalesceMs != 250 || cfg.Scheduler.RetryFloorMs != 1000 {
		t.Fatalf("scheduler defaults = %+v", cfg.Scheduler)
	}
	if cfg.Queue.Cap != 20 || cfg.Queue.DropPolicy != "summarize" {
		t.Fatalf("queue defaults = %+v", cfg.Queue)
	}
	if cfg.Database.Backend != "file" {
		t.Fatalf("backend = %q", cfg.Database.Backend)
	}
}

func TestLoad_JSON5WithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		// follow-up queue tuning
		queue: {
			mode: "collect",
			cap: 10,
		},
		scheduler: { coalesce_ms: 100 },
	}`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Queue.Mode != "collect" || cfg.Queue.Cap != 10 {
		t.Fatalf("queue = %+v", cfg.Queue)
	}
	if cfg.Scheduler.CoalesceMs != 100 {
		t.Fatalf("coalesce = %d", cfg.Scheduler.CoalesceMs)
	}
	// Untouched sections keep defaults.
	if cfg.Queue.DropPolicy != "summarize" {
		t.Fatalf("drop policy = %q", cfg.Queue.DropPolicy)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TIDEGATE_QUEUE_MODE", "collect")
	t.Setenv("TIDEGATE_COALESCE_MS", "50")
	t.Setenv("TIDEGATE_POSTGRES_DSN", "postgres://localhost/tidegate")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Queue.Mode != "collect" {
		t.Fatalf("mode = %q", cfg.Queue.Mode)
	}
	if cfg.Scheduler.CoalesceMs != 50 {
		t.Fatalf("coalesce = %d", cfg.Scheduler.CoalesceMs)
	}
	if cfg.Database.Backend != "postgres" {
		t.Fatalf("backend = %q, want postgres auto-selected from DSN", cfg.Database.Backend)
	}
}

func TestLoad_ClampsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		queue: { cap: -3, debounce_ms: -100, mode: "turbo", drop_policy: "yolo" },
		scheduler: { coalesce_ms: -1, retry_floor_ms: 0 },
	}`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Queue.Cap != 20 || cfg.Queue.DebounceMs != 0 {
		t.Fatalf("queue = %+v", cfg.Queue)
	}
	if cfg.Queue.Mode != "followup" || cfg.Queue.DropPolicy != "summarize" {
		t.Fatalf("queue enums = %+v", cfg.Queue)
	}
	if cfg.Scheduler.CoalesceMs != 250 || cfg.Scheduler.RetryFloorMs != 1000 {
		t.Fatalf("scheduler = %+v", cfg.Scheduler)
	}
}

func TestResolveDefaultAgentID(t *testing.T) {
	cfg := Default()
	if got := cfg.ResolveDefaultAgentID(); got != "default" {
		t.Fatalf("got %q", got)
	}

	cfg.Agents.List = map[string]AgentSpec{
		"ops":  {},
		"home": {Default: true},
	}
	if got := cfg.ResolveDefaultAgentID(); got != "home" {
		t.Fatalf("got %q", got)
	}
}

func TestResolveHeartbeat(t *testing.T) {
	cfg := Default()
	cfg.Agents.Defaults.Heartbeat = HeartbeatConfig{Enabled: true, IntervalMin: 15}
	cfg.Agents.List = map[string]AgentSpec{
		"quiet": {Heartbeat: &HeartbeatConfig{Enabled: false}},
	}

	if hb := cfg.ResolveHeartbeat("other"); !hb.Enabled || hb.IntervalMin != 15 {
		t.Fatalf("defaults not applied: %+v", hb)
	}
	if hb := cfg.ResolveHeartbeat("quiet"); hb.Enabled {
		t.Fatalf("override not applied: %+v", hb)
	}
}
