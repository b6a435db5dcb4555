package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tidegate/tidegate/internal/agent"
	"github.com/tidegate/tidegate/internal/bus"
	"github.com/tidegate/tidegate/internal/config"
	"github.com/tidegate/tidegate/internal/cron"
	"github.com/tidegate/tidegate/internal/followup"
	"github.com/tidegate/tidegate/internal/heartbeat"
	"github.com/tidegate/tidegate/internal/sessions"
	"github.com/tidegate/tidegate/internal/store"
	"github.com/tidegate/tidegate/internal/store/file"
	"github.com/tidegate/tidegate/internal/store/pg"
	"github.com/tidegate/tidegate/internal/store/sqlite"
	"github.com/tidegate/tidegate/internal/tracing"
	"github.com/tidegate/tidegate/internal/wake"
)

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := func(context.Context) error { return nil }
	if cfg.Telemetry.Enabled {
		shutdownTracing, err = tracing.Setup(ctx, tracing.Config{
			Endpoint:    cfg.Telemetry.Endpoint,
			Protocol:    cfg.Telemetry.Protocol,
			Insecure:    cfg.Telemetry.Insecure,
			ServiceName: cfg.Telemetry.ServiceName,
			Version:     Version,
		})
		if err != nil {
			slog.Error("tracing setup failed", "error", err)
			os.Exit(1)
		}
	}

	stores, err := openStores(cfg)
	if err != nil {
		slog.Error("failed to open stores", "backend", cfg.Database.Backend, "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	msgBus := bus.NewMessageBus(cfg.Gateway.BusBuffer, cfg.Gateway.OutboundPerSec)
	defer msgBus.Close()

	activity := sessions.NewRegistry()
	runner := buildRunner(cfg)

	dispatcher := agent.NewDispatcher(runner, msgBus, activity,
		agent.WithDefaultAgent(cfg.ResolveDefaultAgentID()),
		agent.WithQueueDefaults(queueSettings(cfg)),
	)
	defer dispatcher.Close()

	coalescer := wake.New(
		wake.WithCoalesceDelay(time.Duration(cfg.Scheduler.CoalesceMs)*time.Millisecond),
		wake.WithRetryFloor(time.Duration(cfg.Scheduler.RetryFloorMs)*time.Millisecond),
	)
	defer coalescer.Close()

	var handlerMu sync.Mutex
	dispose := coalescer.SetHandler(dispatcher.HandleWake)
	defer func() {
		handlerMu.Lock()
		dispose()
		handlerMu.Unlock()
	}()

	if cfg.Cron.Enabled {
		cronSvc := cron.NewService(stores.Cron, dispatcher.RunCronJob,
			cron.WithWaker(coalescer),
			cron.WithFailureRetry(time.Duration(cfg.Cron.FailureRetryMs)*time.Millisecond),
		)
		if err := cronSvc.Load(); err != nil {
			slog.Error("cron load failed", "error", err)
			os.Exit(1)
		}
		cronSvc.Start()
		defer cronSvc.Stop()
		slog.Info("cron service started", "jobs", len(cronSvc.List()))
	}

	heartbeats := startHeartbeats(cfg, coalescer)
	defer func() {
		for _, hb := range heartbeats {
			hb.Stop()
		}
	}()

	stopWatch, err := config.Watch(cfgPath, func(next *config.Config) {
		// Re-registering resets the dispatch loop's running/scheduled
		// state under the new registration.
		handlerMu.Lock()
		dispose()
		dispose = coalescer.SetHandler(dispatcher.HandleWake)
		handlerMu.Unlock()
		slog.Info("wake handler re-registered after config reload")
	})
	if err != nil {
		slog.Warn("config watch unavailable", "error", err)
	} else {
		defer stopWatch()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			msg, ok := msgBus.ConsumeInbound(gctx)
			if !ok {
				return nil
			}
			dispatcher.HandleInbound(msg)
		}
	})
	g.Go(func() error {
		// Channel transports attach here; without one, outbound
		// traffic is drained to the log.
		for {
			msg, ok := msgBus.ConsumeOutbound(gctx)
			if !ok {
				return nil
			}
			slog.Info("outbound", "channel", msg.Channel, "to", msg.ChatID, "chars", len(msg.Content))
		}
	})

	slog.Info("tidegate gateway started",
		"version", Version,
		"backend", cfg.Database.Backend,
		"agent", cfg.ResolveDefaultAgentID(),
	)

	<-gctx.Done()
	slog.Info("shutting down")
	if err := g.Wait(); err != nil {
		slog.Warn("gateway loop exited with error", "error", err)
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracing(flushCtx); err != nil {
		slog.Warn("tracing shutdown failed", "error", err)
	}
	slog.Info("gateway stopped")
}

// openStores selects the persistence backend from config.
func openStores(cfg *config.Config) (*store.Stores, error) {
	switch cfg.Database.Backend {
	case "", "file":
		return file.NewFileStores(config.ExpandHome(cfg.Database.Dir))
	case "sqlite":
		path := cfg.Database.SQLitePath
		if path == "" {
			path = filepath.Join(config.ExpandHome(cfg.Database.Dir), "tidegate.db")
		}
		return sqlite.NewSQLiteStores(config.ExpandHome(path))
	case "postgres":
		if cfg.Database.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres backend selected but TIDEGATE_POSTGRES_DSN is not set")
		}
		return pg.NewPGStores(cfg.Database.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown database backend: %q", cfg.Database.Backend)
	}
}

// buildRunner wires the configured engine command, or an echo fallback
// when none is configured.
func buildRunner(cfg *config.Config) agent.Runner {
	if command := cfg.Agents.Defaults.Command; len(command) > 0 {
		timeout := time.Duration(cfg.Agents.Defaults.RunTimeoutSec) * time.Second
		r, err := agent.NewExecRunner(command, timeout)
		if err == nil {
			slog.Info("agent engine configured", "command", command[0])
			return r
		}
		slog.Warn("agent command invalid, falling back to echo", "error", err)
	}
	slog.Warn("no agent command configured; replies echo the prompt")
	return agent.RunnerFunc(func(ctx context.Context, req agent.RunRequest) (agent.RunResult, error) {
		return agent.RunResult{Content: req.Prompt}, nil
	})
}

func queueSettings(cfg *config.Config) followup.Settings {
	return followup.Settings{
		Mode:       followup.Mode(cfg.Queue.Mode),
		DebounceMs: cfg.Queue.DebounceMs,
		Cap:        cfg.Queue.Cap,
		DropPolicy: followup.DropPolicy(cfg.Queue.DropPolicy),
	}
}

// startHeartbeats launches one heartbeat per agent that has it enabled.
func startHeartbeats(cfg *config.Config, waker heartbeat.Waker) []*heartbeat.Heartbeat {
	ids := map[string]bool{cfg.ResolveDefaultAgentID(): true}
	for id := range cfg.Agents.List {
		ids[id] = true
	}

	var hbs []*heartbeat.Heartbeat
	for id := range ids {
		hc := cfg.ResolveHeartbeat(id)
		if !hc.Enabled {
			continue
		}
		hb := heartbeat.New(heartbeat.Config{
			AgentID:     id,
			Interval:    time.Duration(hc.IntervalMin) * time.Minute,
			ActiveStart: hc.ActiveStart,
			ActiveEnd:   hc.ActiveEnd,
		}, waker)
		hb.Start()
		slog.Info("heartbeat started", "agent", id, "interval_min", hc.IntervalMin)
		hbs = append(hbs, hb)
	}
	return hbs
}
