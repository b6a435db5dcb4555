// Package heartbeat emits periodic interval wakes so an idle agent can
// run proactive work, restricted to a configured active-hours window.
package heartbeat

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tidegate/tidegate/internal/wake"
)

// DefaultInterval is the wake cadence when the config leaves it unset.
const DefaultInterval = 30 * time.Minute

// Waker is the wake sink, satisfied by wake.Coalescer.
type Waker interface {
	RequestWakeNow(reason, agentID, sessionKey string)
}

// Config controls one agent's heartbeat.
type Config struct {
	AgentID    string
	SessionKey string
	Interval   time.Duration

	// ActiveStart/ActiveEnd bound the local-time window in "HH:MM" form,
	// empty means always active. A window may wrap midnight
	// (e.g. 22:00 to 06:00).
	ActiveStart string
	ActiveEnd   string
}

// Heartbeat ticks on its own goroutine between Start and Stop.
type Heartbeat struct {
	cfg   Config
	waker Waker
	now   func() time.Time

	mu      sync.Mutex
	stop    chan struct{}
	stopped bool
}

// Option configures a Heartbeat.
type Option func(*Heartbeat)

// WithClock overrides the time source for window checks.
func WithClock(now func() time.Time) Option {
	return func(h *Heartbeat) {
		if now != nil {
			h.now = now
		}
	}
}

// New creates a stopped heartbeat. Interval defaults when non-positive.
func New(cfg Config, waker Waker, opts ...Option) *Heartbeat {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	h := &Heartbeat{
		cfg:   cfg,
		waker: waker,
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start launches the ticker goroutine.
func (h *Heartbeat) Start() {
	go h.loop()
}

// Stop halts the ticker. Safe to call more than once.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}
	h.stopped = true
	close(h.stop)
}

func (h *Heartbeat) loop() {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.tick()
		}
	}
}

func (h *Heartbeat) tick() {
	if !h.withinActiveHours(h.now()) {
		slog.Debug("heartbeat outside active hours, skipping", "agent", h.cfg.AgentID)
		return
	}
	h.waker.RequestWakeNow(wake.ReasonHeartbeat, h.cfg.AgentID, h.cfg.SessionKey)
}

// withinActiveHours reports whether t falls inside the configured window.
func (h *Heartbeat) withinActiveHours(t time.Time) bool {
	return inWindow(t, h.cfg.ActiveStart, h.cfg.ActiveEnd)
}

// inWindow checks "HH:MM" bounds, treating start > end as a window that
// wraps midnight. Unparseable bounds disable the restriction.
func inWindow(t time.Time, start, end string) bool {
	if start == "" || end == "" {
		return true
	}
	startMin, ok1 := parseHHMM(start)
	endMin, ok2 := parseHHMM(end)
	if !ok1 || !ok2 || startMin == endMin {
		return true
	}
	nowMin := t.Hour()*60 + t.Minute()
	if startMin < endMin {
		return nowMin >= startMin && nowMin < endMin
	}
	// Overnight wrap.
	return nowMin >= startMin || nowMin < endMin
}

func parseHHMM(s string) (minutes int, ok bool) {
	parsed, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return parsed.Hour()*60 + parsed.Minute(), true
}
