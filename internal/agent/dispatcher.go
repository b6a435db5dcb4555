package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tidegate/tidegate/internal/bus"
	"github.com/tidegate/tidegate/internal/followup"
	"github.com/tidegate/tidegate/internal/sessions"
	"github.com/tidegate/tidegate/internal/store"
	"github.com/tidegate/tidegate/internal/wake"
)

// Dispatcher routes work into the Runner: inbound messages through the
// per-conversation follow-up queues, wake signals through the coalescer
// handler, and due cron jobs through RunCronJob. It tracks in-flight
// sessions so a wake never runs concurrently with a queued turn for the
// same conversation.
type Dispatcher struct {
	runner       Runner
	router       bus.MessageRouter
	activity     *sessions.Registry
	queues       *followup.Registry
	tracer       trace.Tracer
	defaultAgent string

	queueDefaults *followup.Settings

	mu       sync.Mutex
	inflight map[string]int
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithQueueDefaults overrides the follow-up queue defaults.
func WithQueueDefaults(s followup.Settings) DispatcherOption {
	return func(d *Dispatcher) { d.queueDefaults = &s }
}

// WithDefaultAgent sets the agent used for untargeted wakes.
func WithDefaultAgent(agentID string) DispatcherOption {
	return func(d *Dispatcher) {
		if agentID != "" {
			d.defaultAgent = agentID
		}
	}
}

// NewDispatcher wires a dispatcher. Close it to stop the queue drains.
func NewDispatcher(runner Runner, router bus.MessageRouter, activity *sessions.Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		runner:       runner,
		router:       router,
		activity:     activity,
		tracer:       otel.Tracer("tidegate/dispatcher"),
		defaultAgent: "default",
		inflight:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(d)
	}
	queueOpts := []followup.RegistryOption{}
	if d.queueDefaults != nil {
		queueOpts = append(queueOpts, followup.WithDefaults(*d.queueDefaults))
	}
	d.queues = followup.NewRegistry(d.runQueued, queueOpts...)
	return d
}

// Close stops the follow-up drains.
func (d *Dispatcher) Close() {
	d.queues.Close()
}

// Queues exposes the follow-up registry (used by CLI queue commands).
func (d *Dispatcher) Queues() *followup.Registry {
	return d.queues
}

// HandleInbound enqueues one channel message for its conversation and
// schedules a drain.
func (d *Dispatcher) HandleInbound(msg bus.InboundMessage) {
	agentID := msg.AgentID
	if agentID == "" {
		agentID = d.defaultAgent
	}
	kind := sessions.PeerKindFromGroup(msg.PeerKind == string(sessions.PeerGroup))
	key := sessions.BuildSessionKey(agentID, msg.Channel, kind, msg.ChatID)

	d.activity.Touch(sessions.Activity{
		Key:       key,
		AgentID:   agentID,
		Channel:   msg.Channel,
		ChatID:    msg.ChatID,
		AccountID: msg.AccountID,
		ThreadID:  msg.ThreadID,
	})

	accepted := d.queues.Enqueue(key, followup.Run{
		Prompt:    msg.Content,
		Context:   RunRequest{AgentID: agentID, SessionKey: key, Reason: "message"},
		Channel:   msg.Channel,
		To:        msg.ChatID,
		AccountID: msg.AccountID,
		ThreadID:  msg.ThreadID,
	}, followup.SettingsUpdate{})
	if !accepted {
		slog.Warn("inbound message rejected by queue", "session", key)
		return
	}
	d.queues.ScheduleDrain(key)
}

// HandleWake is the wake.Handler registered with the coalescer. A wake
// for a session with queued or running work reports the busy skip so the
// coalescer schedules a retry.
func (d *Dispatcher) HandleWake(input wake.HandlerInput) (wake.HandlerResult, error) {
	agentID := input.AgentID
	if agentID == "" {
		agentID = d.defaultAgent
	}
	sessionKey := input.SessionKey
	var dest sessions.Activity
	if sessionKey == "" {
		if recent, ok := d.activity.MostRecent(agentID); ok {
			sessionKey = recent.Key
			dest = recent
		} else {
			sessionKey = sessions.BuildAgentMainSessionKey(agentID, "")
		}
	} else if a, ok := d.activity.Get(sessionKey); ok {
		dest = a
	}

	if !d.acquire(sessionKey) {
		return wake.HandlerResult{Status: wake.StatusSkipped, Reason: wake.SkipRequestsInFlight}, nil
	}
	defer d.release(sessionKey)

	start := time.Now()
	ctx, span := d.tracer.Start(context.Background(), "agent.wake",
		trace.WithAttributes(
			attribute.String("wake.reason", input.Reason),
			attribute.String("agent.id", agentID),
			attribute.String("session.key", sessionKey),
		))
	defer span.End()

	result, err := d.runner.Run(ctx, RunRequest{
		AgentID:    agentID,
		SessionKey: sessionKey,
		Prompt:     wakePrompt(input.Reason),
		Reason:     input.Reason,
		Channel:    dest.Channel,
		To:         dest.ChatID,
		AccountID:  dest.AccountID,
		ThreadID:   dest.ThreadID,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return wake.HandlerResult{Status: wake.StatusFailed, Reason: err.Error()}, err
	}

	d.deliver(dest.Channel, dest.ChatID, result.Content)
	return wake.HandlerResult{Status: wake.StatusRan, DurationMS: time.Since(start).Milliseconds()}, nil
}

// RunCronJob executes one due job; it is the cron.RunJobFunc wired into
// the job service.
func (d *Dispatcher) RunCronJob(job *store.CronJob) (*store.CronJobResult, error) {
	agentID := job.AgentID
	if agentID == "" {
		agentID = d.defaultAgent
	}
	sessionKey := sessions.BuildCronSessionKey(agentID, job.ID, uuid.NewString())

	ctx, span := d.tracer.Start(context.Background(), "agent.cron",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.name", job.Name),
			attribute.String("agent.id", agentID),
		))
	defer span.End()

	result, err := d.runner.Run(ctx, RunRequest{
		AgentID:    agentID,
		SessionKey: sessionKey,
		Prompt:     job.Payload.Message,
		Reason:     wake.ReasonCron,
		Channel:    job.Payload.Channel,
		To:         job.Payload.To,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("run cron job %s: %w", job.ID, err)
	}

	if job.Payload.Deliver {
		d.deliver(job.Payload.Channel, job.Payload.To, result.Content)
	}
	return &store.CronJobResult{
		Content:      result.Content,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
	}, nil
}

// runQueued is the follow-up registry's run callback: one drained item
// or one collected batch.
func (d *Dispatcher) runQueued(item followup.Run) error {
	req, _ := item.Context.(RunRequest)
	if req.AgentID == "" {
		req.AgentID = d.defaultAgent
	}
	req.Prompt = item.Prompt
	req.Channel = item.Channel
	req.To = item.To
	req.AccountID = item.AccountID
	req.ThreadID = item.ThreadID

	if !d.acquire(req.SessionKey) {
		// Another turn for this session is mid-flight; ask the queue to
		// retry after its debounce.
		return fmt.Errorf("session busy: %s", req.SessionKey)
	}
	defer d.release(req.SessionKey)

	ctx, span := d.tracer.Start(context.Background(), "agent.followup",
		trace.WithAttributes(
			attribute.String("agent.id", req.AgentID),
			attribute.String("session.key", req.SessionKey),
		))
	defer span.End()

	result, err := d.runner.Run(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	d.deliver(item.Channel, item.To, result.Content)
	return nil
}

// deliver publishes a reply when both a destination and content exist.
func (d *Dispatcher) deliver(channel, to, content string) {
	if channel == "" || to == "" || strings.TrimSpace(content) == "" {
		return
	}
	d.router.PublishOutbound(bus.OutboundMessage{
		Channel: channel,
		ChatID:  to,
		Content: content,
	})
}

// Busy reports whether a turn is in flight for sessionKey.
func (d *Dispatcher) Busy(sessionKey string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inflight[sessionKey] > 0
}

// acquire marks a session in flight. Returns false if already taken.
func (d *Dispatcher) acquire(sessionKey string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight[sessionKey] > 0 {
		return false
	}
	d.inflight[sessionKey]++
	return true
}

func (d *Dispatcher) release(sessionKey string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inflight[sessionKey]--
	if d.inflight[sessionKey] <= 0 {
		delete(d.inflight, sessionKey)
	}
}

// wakePrompt renders the system turn for a proactive wake.
func wakePrompt(reason string) string {
	if reason == "" {
		reason = "unspecified"
	}
	return fmt.Sprintf(
		"System wake (reason: %s). Review pending work and recent conversations; "+
			"if something needs the user's attention, say so concisely, otherwise reply with OK.",
		reason)
}
