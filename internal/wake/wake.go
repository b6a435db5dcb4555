// Package wake implements the gateway's wake coalescer: many concurrent
// "run the agent now" signals (inbound messages, cron jobs, heartbeats,
// internal retries) are merged into a minimal, priority-ordered set of
// dispatches against a single registered handler.
//
// The coalescer never logs — the registered handler owns all logging and
// user-visible failure reporting.
package wake

import "time"

// Priority orders competing wake requests for the same target.
// Higher values win; ties are broken by recency (last write wins).
type Priority int

const (
	// PriorityRetry is the system's own recovery attempt. It yields to
	// any fresh external signal.
	PriorityRetry Priority = iota
	// PriorityInterval is background periodic work (heartbeats).
	PriorityInterval
	// PriorityDefault is unclassified internal work.
	PriorityDefault
	// PriorityAction is explicit user-triggered work. It must never be
	// starved or downgraded by background wakes.
	PriorityAction
)

// String returns the wire name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityRetry:
		return "retry"
	case PriorityInterval:
		return "interval"
	case PriorityAction:
		return "action"
	default:
		return "default"
	}
}

// PriorityForReason maps a free-form wake reason onto a priority class.
// Unknown reasons get PriorityDefault.
func PriorityForReason(reason string) Priority {
	switch reason {
	case ReasonRetry:
		return PriorityRetry
	case ReasonHeartbeat, ReasonInterval:
		return PriorityInterval
	case ReasonMessage, ReasonAction, ReasonCommand:
		return PriorityAction
	default:
		return PriorityDefault
	}
}

// Well-known wake reasons.
const (
	ReasonRetry     = "retry"
	ReasonHeartbeat = "heartbeat"
	ReasonInterval  = "interval"
	ReasonMessage   = "message"
	ReasonAction    = "action"
	ReasonCommand   = "command"
	ReasonCron      = "cron"
)

// Request is one wake signal. AgentID and SessionKey identify the target;
// both empty means a global wake, which is itself a valid merge key.
type Request struct {
	Reason      string
	Priority    Priority
	RequestedAt time.Time
	AgentID     string
	SessionKey  string
}

// targetKey returns the merge identity for a request. Empty agent and
// session normalize to the global key "|".
func (r Request) targetKey() string {
	return r.AgentID + "|" + r.SessionKey
}

// HandlerInput is what the coalescer passes to the registered handler for
// each dispatched target.
type HandlerInput struct {
	Reason     string
	AgentID    string
	SessionKey string
}

// HandlerStatus classifies a handler invocation outcome.
type HandlerStatus string

const (
	StatusRan     HandlerStatus = "ran"
	StatusSkipped HandlerStatus = "skipped"
	StatusFailed  HandlerStatus = "failed"
)

// SkipRequestsInFlight is the skip reason that triggers the coalescer's
// retry path. Any other skip or failure is surfaced but not retried.
const SkipRequestsInFlight = "requests-in-flight"

// HandlerResult reports the outcome of one handler invocation.
type HandlerResult struct {
	Status     HandlerStatus
	DurationMS int64
	Reason     string
}

// Handler is the process-wide wake handler. A non-nil error is treated
// the same as a requests-in-flight skip: the target is re-enqueued and a
// retry timer is armed at the fixed floor. A StatusFailed result with a
// nil error is surfaced to the dispatch loop but not retried.
type Handler func(input HandlerInput) (HandlerResult, error)
