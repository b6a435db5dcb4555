package store

import "time"

// Schedule kinds for cron jobs.
const (
	ScheduleEvery = "every" // fixed interval in milliseconds
	ScheduleCron  = "cron"  // cron expression
	ScheduleAt    = "at"    // one-shot at an absolute time
)

// CronSchedule describes when a job runs.
type CronSchedule struct {
	Kind    string `json:"kind"`
	EveryMs int64  `json:"everyMs,omitempty"` // kind "every"
	Expr    string `json:"expr,omitempty"`    // kind "cron"
	AtMs    int64  `json:"atMs,omitempty"`    // kind "at", unix ms

	// StaggerMs overrides the default top-of-hour stagger. nil means
	// unset (a default may apply); an explicit 0 always wins.
	StaggerMs *int64 `json:"staggerMs,omitempty"`
}

// CronPayload is what a job asks the agent to do and where the result goes.
type CronPayload struct {
	Message string `json:"message"`
	Channel string `json:"channel,omitempty"` // delivery channel ("" = none)
	To      string `json:"to,omitempty"`      // delivery chat ID
	Deliver bool   `json:"deliver,omitempty"` // publish the result outbound
}

// CronJobState is the mutable scheduling state, persisted after each fire.
type CronJobState struct {
	NextRunAtMs         int64  `json:"nextRunAtMs,omitempty"`
	LastRunAtMs         int64  `json:"lastRunAtMs,omitempty"`
	LastStatus          string `json:"lastStatus,omitempty"` // "ok" | "error"
	LastError           string `json:"lastError,omitempty"`
	ConsecutiveFailures int    `json:"consecutiveFailures,omitempty"`
}

// CronJob is one scheduled task definition.
type CronJob struct {
	ID        string       `json:"id"`
	Name      string       `json:"name,omitempty"`
	AgentID   string       `json:"agentId,omitempty"`
	UserID    string       `json:"userId,omitempty"`
	Enabled   bool         `json:"enabled"`
	Schedule  CronSchedule `json:"schedule"`
	State     CronJobState `json:"state"`
	Payload   CronPayload  `json:"payload"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// CronJobResult reports one completed job run.
type CronJobResult struct {
	Content      string `json:"content"`
	InputTokens  int    `json:"inputTokens,omitempty"`
	OutputTokens int    `json:"outputTokens,omitempty"`
}

// CronStore persists cron job definitions and their scheduling state.
// The job timer rebuilds its in-memory view from List on startup; queues
// and timers themselves are never persisted.
type CronStore interface {
	List() ([]CronJob, error)
	Get(id string) (*CronJob, error)
	Put(job CronJob) error
	Delete(id string) error
	Close() error
}
