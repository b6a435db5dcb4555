// Package agent connects the coordination core (wake coalescer, job
// timer, follow-up queues) to an agent execution engine and the message
// bus. The engine itself is behind the Runner interface; this package
// only decides when it runs and where replies go.
package agent

import "context"

// RunRequest is one agent turn.
type RunRequest struct {
	AgentID    string
	SessionKey string
	Prompt     string
	Reason     string // wake reason or "message"

	// Delivery destination for the reply, when known.
	Channel   string
	To        string
	AccountID string
	ThreadID  string
}

// RunResult is the engine's reply to one turn.
type RunResult struct {
	Content      string
	InputTokens  int
	OutputTokens int
}

// Runner executes agent turns. Implementations may take arbitrarily
// long; the dispatcher serializes turns per session but never imposes a
// deadline of its own.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, req RunRequest) (RunResult, error)

func (f RunnerFunc) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	return f(ctx, req)
}
