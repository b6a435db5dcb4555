package agent

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultRunTimeout bounds a single engine subprocess invocation.
const DefaultRunTimeout = 10 * time.Minute

// ExecRunner runs the agent engine as a subprocess per turn. The prompt
// goes to stdin, stdout becomes the reply, and turn metadata rides on the
// environment so any engine CLI can be dropped in.
type ExecRunner struct {
	command []string
	timeout time.Duration
}

// NewExecRunner builds a runner for the given command line. A
// non-positive timeout uses DefaultRunTimeout.
func NewExecRunner(command []string, timeout time.Duration) (*ExecRunner, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("exec runner: empty command")
	}
	if timeout <= 0 {
		timeout = DefaultRunTimeout
	}
	return &ExecRunner{command: command, timeout: timeout}, nil
}

// Run invokes the engine once and returns its stdout as the reply.
func (r *ExecRunner) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.command[0], r.command[1:]...)
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Env = append(os.Environ(),
		"TIDEGATE_AGENT_ID="+req.AgentID,
		"TIDEGATE_SESSION_KEY="+req.SessionKey,
		"TIDEGATE_WAKE_REASON="+req.Reason,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if tail := stderrTail(stderr.String()); tail != "" {
			return RunResult{}, fmt.Errorf("agent command: %w: %s", err, tail)
		}
		return RunResult{}, fmt.Errorf("agent command: %w", err)
	}
	return RunResult{Content: strings.TrimSpace(stdout.String())}, nil
}

// stderrTail keeps the last chunk of stderr for the error message.
func stderrTail(s string) string {
	s = strings.TrimSpace(s)
	const max = 400
	if len(s) > max {
		s = s[len(s)-max:]
	}
	return s
}
