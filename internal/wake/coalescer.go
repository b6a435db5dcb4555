package wake

import (
	"sync"
	"time"
)

const (
	// DefaultCoalesceDelay is the debounce window between the first
	// pending request and the dispatch that drains it.
	DefaultCoalesceDelay = 250 * time.Millisecond

	// RetryFloorDelay is the fixed minimum delay before retrying a
	// target that was skipped because requests were in flight.
	RetryFloorDelay = 1000 * time.Millisecond
)

// Coalescer merges concurrent wake requests per target and invokes the
// registered handler on a debounced schedule. Construct with New and
// discard with Close; tests build independent instances.
type Coalescer struct {
	mu         sync.Mutex
	pending    map[string]Request
	order      []string // target keys in first-insertion order
	handler    Handler
	generation uint64
	running    bool
	scheduled  bool
	arm        armState
	timer      *time.Timer
	closed     bool

	coalesceDelay time.Duration
	retryFloor    time.Duration
	now           func() time.Time
}

// Option configures a Coalescer.
type Option func(*Coalescer)

// WithCoalesceDelay overrides the default dispatch debounce window.
// Non-positive values keep the default.
func WithCoalesceDelay(d time.Duration) Option {
	return func(c *Coalescer) {
		if d > 0 {
			c.coalesceDelay = d
		}
	}
}

// WithRetryFloor overrides the fixed retry delay. Non-positive values
// keep the default.
func WithRetryFloor(d time.Duration) Option {
	return func(c *Coalescer) {
		if d > 0 {
			c.retryFloor = d
		}
	}
}

// WithClock overrides the time source. Timer scheduling still uses the
// wall clock; the override only affects request timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coalescer) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates an idle Coalescer with no handler registered.
func New(opts ...Option) *Coalescer {
	c := &Coalescer{
		pending:       make(map[string]Request),
		coalesceDelay: DefaultCoalesceDelay,
		retryFloor:    RetryFloorDelay,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close stops the shared timer and drops all pending requests. The
// Coalescer must not be used afterwards.
func (c *Coalescer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.stopTimerLocked()
	c.pending = make(map[string]Request)
	c.order = nil
	c.handler = nil
}

// RequestWakeNow records a wake request for the given reason, deriving
// its priority from the reason, and arms the shared timer at the default
// coalesce delay.
func (c *Coalescer) RequestWakeNow(reason, agentID, sessionKey string) {
	c.Request(Request{
		Reason:      reason,
		Priority:    PriorityForReason(reason),
		RequestedAt: c.now(),
		AgentID:     agentID,
		SessionKey:  sessionKey,
	}, 0)
}

// Request records a wake request with an explicit priority and arms the
// shared timer. A non-positive coalesce duration uses the default delay.
// Requests merge per target: higher priority wins, ties go to the most
// recent timestamp.
func (c *Coalescer) Request(req Request, coalesce time.Duration) {
	if coalesce <= 0 {
		coalesce = c.coalesceDelay
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = c.now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.mergeLocked(req)
	c.armLocked(coalesce, timerNormal)
}

// SetHandler atomically swaps the active handler and returns a disposer.
// Registering a non-nil handler is treated as a fresh lifecycle: the
// transient running/scheduled flags are reset so state left over from an
// interrupted previous lifecycle cannot block future scheduling. The
// disposer only clears the handler if no newer registration has happened
// since (stale disposers are no-ops).
func (c *Coalescer) SetHandler(h Handler) func() {
	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.handler = h
	if h != nil {
		c.running = false
		c.scheduled = false
		if len(c.order) > 0 {
			// Requests stranded by a previous wedged lifecycle get a
			// fresh dispatch window.
			c.armLocked(c.coalesceDelay, timerNormal)
		}
	}
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.generation == gen {
			c.handler = nil
		}
	}
}

// HasPendingWake reports whether there are queued requests, an armed
// timer, or a scheduled-but-not-yet-started drain.
func (c *Coalescer) HasPendingWake() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order) > 0 || c.arm.kind != timerNone || c.scheduled
}

// mergeLocked inserts or replaces the pending request for req's target.
func (c *Coalescer) mergeLocked(req Request) {
	key := req.targetKey()
	pending, ok := c.pending[key]
	if !ok {
		c.pending[key] = req
		c.order = append(c.order, key)
		return
	}
	if shouldReplace(pending, req) {
		c.pending[key] = req
	}
}

// armLocked arms the shared timer if the preemption rule allows it.
func (c *Coalescer) armLocked(delay time.Duration, kind timerKind) {
	if c.closed {
		return
	}
	dueAt := c.now().Add(delay)
	if !shouldArm(c.arm, dueAt, kind) {
		return
	}
	c.stopTimerLocked()
	c.arm = armState{kind: kind, dueAt: dueAt}
	c.timer = time.AfterFunc(delay, c.fire)
}

func (c *Coalescer) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.arm = armState{}
}

// fire drains the pending set through the handler. Targets are processed
// strictly sequentially in first-insertion order; at most one drain runs
// at a time.
func (c *Coalescer) fire() {
	c.mu.Lock()
	c.arm = armState{}
	c.timer = nil
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.running {
		// A drain is in progress: mark for a follow-up pass and re-arm
		// instead of invoking the handler concurrently.
		c.scheduled = true
		c.armLocked(c.coalesceDelay, timerNormal)
		c.mu.Unlock()
		return
	}
	h := c.handler
	if h == nil {
		// Nothing to serve the requests; they stay pending until a
		// handler registration re-arms the timer.
		c.mu.Unlock()
		return
	}

	snapshot := make([]Request, 0, len(c.order))
	for _, key := range c.order {
		snapshot = append(snapshot, c.pending[key])
	}
	c.pending = make(map[string]Request)
	c.order = nil
	c.running = true
	c.mu.Unlock()

	retry := false
	for _, req := range snapshot {
		res, err := invokeHandler(h, HandlerInput{
			Reason:     req.Reason,
			AgentID:    req.AgentID,
			SessionKey: req.SessionKey,
		})
		if err != nil || (res.Status == StatusSkipped && res.Reason == SkipRequestsInFlight) {
			retry = true
			c.mu.Lock()
			c.mergeLocked(Request{
				Reason:      ReasonRetry,
				Priority:    PriorityRetry,
				RequestedAt: c.now(),
				AgentID:     req.AgentID,
				SessionKey:  req.SessionKey,
			})
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	c.running = false
	switch {
	case retry:
		// The retry pass drains everything pending, so any follow-up
		// mark from a mid-drain fire is covered by it.
		c.scheduled = false
		c.armLocked(c.retryFloor, timerRetry)
	case len(c.order) > 0 || c.scheduled:
		c.scheduled = false
		c.armLocked(c.coalesceDelay, timerNormal)
	}
	c.mu.Unlock()
}

// invokeHandler shields the dispatch loop from a panicking handler; a
// panic is reported as an error so the target takes the retry path.
func invokeHandler(h Handler, input HandlerInput) (res HandlerResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = HandlerResult{Status: StatusFailed, Reason: "panic"}
			err = &panicError{value: r}
		}
	}()
	return h(input)
}

type panicError struct{ value any }

func (e *panicError) Error() string { return "wake handler panic" }
