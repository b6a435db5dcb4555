package cron

import (
	"sync"
	"time"
)

// WatchdogDelay is the fixed re-check delay armed when a fire lands while
// a previous execution is still running.
const WatchdogDelay = 60 * time.Second

// Timer is the single shared firing schedule for the job service. It is
// reentrancy-safe: a fire that overlaps a still-running execution arms a
// watchdog instead of running concurrently, so the scheduler can never
// end up with neither a running execution nor a pending timer.
type Timer struct {
	mu       sync.Mutex
	running  bool
	armed    bool
	dueAt    time.Time
	timer    *time.Timer
	onFire   func()
	watchdog time.Duration
	stopped  bool
}

// NewTimer creates an unarmed timer that invokes onFire on each fire.
// onFire is expected to call Arm before returning to schedule the next
// fire; if it does not, the timer stays idle until the next Arm.
func NewTimer(onFire func()) *Timer {
	return &Timer{onFire: onFire, watchdog: WatchdogDelay}
}

// Arm schedules the next fire after d, replacing any pending schedule.
// Negative delays are clamped to zero.
func (t *Timer) Arm(d time.Duration) {
	if d < 0 {
		d = 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.armLocked(d)
}

func (t *Timer) armLocked(d time.Duration) {
	if t.stopped {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.armed = true
	t.dueAt = time.Now().Add(d)
	t.timer = time.AfterFunc(d, t.fire)
}

// Stop cancels any pending fire. A stopped timer ignores further arms.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.armed = false
}

// Snapshot returns the current (running, armed) state plus the pending
// due time. Used by liveness assertions.
func (t *Timer) Snapshot() (running, armed bool, dueAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running, t.armed, t.dueAt
}

// fire runs one timer expiry. The reentrancy branch is an explicit
// transition: an overlapping fire leaves the running flag untouched (it
// is owned by the in-flight execution) and arms the watchdog.
func (t *Timer) fire() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.armed = false
	if t.running {
		t.armLocked(t.watchdog)
		t.mu.Unlock()
		return
	}
	t.running = true
	t.mu.Unlock()

	t.onFire()

	t.mu.Lock()
	t.running = false
	t.mu.Unlock()
}
