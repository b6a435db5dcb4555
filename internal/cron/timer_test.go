package cron

import (
	"sync"
	"testing"
	"time"
)

func waitForTimer(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestTimer_FiresAfterDelay(t *testing.T) {
	var mu sync.Mutex
	fires := 0
	tm := NewTimer(func() {
		mu.Lock()
		fires++
		mu.Unlock()
	})
	defer tm.Stop()

	tm.Arm(5 * time.Millisecond)
	waitForTimer(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fires == 1
	})
}

func TestTimer_RearmReplacesPending(t *testing.T) {
	var mu sync.Mutex
	fires := 0
	tm := NewTimer(func() {
		mu.Lock()
		fires++
		mu.Unlock()
	})
	defer tm.Stop()

	tm.Arm(time.Hour)
	tm.Arm(5 * time.Millisecond)

	waitForTimer(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fires == 1
	})
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if fires != 1 {
		t.Fatalf("fires = %d, want exactly 1 (old schedule replaced)", fires)
	}
}

// A fire landing while a previous execution is still running must not run
// concurrently and must not clear the running flag; it arms the watchdog
// so the timer is never left with neither a running execution nor a
// pending schedule.
func TestTimer_OverlappingFireArmsWatchdog(t *testing.T) {
	block := make(chan struct{})
	var mu sync.Mutex
	fires := 0

	tm := NewTimer(func() {
		mu.Lock()
		fires++
		first := fires == 1
		mu.Unlock()
		if first {
			<-block
		}
	})
	tm.watchdog = 25 * time.Millisecond
	defer tm.Stop()

	tm.Arm(1 * time.Millisecond)
	waitForTimer(t, time.Second, func() bool {
		running, _, _ := tm.Snapshot()
		return running
	})

	// Second expiry overlaps the blocked execution.
	tm.Arm(1 * time.Millisecond)
	waitForTimer(t, time.Second, func() bool {
		running, armed, _ := tm.Snapshot()
		return running && armed
	})

	_, _, dueAt := tm.Snapshot()
	if until := time.Until(dueAt); until < 10*time.Millisecond {
		t.Fatalf("watchdog due in %v, want roughly the watchdog delay", until)
	}
	mu.Lock()
	if fires != 1 {
		mu.Unlock()
		t.Fatalf("fires = %d while blocked, want 1 (no concurrent execution)", fires)
	}
	mu.Unlock()

	close(block)
	waitForTimer(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fires == 2
	})
}

func TestTimer_StopPreventsFire(t *testing.T) {
	var mu sync.Mutex
	fires := 0
	tm := NewTimer(func() {
		mu.Lock()
		fires++
		mu.Unlock()
	})

	tm.Arm(10 * time.Millisecond)
	tm.Stop()
	time.Sleep(40 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if fires != 0 {
		t.Fatalf("fires = %d after Stop, want 0", fires)
	}
}

func TestTimer_NegativeDelayClamped(t *testing.T) {
	var mu sync.Mutex
	fires := 0
	tm := NewTimer(func() {
		mu.Lock()
		fires++
		mu.Unlock()
	})
	defer tm.Stop()

	tm.Arm(-time.Minute)
	waitForTimer(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fires == 1
	})
}
