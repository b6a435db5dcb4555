package wake

import (
	"testing"
	"time"
)

func TestShouldReplace_PriorityNeverDowngrades(t *testing.T) {
	base := time.Now()
	pending := Request{Reason: "action", Priority: PriorityAction, RequestedAt: base}
	incoming := Request{Reason: "heartbeat", Priority: PriorityInterval, RequestedAt: base.Add(time.Second)}

	if shouldReplace(pending, incoming) {
		t.Fatal("lower-priority request must not replace a pending higher-priority one")
	}
	if !shouldReplace(incoming, pending) {
		t.Fatal("higher-priority request must replace a pending lower-priority one")
	}
}

func TestShouldReplace_TieBreakByRecency(t *testing.T) {
	base := time.Now()
	older := Request{Priority: PriorityDefault, RequestedAt: base}
	newer := Request{Priority: PriorityDefault, RequestedAt: base.Add(time.Millisecond)}

	if !shouldReplace(older, newer) {
		t.Fatal("same priority: newer timestamp must win")
	}
	if shouldReplace(newer, older) {
		t.Fatal("same priority: older timestamp must never replace newer")
	}
}

func TestShouldReplace_EqualTimestampReplaces(t *testing.T) {
	base := time.Now()
	a := Request{Priority: PriorityDefault, RequestedAt: base}
	b := Request{Priority: PriorityDefault, RequestedAt: base}
	if !shouldReplace(a, b) {
		t.Fatal("equal priority and timestamp: last write wins")
	}
}

func TestShouldArm_FromIdle(t *testing.T) {
	now := time.Now()
	if !shouldArm(armState{}, now.Add(time.Second), timerNormal) {
		t.Fatal("an unarmed timer accepts any normal arm")
	}
	if !shouldArm(armState{}, now.Add(time.Second), timerRetry) {
		t.Fatal("an unarmed timer accepts any retry arm")
	}
}

func TestShouldArm_RetryIsHardFloor(t *testing.T) {
	now := time.Now()
	current := armState{kind: timerRetry, dueAt: now.Add(time.Second)}

	if shouldArm(current, now.Add(10*time.Millisecond), timerNormal) {
		t.Fatal("a retry timer must not be preempted by an earlier normal arm")
	}
	if shouldArm(current, now.Add(10*time.Millisecond), timerRetry) {
		t.Fatal("a retry timer must not be preempted by another retry arm")
	}
}

func TestShouldArm_NormalPreemptedOnlyByEarlier(t *testing.T) {
	now := time.Now()
	current := armState{kind: timerNormal, dueAt: now.Add(time.Second)}

	if !shouldArm(current, now.Add(100*time.Millisecond), timerNormal) {
		t.Fatal("earlier due time must preempt a normal timer")
	}
	if shouldArm(current, now.Add(2*time.Second), timerNormal) {
		t.Fatal("later due time must not preempt a normal timer")
	}
	if !shouldArm(current, now.Add(2*time.Second), timerRetry) {
		t.Fatal("a retry arm replaces a normal timer regardless of due time")
	}
}

func TestPriorityForReason(t *testing.T) {
	cases := []struct {
		reason string
		want   Priority
	}{
		{ReasonRetry, PriorityRetry},
		{ReasonHeartbeat, PriorityInterval},
		{ReasonInterval, PriorityInterval},
		{ReasonMessage, PriorityAction},
		{ReasonAction, PriorityAction},
		{ReasonCommand, PriorityAction},
		{ReasonCron, PriorityDefault},
		{"something-else", PriorityDefault},
	}
	for _, tc := range cases {
		if got := PriorityForReason(tc.reason); got != tc.want {
			t.Errorf("PriorityForReason(%q) = %v, want %v", tc.reason, got, tc.want)
		}
	}
}

func TestTargetKey_GlobalIsValid(t *testing.T) {
	global := Request{}
	scoped := Request{AgentID: "default", SessionKey: "agent:default:main"}
	if global.targetKey() == scoped.targetKey() {
		t.Fatal("global and scoped targets must not collide")
	}
	if global.targetKey() != (Request{}).targetKey() {
		t.Fatal("the global key must be stable")
	}
}
