package wake

import "time"

// shouldReplace decides whether an incoming request replaces the pending
// request for the same target. A replacement needs strictly higher
// priority, or equal priority with a timestamp at least as recent — a
// pending request is never replaced by an older or lower-priority one.
func shouldReplace(pending, incoming Request) bool {
	if incoming.Priority != pending.Priority {
		return incoming.Priority > pending.Priority
	}
	return !incoming.RequestedAt.Before(pending.RequestedAt)
}

// timerKind tags the shared dispatch timer.
type timerKind int

const (
	timerNone timerKind = iota
	timerNormal
	timerRetry
)

func (k timerKind) String() string {
	switch k {
	case timerNormal:
		return "normal"
	case timerRetry:
		return "retry"
	default:
		return "none"
	}
}

// armState is the shared timer's explicit state: either nothing armed, or
// armed with a due time and a kind.
type armState struct {
	kind  timerKind
	dueAt time.Time
}

// shouldArm decides whether a new arm request replaces the current timer.
// A retry-kind timer is a hard floor: once armed, nothing preempts it
// before it fires. A normal timer is preempted only by an earlier due
// time or by a retry arm.
func shouldArm(current armState, dueAt time.Time, kind timerKind) bool {
	switch current.kind {
	case timerNone:
		return true
	case timerRetry:
		return false
	default:
		if kind == timerRetry {
			return true
		}
		return dueAt.Before(current.dueAt)
	}
}
