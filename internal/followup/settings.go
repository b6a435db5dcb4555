// Package followup implements the per-conversation queue that buffers
// inbound work for an agent: bursts are debounced, growth is bounded by a
// drop policy, and drained items either run one at a time or get collected
// into a single combined turn.
package followup

// Queue drain modes.
type Mode string

const (
	// ModeFollowup drains one item per agent turn.
	ModeFollowup Mode = "followup"
	// ModeCollect batches all same-destination items into one turn.
	ModeCollect Mode = "collect"
)

// Drop policies applied when a queue is at capacity.
type DropPolicy string

const (
	// DropSummarize evicts the oldest items but keeps a one-line summary
	// of each so the agent learns what it missed.
	DropSummarize DropPolicy = "summarize"
	// DropOld silently evicts the oldest items.
	DropOld DropPolicy = "old"
	// DropNew rejects the incoming item, preserving what is queued.
	DropNew DropPolicy = "new"
)

const (
	DefaultDebounceMs = int64(2000)
	DefaultCap        = 20

	// summaryLineMax bounds each elided drop summary line.
	summaryLineMax = 160
)

// Settings is the live per-queue configuration. It can change between
// enqueues without discarding queued items.
type Settings struct {
	Mode       Mode
	DebounceMs int64
	Cap        int
	DropPolicy DropPolicy
}

// DefaultSettings returns the queue configuration used when the caller
// supplies nothing.
func DefaultSettings() Settings {
	return Settings{
		Mode:       ModeFollowup,
		DebounceMs: DefaultDebounceMs,
		Cap:        DefaultCap,
		DropPolicy: DropSummarize,
	}
}

// SettingsUpdate carries optional overrides. nil fields leave the current
// value untouched.
type SettingsUpdate struct {
	Mode       *Mode
	DebounceMs *int64
	Cap        *int
	DropPolicy *DropPolicy
}

// mergeSettings applies upd on top of cur and normalizes the result. Pure:
// neither input is mutated.
func mergeSettings(cur Settings, upd SettingsUpdate) Settings {
	out := cur
	if upd.Mode != nil {
		out.Mode = *upd.Mode
	}
	if upd.DebounceMs != nil {
		out.DebounceMs = *upd.DebounceMs
	}
	if upd.Cap != nil {
		out.Cap = *upd.Cap
	}
	if upd.DropPolicy != nil {
		out.DropPolicy = *upd.DropPolicy
	}
	return out.normalized()
}

// normalized clamps bad values instead of failing: scheduling state must
// stay usable whatever the caller passes in.
func (s Settings) normalized() Settings {
	if s.Mode != ModeFollowup && s.Mode != ModeCollect {
		s.Mode = ModeFollowup
	}
	if s.DebounceMs < 0 {
		s.DebounceMs = 0
	}
	if s.Cap <= 0 {
		s.Cap = DefaultCap
	}
	switch s.DropPolicy {
	case DropSummarize, DropOld, DropNew:
	default:
		s.DropPolicy = DropSummarize
	}
	return s
}
