package followup

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Run is one queued unit of agent work plus its delivery destination.
// Context is opaque to the queue; it travels with the item and is handed
// back to the run callback unchanged.
type Run struct {
	Prompt     string
	Context    any
	EnqueuedAt time.Time

	// Destination of the eventual reply. An item with an empty Channel or
	// To is unkeyed and can never be batched with keyed items.
	Channel   string
	To        string
	AccountID string
	ThreadID  string

	// CrossDestination marks the item as explicitly unbatchable even when
	// its destination matches its neighbors.
	CrossDestination bool
}

// destinationKey returns the batch identity. ok is false for unkeyed items.
func (r Run) destinationKey() (key string, ok bool) {
	if r.CrossDestination || r.Channel == "" || r.To == "" {
		return "", false
	}
	return r.Channel + "|" + r.To + "|" + r.AccountID + "|" + r.ThreadID, true
}

// RunFunc executes one drained item or one collected batch.
type RunFunc func(item Run) error

// queueState is the per-conversation state. All fields are guarded by the
// owning Registry's mutex.
type queueState struct {
	items           []Run
	draining        bool
	forceIndividual bool
	lastEnqueuedAt  time.Time
	settings        Settings
	droppedCount    int
	summaryLines    []string
	lastRun         Run
	hasLastRun      bool
}

// Registry owns every conversation's follow-up queue. Queues are created
// lazily on first enqueue and removed once fully drained, so an idle
// registry holds no entries.
type Registry struct {
	mu       sync.Mutex
	queues   map[string]*queueState
	run      RunFunc
	defaults Settings
	now      func() time.Time
	closed   bool
	done     chan struct{}
	wg       sync.WaitGroup
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithDefaults overrides the settings applied to freshly created queues.
func WithDefaults(s Settings) RegistryOption {
	return func(r *Registry) { r.defaults = s.normalized() }
}

// WithRegistryClock overrides the time source.
func WithRegistryClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry creates an empty registry draining through run.
func NewRegistry(run RunFunc, opts ...RegistryOption) *Registry {
	r := &Registry{
		queues:   make(map[string]*queueState),
		run:      run,
		defaults: DefaultSettings(),
		now:      time.Now,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Close stops all drain loops and waits for them to exit. Queued items
// are discarded.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.done)
	r.mu.Unlock()
	r.wg.Wait()
}

// Enqueue appends item to the queue for key, creating the queue on first
// use and applying any live settings changes first. Returns false when the
// drop policy rejects the item.
func (r *Registry) Enqueue(key string, item Run, upd SettingsUpdate) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}

	st, ok := r.queues[key]
	if !ok {
		st = &queueState{settings: r.defaults}
		r.queues[key] = st
	}
	st.settings = mergeSettings(st.settings, upd)

	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = r.now()
	}

	if !r.applyDropPolicyLocked(key, st) {
		return false
	}

	st.items = append(st.items, item)
	st.lastEnqueuedAt = r.now()
	st.lastRun = item
	st.hasLastRun = true
	return true
}

// applyDropPolicyLocked makes room for one incoming item. Returns false
// when the incoming item must be rejected instead.
func (r *Registry) applyDropPolicyLocked(key string, st *queueState) bool {
	cap := st.settings.Cap
	if len(st.items) < cap {
		return true
	}
	dropCount := len(st.items) - cap + 1

	switch st.settings.DropPolicy {
	case DropNew:
		slog.Debug("followup queue full, rejecting new item", "key", key, "cap", cap)
		return false
	case DropOld:
		st.items = st.items[dropCount:]
	default: // summarize
		for _, dropped := range st.items[:dropCount] {
			st.droppedCount++
			st.summaryLines = append(st.summaryLines, elide(dropped.Prompt, summaryLineMax))
		}
		st.items = st.items[dropCount:]
		if len(st.summaryLines) > cap {
			st.summaryLines = st.summaryLines[len(st.summaryLines)-cap:]
		}
		slog.Debug("followup queue full, summarized oldest",
			"key", key, "dropped", dropCount, "totalDropped", st.droppedCount)
	}
	return true
}

// Clear empties and removes the queue for key, returning how many items
// (queued plus dropped) were discarded.
func (r *Registry) Clear(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.queues[key]
	if !ok {
		return 0
	}
	n := len(st.items) + st.droppedCount
	delete(r.queues, key)
	return n
}

// Pending returns the queued and dropped counts for key.
func (r *Registry) Pending(key string) (items, dropped int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.queues[key]
	if !ok {
		return 0, 0
	}
	return len(st.items), st.droppedCount
}

// Has reports whether a queue exists for key.
func (r *Registry) Has(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.queues[key]
	return ok
}

// elide collapses whitespace and truncates to max characters.
func elide(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + "…"
}

// summaryPrompt renders the queue-overflow block handed to the agent.
func summaryPrompt(dropped int, lines []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d earlier message(s) were dropped because the queue was full. What was missed:\n", dropped)
	for _, line := range lines {
		b.WriteString("- ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
