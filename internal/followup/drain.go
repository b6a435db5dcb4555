package followup

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ScheduleDrain starts an asynchronous drain loop for key. Idempotent: a
// queue already draining is left alone.
func (r *Registry) ScheduleDrain(key string) {
	r.mu.Lock()
	st, ok := r.queues[key]
	if !ok || st.draining || r.closed {
		r.mu.Unlock()
		return
	}
	st.draining = true
	r.wg.Add(1)
	r.mu.Unlock()
	go r.drain(key)
}

// drain runs until the queue for key has no items and no pending overflow
// summary, then removes the queue entry. Items arriving between the last
// pass and the cleanup check reschedule another drain instead.
func (r *Registry) drain(key string) {
	defer r.wg.Done()
	for {
		if !r.debounceWait(key) {
			r.finishDrain(key, false)
			return
		}
		if r.drainOnce(key) {
			r.finishDrain(key, true)
			return
		}
	}
}

// debounceWait blocks until the queue has been quiet for its debounce
// window. Returns false when the registry closed or the queue was cleared.
func (r *Registry) debounceWait(key string) bool {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return false
		}
		st, ok := r.queues[key]
		if !ok {
			r.mu.Unlock()
			return false
		}
		wait := time.Duration(st.settings.DebounceMs)*time.Millisecond - r.now().Sub(st.lastEnqueuedAt)
		r.mu.Unlock()
		if wait <= 0 {
			return true
		}
		select {
		case <-r.done:
			return false
		case <-time.After(wait):
		}
	}
}

// finishDrain clears the draining flag and either deletes the empty queue
// or reschedules when work arrived concurrently.
func (r *Registry) finishDrain(key string, reschedule bool) {
	r.mu.Lock()
	st, ok := r.queues[key]
	if !ok {
		r.mu.Unlock()
		return
	}
	st.draining = false
	if len(st.items) == 0 && st.droppedCount == 0 && len(st.summaryLines) == 0 {
		delete(r.queues, key)
		r.mu.Unlock()
		return
	}
	if reschedule && !r.closed {
		st.draining = true
		// New cycle: the next pass re-derives per-item delivery from the
		// items actually queued.
		st.forceIndividual = false
		r.wg.Add(1)
		r.mu.Unlock()
		go r.drain(key)
		return
	}
	r.mu.Unlock()
}

// drainOnce performs one pass: a combined batch in collect mode, a
// standalone overflow-summary turn, or a single popped item. Returns true
// when no work remains.
func (r *Registry) drainOnce(key string) bool {
	r.mu.Lock()
	st, ok := r.queues[key]
	if !ok {
		r.mu.Unlock()
		return true
	}
	hasOverflow := st.droppedCount > 0 || len(st.summaryLines) > 0
	if len(st.items) == 0 && !hasOverflow {
		r.mu.Unlock()
		return true
	}

	// A batch reply goes to exactly one destination. Mixed or unkeyed
	// items force per-item draining for the rest of this cycle so nothing
	// is ever delivered to the wrong conversation.
	if st.settings.Mode == ModeCollect && !st.forceIndividual &&
		len(st.items) > 0 && !sameDestination(st.items) {
		st.forceIndividual = true
	}

	if st.settings.Mode == ModeCollect && !st.forceIndividual && len(st.items) > 0 {
		return r.drainBatchLocked(key, st, hasOverflow)
	}

	if hasOverflow {
		return r.drainSummaryLocked(key, st)
	}
	return r.drainSingleLocked(key, st)
}

// drainBatchLocked runs every queued item as one combined turn. Called
// with the mutex held; releases it around the run callback.
func (r *Registry) drainBatchLocked(key string, st *queueState, includeSummary bool) bool {
	batch := make([]Run, len(st.items))
	copy(batch, st.items)
	prompt := renderCollect(batch, st.droppedCount, st.summaryLines)
	combined := batch[len(batch)-1]
	combined.Prompt = prompt
	r.mu.Unlock()

	err := r.run(combined)

	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.queues[key]
	if !ok {
		return true
	}
	if err != nil {
		slog.Warn("followup batch run failed", "key", key, "count", len(batch), "error", err)
		st.lastEnqueuedAt = r.now()
		return false
	}
	n := len(batch)
	if n > len(st.items) {
		n = len(st.items)
	}
	st.items = st.items[n:]
	if includeSummary {
		st.droppedCount = 0
		st.summaryLines = nil
	}
	return len(st.items) == 0 && st.droppedCount == 0 && len(st.summaryLines) == 0
}

// drainSummaryLocked runs the pending overflow summary as its own turn,
// using the last enqueued item's context for routing.
func (r *Registry) drainSummaryLocked(key string, st *queueState) bool {
	item := st.lastRun
	item.Prompt = summaryPrompt(st.droppedCount, st.summaryLines)
	r.mu.Unlock()

	err := r.run(item)

	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.queues[key]
	if !ok {
		return true
	}
	if err != nil {
		slog.Warn("followup summary run failed", "key", key, "error", err)
		st.lastEnqueuedAt = r.now()
		return false
	}
	st.droppedCount = 0
	st.summaryLines = nil
	return len(st.items) == 0
}

// drainSingleLocked pops and runs exactly one item.
func (r *Registry) drainSingleLocked(key string, st *queueState) bool {
	item := st.items[0]
	st.items = st.items[1:]
	r.mu.Unlock()

	err := r.run(item)

	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.queues[key]
	if !ok {
		return true
	}
	if err != nil {
		slog.Warn("followup run failed", "key", key, "error", err)
		st.lastEnqueuedAt = r.now()
	}
	return len(st.items) == 0 && st.droppedCount == 0 && len(st.summaryLines) == 0
}

// sameDestination reports whether every item is keyed and shares one
// destination.
func sameDestination(items []Run) bool {
	first, ok := items[0].destinationKey()
	if !ok {
		return false
	}
	for _, item := range items[1:] {
		k, ok := item.destinationKey()
		if !ok || k != first {
			return false
		}
	}
	return true
}

// renderCollect builds the combined prompt for a batch: title line,
// optional overflow block, then each item under a stable numbered header.
func renderCollect(items []Run, dropped int, summaryLines []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d message(s) arrived while you were busy. Address them together in one reply.\n", len(items))
	if dropped > 0 || len(summaryLines) > 0 {
		b.WriteString("\n")
		b.WriteString(summaryPrompt(dropped, summaryLines))
		b.WriteString("\n")
	}
	for i, item := range items {
		fmt.Fprintf(&b, "\nQueued #%d: %s\n", i+1, item.Prompt)
	}
	return strings.TrimRight(b.String(), "\n")
}
