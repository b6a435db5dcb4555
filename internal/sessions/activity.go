package sessions

import (
	"sort"
	"sync"
	"time"
)

// Activity is what the gateway remembers about a session between turns:
// where its last message came from, so proactive wakes (heartbeat, cron)
// can be routed back to a real conversation.
type Activity struct {
	Key         string
	AgentID     string
	Channel     string
	ChatID      string
	AccountID   string
	ThreadID    string
	LastMessage time.Time
}

// Registry tracks per-session activity in memory. It is rebuilt from
// live traffic after a restart; nothing here is persisted.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Activity
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]Activity)}
}

// Touch records traffic for a session, creating the entry on first use.
func (r *Registry) Touch(a Activity) {
	if a.Key == "" {
		return
	}
	a.LastMessage = time.Now()
	r.mu.Lock()
	r.sessions[a.Key] = a
	r.mu.Unlock()
}

// Get returns the activity for key.
func (r *Registry) Get(key string) (Activity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.sessions[key]
	return a, ok
}

// MostRecent returns the most recently active session for an agent,
// used when a wake arrives without a session target.
func (r *Registry) MostRecent(agentID string) (Activity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best Activity
	found := false
	for _, a := range r.sessions {
		if agentID != "" && a.AgentID != agentID {
			continue
		}
		if !found || a.LastMessage.After(best.LastMessage) {
			best = a
			found = true
		}
	}
	return best, found
}

// List returns all tracked sessions for an agent, most recent first.
func (r *Registry) List(agentID string) []Activity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Activity, 0, len(r.sessions))
	for _, a := range r.sessions {
		if agentID != "" && a.AgentID != agentID {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessage.After(out[j].LastMessage) })
	return out
}

// Delete removes a session entry.
func (r *Registry) Delete(key string) {
	r.mu.Lock()
	delete(r.sessions, key)
	r.mu.Unlock()
}
