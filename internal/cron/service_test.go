package cron

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tidegate/tidegate/internal/store"
)

// memStore is an in-memory CronStore for tests.
type memStore struct {
	mu   sync.Mutex
	jobs map[string]store.CronJob
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]store.CronJob)}
}

func (m *memStore) List() ([]store.CronJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.CronJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (m *memStore) Get(id string) (*store.CronJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	return &j, nil
}

func (m *memStore) Put(job store.CronJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return nil
}

func (m *memStore) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[id]
	return ok
}

// countingRunner records executions and returns canned errors in order.
type countingRunner struct {
	mu   sync.Mutex
	runs []string
	errs []error
}

func (r *countingRunner) run(job *store.CronJob) (*store.CronJobResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := len(r.runs)
	r.runs = append(r.runs, job.ID)
	if i < len(r.errs) {
		return nil, r.errs[i]
	}
	return &store.CronJobResult{Content: "done"}, nil
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func everyJob(id string, everyMs int64) store.CronJob {
	return store.CronJob{
		ID:      id,
		Name:    "test " + id,
		AgentID: "default",
		Enabled: true,
		Schedule: store.CronSchedule{
			Kind:    store.ScheduleEvery,
			EveryMs: everyMs,
		},
		Payload: store.CronPayload{Message: "ping"},
	}
}

func TestService_AddComputesNextRun(t *testing.T) {
	st := newMemStore()
	r := &countingRunner{}
	svc := NewService(st, r.run)
	defer svc.Stop()

	before := time.Now().UnixMilli()
	added, err := svc.Add(everyJob("", 60_000))
	if err != nil {
		t.Fatal(err)
	}
	if added.ID == "" {
		t.Fatal("expected a generated job ID")
	}
	if added.State.NextRunAtMs < before+60_000 {
		t.Fatalf("next run %d, want at least %d", added.State.NextRunAtMs, before+60_000)
	}
	if !st.has(added.ID) {
		t.Fatal("job not persisted")
	}
}

func TestService_AddRejectsInvalid(t *testing.T) {
	svc := NewService(newMemStore(), (&countingRunner{}).run)
	defer svc.Stop()

	job := everyJob("", 60_000)
	job.Payload.Message = ""
	if _, err := svc.Add(job); err == nil {
		t.Fatal("expected error for empty message")
	}

	job = everyJob("", 0)
	if _, err := svc.Add(job); err == nil {
		t.Fatal("expected error for zero interval")
	}

	job = everyJob("", 60_000)
	job.Schedule = store.CronSchedule{Kind: store.ScheduleAt, AtMs: time.Now().Add(-time.Minute).UnixMilli()}
	if _, err := svc.Add(job); err == nil {
		t.Fatal("expected error for past one-shot time")
	}
}

func TestService_RunsDueJobAndAdvances(t *testing.T) {
	st := newMemStore()
	r := &countingRunner{}
	svc := NewService(st, r.run)
	defer svc.Stop()

	added, err := svc.Add(everyJob("", 20))
	if err != nil {
		t.Fatal(err)
	}
	svc.Start()

	waitForTimer(t, 2*time.Second, func() bool { return r.count() >= 2 })

	job, ok := svc.Get(added.ID)
	if !ok {
		t.Fatal("job disappeared")
	}
	if job.State.LastStatus != "ok" {
		t.Fatalf("last status = %q, want ok", job.State.LastStatus)
	}
	if job.State.LastRunAtMs == 0 {
		t.Fatal("last run time not recorded")
	}
	if job.State.NextRunAtMs <= job.State.LastRunAtMs {
		t.Fatal("schedule did not advance past the last run")
	}
}

func TestService_OneShotRemovedAfterRun(t *testing.T) {
	st := newMemStore()
	r := &countingRunner{}
	svc := NewService(st, r.run)
	defer svc.Stop()

	job := everyJob("", 0)
	job.Schedule = store.CronSchedule{
		Kind: store.ScheduleAt,
		AtMs: time.Now().Add(20 * time.Millisecond).UnixMilli(),
	}
	added, err := svc.Add(job)
	if err != nil {
		t.Fatal(err)
	}
	svc.Start()

	waitForTimer(t, 2*time.Second, func() bool { return r.count() == 1 })
	waitForTimer(t, time.Second, func() bool {
		_, ok := svc.Get(added.ID)
		return !ok
	})
	if st.has(added.ID) {
		t.Fatal("completed one-shot job still in store")
	}
}

func TestService_FirstFailureRetriesThenAdvances(t *testing.T) {
	st := newMemStore()
	r := &countingRunner{errs: []error{errors.New("boom"), errors.New("boom")}}
	svc := NewService(st, r.run, WithFailureRetry(15*time.Millisecond))
	defer svc.Stop()

	added, err := svc.Add(everyJob("", 250))
	if err != nil {
		t.Fatal(err)
	}

	// Force the first run to be due immediately.
	svc.mu.Lock()
	j := svc.jobs[added.ID]
	j.State.NextRunAtMs = time.Now().UnixMilli()
	svc.jobs[added.ID] = j
	svc.mu.Unlock()
	svc.Start()

	// First failure retries after the short failure delay, well before the
	// 250ms interval.
	waitForTimer(t, time.Second, func() bool {
		job, ok := svc.Get(added.ID)
		return ok && job.State.ConsecutiveFailures >= 2
	})

	job, ok := svc.Get(added.ID)
	if !ok {
		t.Fatal("job disappeared")
	}
	if job.State.LastStatus != "error" || job.State.LastError == "" {
		t.Fatalf("state = %q/%q, want recorded error", job.State.LastStatus, job.State.LastError)
	}
	// Second consecutive failure advances the schedule instead of retrying.
	if job.State.NextRunAtMs < job.State.LastRunAtMs+200 {
		t.Fatalf("next run %d too close to last run %d, want full interval after repeated failure",
			job.State.NextRunAtMs, job.State.LastRunAtMs)
	}
}

func TestService_SuccessResetsFailureCount(t *testing.T) {
	st := newMemStore()
	r := &countingRunner{errs: []error{errors.New("boom")}}
	svc := NewService(st, r.run, WithFailureRetry(10*time.Millisecond))
	defer svc.Stop()

	added, err := svc.Add(everyJob("", 20))
	if err != nil {
		t.Fatal(err)
	}
	svc.Start()

	waitForTimer(t, 2*time.Second, func() bool { return r.count() >= 2 })
	waitForTimer(t, time.Second, func() bool {
		job, ok := svc.Get(added.ID)
		return ok && job.State.ConsecutiveFailures == 0 && job.State.LastStatus == "ok"
	})
}

func TestService_DisabledJobDoesNotRun(t *testing.T) {
	st := newMemStore()
	r := &countingRunner{}
	svc := NewService(st, r.run)
	defer svc.Stop()

	added, err := svc.Add(everyJob("", 15))
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.SetEnabled(added.ID, false); err != nil {
		t.Fatal(err)
	}
	svc.Start()

	time.Sleep(60 * time.Millisecond)
	if r.count() != 0 {
		t.Fatalf("disabled job ran %d times", r.count())
	}

	job, _ := svc.Get(added.ID)
	if job.State.NextRunAtMs != 0 {
		t.Fatal("disabled job must have no next run")
	}
}

func TestService_LoadPrunesExpiredOneShots(t *testing.T) {
	st := newMemStore()
	_ = st.Put(store.CronJob{
		ID:      "expired",
		Enabled: true,
		Schedule: store.CronSchedule{
			Kind: store.ScheduleAt,
			AtMs: time.Now().Add(-time.Hour).UnixMilli(),
		},
		Payload: store.CronPayload{Message: "late"},
	})
	_ = st.Put(everyJob("keep", 60_000))

	svc := NewService(st, (&countingRunner{}).run)
	defer svc.Stop()
	if err := svc.Load(); err != nil {
		t.Fatal(err)
	}

	if _, ok := svc.Get("expired"); ok {
		t.Fatal("expired one-shot survived load")
	}
	if st.has("expired") {
		t.Fatal("expired one-shot still in store")
	}
	if _, ok := svc.Get("keep"); !ok {
		t.Fatal("recurring job lost during load")
	}
}

func TestService_LoadComputesMissingNextRun(t *testing.T) {
	st := newMemStore()
	_ = st.Put(everyJob("j1", 60_000))

	svc := NewService(st, (&countingRunner{}).run)
	defer svc.Stop()
	if err := svc.Load(); err != nil {
		t.Fatal(err)
	}

	job, ok := svc.Get("j1")
	if !ok {
		t.Fatal("job missing after load")
	}
	if job.State.NextRunAtMs == 0 {
		t.Fatal("next run not computed on load")
	}
}

type recordingWaker struct {
	mu    sync.Mutex
	wakes []string
}

func (w *recordingWaker) RequestWakeNow(reason, agentID, sessionKey string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.wakes = append(w.wakes, reason+"|"+agentID)
}

func (w *recordingWaker) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.wakes)
}

func TestService_WakesAgentWhenJobHasNoDeliveryTarget(t *testing.T) {
	st := newMemStore()
	r := &countingRunner{}
	w := &recordingWaker{}
	svc := NewService(st, r.run, WithWaker(w))
	defer svc.Stop()

	if _, err := svc.Add(everyJob("", 20)); err != nil {
		t.Fatal(err)
	}
	svc.Start()

	waitForTimer(t, 2*time.Second, func() bool { return w.count() >= 1 })

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.wakes[0] != "cron|default" {
		t.Fatalf("wake = %q, want cron wake for the job's agent", w.wakes[0])
	}
}

func TestService_NoWakeWhenJobDelivers(t *testing.T) {
	st := newMemStore()
	r := &countingRunner{}
	w := &recordingWaker{}
	svc := NewService(st, r.run, WithWaker(w))
	defer svc.Stop()

	job := everyJob("", 20)
	job.Payload.Channel = "telegram"
	job.Payload.To = "12345"
	job.Payload.Deliver = true
	if _, err := svc.Add(job); err != nil {
		t.Fatal(err)
	}
	svc.Start()

	waitForTimer(t, 2*time.Second, func() bool { return r.count() >= 1 })
	time.Sleep(30 * time.Millisecond)
	if w.count() != 0 {
		t.Fatalf("got %d wakes for a self-delivering job, want 0", w.count())
	}
}

func TestService_ManagementModeNeverArmsTimer(t *testing.T) {
	st := newMemStore()
	svc := NewService(st, nil)
	defer svc.Stop()

	added, err := svc.Add(everyJob("", 1))
	if err != nil {
		t.Fatal(err)
	}
	if added.State.NextRunAtMs == 0 {
		t.Fatal("next run not computed")
	}
	svc.Start()

	// Give an armed timer ample time to fire the nil callback.
	time.Sleep(50 * time.Millisecond)

	tm := svc.Timer()
	tm.mu.Lock()
	armed := tm.armed
	tm.mu.Unlock()
	if armed {
		t.Fatal("timer armed without a run callback")
	}
	if !st.has(added.ID) {
		t.Fatal("job not persisted")
	}
}
