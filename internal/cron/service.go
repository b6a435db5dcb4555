package cron

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tidegate/tidegate/internal/store"
	"github.com/tidegate/tidegate/internal/wake"
)

// DefaultFailureRetry is how long a failed job stays due before its
// schedule advances. The first failure retries on the next tick; a
// second consecutive failure advances the schedule so a broken job
// cannot pin the timer.
const DefaultFailureRetry = 30 * time.Second

// RunJobFunc executes one due job. The returned error decides whether
// the schedule advances (success) or the job is retried (failure).
type RunJobFunc func(job *store.CronJob) (*store.CronJobResult, error)

// Waker receives a wake signal after a job completes without its own
// delivery target, so the agent lifecycle can decide what to surface.
type Waker interface {
	RequestWakeNow(reason, agentID, sessionKey string)
}

// Service owns the job definitions and the shared fire timer. Job
// definitions persist through the store; the timer itself is rebuilt
// from scratch on startup.
type Service struct {
	mu           sync.Mutex
	store        store.CronStore
	jobs         map[string]store.CronJob
	timer        *Timer
	runJob       RunJobFunc
	waker        Waker
	failureRetry time.Duration
	now          func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithWaker wires a wake sink for jobs without a delivery target.
func WithWaker(w Waker) ServiceOption {
	return func(s *Service) { s.waker = w }
}

// WithFailureRetry overrides the first-failure retry delay.
func WithFailureRetry(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.failureRetry = d
		}
	}
}

// WithServiceClock overrides the time source for due computation.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a stopped Service. Call Load then Start. A nil
// runJob makes the service management-only: jobs can be inspected and
// mutated but the timer never arms.
func NewService(st store.CronStore, runJob RunJobFunc, opts ...ServiceOption) *Service {
	s := &Service{
		store:        st,
		jobs:         make(map[string]store.CronJob),
		runJob:       runJob,
		failureRetry: DefaultFailureRetry,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.timer = NewTimer(s.fireDue)
	return s
}

// Load rebuilds the in-memory job set from the store, pruning one-shot
// jobs whose fire time already passed while the process was down.
func (s *Service) Load() error {
	jobs, err := s.store.List()
	if err != nil {
		return fmt.Errorf("list cron jobs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.jobs = make(map[string]store.CronJob, len(jobs))
	for _, job := range jobs {
		if job.Schedule.Kind == store.ScheduleAt && job.Schedule.AtMs <= now.UnixMilli() {
			slog.Info("pruning expired one-shot job", "id", job.ID, "name", job.Name)
			if err := s.store.Delete(job.ID); err != nil {
				slog.Warn("failed to prune expired job", "id", job.ID, "error", err)
			}
			continue
		}
		if job.State.NextRunAtMs == 0 && job.Enabled {
			next, nerr := NextRunAtMs(job.ID, job.Schedule, now)
			if nerr != nil {
				slog.Warn("failed to compute next run, disabling job", "id", job.ID, "error", nerr)
				job.Enabled = false
			} else {
				job.State.NextRunAtMs = next
			}
		}
		s.jobs[job.ID] = job
	}
	return nil
}

// Start arms the timer for the earliest due job.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rearmLocked()
}

// Stop cancels the pending timer. In-flight job runs complete on their own.
func (s *Service) Stop() {
	s.timer.Stop()
}

// Add validates and persists a new job, then re-arms the timer. Returns
// the stored job (with generated ID if none was supplied).
func (s *Service) Add(job store.CronJob) (*store.CronJob, error) {
	job.ID = strings.TrimSpace(job.ID)
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Name = strings.TrimSpace(job.Name)
	if err := ValidateSchedule(job.Schedule); err != nil {
		return nil, err
	}
	if strings.TrimSpace(job.Payload.Message) == "" {
		return nil, fmt.Errorf("payload message is required")
	}

	now := s.now()
	if job.Schedule.Kind == store.ScheduleAt && job.Schedule.AtMs <= now.UnixMilli() {
		return nil, fmt.Errorf("at time must be in the future")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return nil, fmt.Errorf("job already exists: %s", job.ID)
	}

	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Enabled && job.State.NextRunAtMs == 0 {
		next, err := NextRunAtMs(job.ID, job.Schedule, now)
		if err != nil {
			return nil, err
		}
		job.State.NextRunAtMs = next
	}

	if err := s.store.Put(job); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}
	s.jobs[job.ID] = job
	s.rearmLocked()
	return &job, nil
}

// Remove deletes a job and re-arms the timer.
func (s *Service) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("job not found: %s", id)
	}
	if err := s.store.Delete(id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	delete(s.jobs, id)
	s.rearmLocked()
	return nil
}

// SetEnabled toggles a job. Enabling recomputes the next run time.
func (s *Service) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job not found: %s", id)
	}
	if job.Enabled == enabled {
		return nil
	}
	job.Enabled = enabled
	job.UpdatedAt = s.now()
	if enabled {
		next, err := NextRunAtMs(job.ID, job.Schedule, s.now())
		if err != nil {
			return err
		}
		job.State.NextRunAtMs = next
	} else {
		job.State.NextRunAtMs = 0
	}
	if err := s.store.Put(job); err != nil {
		return fmt.Errorf("persist job: %w", err)
	}
	s.jobs[id] = job
	s.rearmLocked()
	return nil
}

// Get returns a copy of one job.
func (s *Service) Get(id string) (*store.CronJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	return &job, true
}

// List returns all jobs sorted by ID.
func (s *Service) List() []store.CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.CronJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Timer exposes the shared timer for liveness inspection.
func (s *Service) Timer() *Timer { return s.timer }

// fireDue runs every job whose next run time has arrived, then re-arms.
func (s *Service) fireDue() {
	nowMs := s.now().UnixMilli()

	s.mu.Lock()
	var due []store.CronJob
	for _, job := range s.jobs {
		if job.Enabled && job.State.NextRunAtMs > 0 && job.State.NextRunAtMs <= nowMs {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].State.NextRunAtMs != due[j].State.NextRunAtMs {
			return due[i].State.NextRunAtMs < due[j].State.NextRunAtMs
		}
		return due[i].ID < due[j].ID
	})
	s.mu.Unlock()

	for _, job := range due {
		s.runOne(job)
	}

	s.mu.Lock()
	s.rearmLocked()
	s.mu.Unlock()
}

// runOne executes a single due job and advances its persisted state.
func (s *Service) runOne(job store.CronJob) {
	jobCopy := job
	_, runErr := s.runJob(&jobCopy)
	now := s.now()

	s.mu.Lock()
	cur, ok := s.jobs[job.ID]
	if !ok {
		// Removed while running; nothing to advance.
		s.mu.Unlock()
		return
	}
	cur.State.LastRunAtMs = now.UnixMilli()
	cur.UpdatedAt = now

	oneShot := cur.Schedule.Kind == store.ScheduleAt
	if runErr == nil {
		cur.State.LastStatus = "ok"
		cur.State.LastError = ""
		cur.State.ConsecutiveFailures = 0
		if oneShot {
			delete(s.jobs, job.ID)
			if err := s.store.Delete(job.ID); err != nil {
				slog.Warn("failed to remove completed one-shot job", "id", job.ID, "error", err)
			}
			s.mu.Unlock()
			s.notifyWake(cur)
			return
		}
		next, err := NextRunAtMs(cur.ID, cur.Schedule, now)
		if err != nil {
			slog.Warn("failed to advance job schedule, disabling", "id", cur.ID, "error", err)
			cur.Enabled = false
			cur.State.NextRunAtMs = 0
		} else {
			cur.State.NextRunAtMs = next
		}
	} else {
		slog.Warn("cron job execution failed", "id", cur.ID, "name", cur.Name, "error", runErr)
		cur.State.LastStatus = "error"
		cur.State.LastError = runErr.Error()
		cur.State.ConsecutiveFailures++
		if cur.State.ConsecutiveFailures < 2 {
			// Retry on the next tick.
			cur.State.NextRunAtMs = now.Add(s.failureRetry).UnixMilli()
		} else if oneShot {
			slog.Warn("one-shot job failed repeatedly, disabling", "id", cur.ID)
			cur.Enabled = false
			cur.State.NextRunAtMs = 0
		} else {
			next, err := NextRunAtMs(cur.ID, cur.Schedule, now)
			if err != nil {
				cur.Enabled = false
				cur.State.NextRunAtMs = 0
			} else {
				cur.State.NextRunAtMs = next
			}
		}
	}

	s.jobs[job.ID] = cur
	if err := s.store.Put(cur); err != nil {
		slog.Warn("failed to persist job state", "id", cur.ID, "error", err)
	}
	s.mu.Unlock()

	if runErr == nil {
		s.notifyWake(cur)
	}
}

// notifyWake signals the waker for jobs that completed without their own
// delivery target, so the agent lifecycle can surface the result.
func (s *Service) notifyWake(job store.CronJob) {
	if s.waker == nil || job.Payload.Deliver {
		return
	}
	s.waker.RequestWakeNow(wake.ReasonCron, job.AgentID, "")
}

// rearmLocked arms the timer for the earliest enabled next run. With no
// armable jobs, or no run callback, the timer stays idle.
func (s *Service) rearmLocked() {
	if s.runJob == nil {
		return
	}
	var minNext int64
	for _, job := range s.jobs {
		if !job.Enabled || job.State.NextRunAtMs <= 0 {
			continue
		}
		if minNext == 0 || job.State.NextRunAtMs < minNext {
			minNext = job.State.NextRunAtMs
		}
	}
	if minNext == 0 {
		return
	}
	delay := time.Duration(minNext-s.now().UnixMilli()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	s.timer.Arm(delay)
}
