package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/tidegate/tidegate/internal/store"
)

func openTestStore(t *testing.T) *SQLiteCronStore {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "tidegate.db"))
	if err != nil {
		t.Fatal(err)
	}
	s, err := NewSQLiteCronStore(db)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteCronStore_RoundTrip(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().Truncate(time.Second)
	stagger := int64(1500)
	job := store.CronJob{
		ID:      "j1",
		Name:    "hourly check",
		AgentID: "default",
		Enabled: true,
		Schedule: store.CronSchedule{
			Kind:      store.ScheduleCron,
			Expr:      "0 * * * *",
			StaggerMs: &stagger,
		},
		State: store.CronJobState{
			NextRunAtMs: now.Add(time.Hour).UnixMilli(),
			LastStatus:  "ok",
		},
		Payload:   store.CronPayload{Message: "check feeds", Deliver: true, Channel: "telegram", To: "42"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Put(job); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get("j1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("job not found after put")
	}
	if got.Schedule.StaggerMs == nil || *got.Schedule.StaggerMs != 1500 {
		t.Fatalf("stagger lost: %+v", got.Schedule)
	}
	if got.Payload.To != "42" || !got.Payload.Deliver {
		t.Fatalf("payload lost: %+v", got.Payload)
	}
	if got.State.NextRunAtMs != job.State.NextRunAtMs {
		t.Fatalf("state lost: %+v", got.State)
	}
}

func TestSQLiteCronStore_UpsertAndDelete(t *testing.T) {
	s := openTestStore(t)

	now := time.Now()
	job := store.CronJob{
		ID:        "j1",
		Enabled:   true,
		Schedule:  store.CronSchedule{Kind: store.ScheduleEvery, EveryMs: 60_000},
		Payload:   store.CronPayload{Message: "ping"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.Put(job); err != nil {
		t.Fatal(err)
	}

	job.State.NextRunAtMs = now.Add(time.Minute).UnixMilli()
	job.State.LastStatus = "ok"
	if err := s.Put(job); err != nil {
		t.Fatal(err)
	}

	jobs, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 1 {
		t.Fatalf("upsert duplicated the row: %d jobs", len(jobs))
	}
	if jobs[0].State.LastStatus != "ok" {
		t.Fatalf("update not applied: %+v", jobs[0].State)
	}

	if err := s.Delete("j1"); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get("j1")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatal("deleted job still present")
	}
}
