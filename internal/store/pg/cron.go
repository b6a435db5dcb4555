package pg

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/tidegate/tidegate/internal/store"
)

// PGCronStore implements store.CronStore backed by Postgres.
type PGCronStore struct {
	db *sql.DB
}

func NewPGCronStore(db *sql.DB) (*PGCronStore, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS cron_jobs (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		agent_id   TEXT NOT NULL DEFAULT '',
		user_id    TEXT NOT NULL DEFAULT '',
		enabled    BOOLEAN NOT NULL DEFAULT TRUE,
		schedule   JSONB NOT NULL,
		state      JSONB NOT NULL,
		payload    JSONB NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("create cron_jobs table: %w", err)
	}
	return &PGCronStore{db: db}, nil
}

func (s *PGCronStore) List() ([]store.CronJob, error) {
	rows, err := s.db.Query(
		`SELECT id, name, agent_id, user_id, enabled, schedule, state, payload, created_at, updated_at
		 FROM cron_jobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list cron jobs: %w", err)
	}
	defer rows.Close()

	var out []store.CronJob
	for rows.Next() {
		job, err := scanPGJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

func (s *PGCronStore) Get(id string) (*store.CronJob, error) {
	row := s.db.QueryRow(
		`SELECT id, name, agent_id, user_id, enabled, schedule, state, payload, created_at, updated_at
		 FROM cron_jobs WHERE id = $1`, id)
	job, err := scanPGJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

func (s *PGCronStore) Put(job store.CronJob) error {
	schedule, err := json.Marshal(job.Schedule)
	if err != nil {
		return err
	}
	state, err := json.Marshal(job.State)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO cron_jobs (id, name, agent_id, user_id, enabled, schedule, state, payload, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, agent_id = EXCLUDED.agent_id, user_id = EXCLUDED.user_id,
			enabled = EXCLUDED.enabled, schedule = EXCLUDED.schedule, state = EXCLUDED.state,
			payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		job.ID, job.Name, job.AgentID, job.UserID, job.Enabled,
		schedule, state, payload, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put cron job: %w", err)
	}
	return nil
}

func (s *PGCronStore) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM cron_jobs WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete cron job: %w", err)
	}
	return nil
}

func (s *PGCronStore) Close() error { return s.db.Close() }

type pgScanner interface {
	Scan(dest ...any) error
}

func scanPGJob(row pgScanner) (*store.CronJob, error) {
	var job store.CronJob
	var schedule, state, payload []byte
	err := row.Scan(&job.ID, &job.Name, &job.AgentID, &job.UserID, &job.Enabled,
		&schedule, &state, &payload, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(schedule, &job.Schedule); err != nil {
		return nil, fmt.Errorf("parse schedule for %s: %w", job.ID, err)
	}
	if err := json.Unmarshal(state, &job.State); err != nil {
		return nil, fmt.Errorf("parse state for %s: %w", job.ID, err)
	}
	if err := json.Unmarshal(payload, &job.Payload); err != nil {
		return nil, fmt.Errorf("parse payload for %s: %w", job.ID, err)
	}
	return &job, nil
}

// NewPGStores creates all stores backed by Postgres (managed mode).
func NewPGStores(dsn string) (*store.Stores, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, err
	}
	cron, err := NewPGCronStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &store.Stores{Cron: cron}, nil
}
