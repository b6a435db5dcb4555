// Package sqlite backs the stores with an embedded SQLite database, the
// default for standalone deployments that outgrow the JSON file.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/tidegate/tidegate/internal/store"
)

// OpenDB opens (creating if needed) the SQLite database at path.
func OpenDB(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc sqlite is single-writer.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return db, nil
}

// SQLiteCronStore implements store.CronStore on SQLite. Schedule, state
// and payload are stored as JSON columns; scheduling queries only need
// the job list, never field-level filters.
type SQLiteCronStore struct {
	db *sql.DB
}

func NewSQLiteCronStore(db *sql.DB) (*SQLiteCronStore, error) {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS cron_jobs (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		agent_id   TEXT NOT NULL DEFAULT '',
		user_id    TEXT NOT NULL DEFAULT '',
		enabled    INTEGER NOT NULL DEFAULT 1,
		schedule   TEXT NOT NULL,
		state      TEXT NOT NULL,
		payload    TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("create cron_jobs table: %w", err)
	}
	return &SQLiteCronStore{db: db}, nil
}

func (s *SQLiteCronStore) List() ([]store.CronJob, error) {
	rows, err := s.db.Query(
		`SELECT id, name, agent_id, user_id, enabled, schedule, state, payload, created_at, updated_at
		 FROM cron_jobs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list cron jobs: %w", err)
	}
	defer rows.Close()

	var out []store.CronJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

func (s *SQLiteCronStore) Get(id string) (*store.CronJob, error) {
	row := s.db.QueryRow(
		`SELECT id, name, agent_id, user_id, enabled, schedule, state, payload, created_at, updated_at
		 FROM cron_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

func (s *SQLiteCronStore) Put(job store.CronJob) error {
	schedule, state, payload, err := marshalJob(job)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO cron_jobs (id, name, agent_id, user_id, enabled, schedule, state, payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, agent_id = excluded.agent_id, user_id = excluded.user_id,
			enabled = excluded.enabled, schedule = excluded.schedule, state = excluded.state,
			payload = excluded.payload, updated_at = excluded.updated_at`,
		job.ID, job.Name, job.AgentID, job.UserID, job.Enabled,
		schedule, state, payload, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put cron job: %w", err)
	}
	return nil
}

func (s *SQLiteCronStore) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM cron_jobs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete cron job: %w", err)
	}
	return nil
}

func (s *SQLiteCronStore) Close() error { return s.db.Close() }

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*store.CronJob, error) {
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

func marshalJob(job store.CronJob) (schedule, state, payload []byte, err error) {
	if schedule, err = json.Marshal(job.Schedule); err != nil {
		return
	}
	if state, err = json.Marshal(job.State); err != nil {
		return
	}
	payload, err = json.Marshal(job.Payload)
	return
}

// NewSQLiteStores builds the SQLite-backed store set at path.
func NewSQLiteStores(path string) (*store.Stores, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	cron, err := NewSQLiteCronStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &store.Stores{Cron: cron}, nil
}
