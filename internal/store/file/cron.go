package file

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/tidegate/tidegate/internal/store"
)

// FileCronStore persists cron jobs as a single JSON document, rewritten
// atomically on every change. Suited to the standalone single-process
// deployment where job counts stay small.
type FileCronStore struct {
	mu   sync.Mutex
	path string
	jobs map[string]store.CronJob
}

// cronFile is the on-disk document shape.
type cronFile struct {
	Version int             `json:"version"`
	Jobs    []store.CronJob `json:"jobs"`
}

// NewFileCronStore loads (or creates) the job file at path.
func NewFileCronStore(path string) (*FileCronStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create cron store dir: %w", err)
	}
	s := &FileCronStore{
		path: path,
		jobs: make(map[string]store.CronJob),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileCronStore) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read cron store: %w", err)
	}
	var doc cronFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse cron store: %w", err)
	}
	for _, job := range doc.Jobs {
		s.jobs[job.ID] = job
	}
	return nil
}

// saveLocked rewrites the whole document: temp file → rename.
func (s *FileCronStore) saveLocked() error {
	doc := cronFile{Version: 1, Jobs: make([]store.CronJob, 0, len(s.jobs))}
	for _, job := range s.jobs {
		doc.Jobs = append(doc.Jobs, job)
	}
	sort.Slice(doc.Jobs, func(i, j int) bool { return doc.Jobs[i].ID < doc.Jobs[j].ID })

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(s.path), "cron-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (s *FileCronStore) List() ([]store.CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.CronJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *FileCronStore) Get(id string) (*store.CronJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return &job, nil
}

func (s *FileCronStore) Put(job store.CronJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return s.saveLocked()
}

func (s *FileCronStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return nil
	}
	delete(s.jobs, id)
	return s.saveLocked()
}

func (s *FileCronStore) Close() error { return nil }

// NewFileStores builds the file-backed store set rooted at dir.
func NewFileStores(dir string) (*store.Stores, error) {
	cron, err := NewFileCronStore(filepath.Join(dir, "cron.json"))
	if err != nil {
		return nil, err
	}
	return &store.Stores{Cron: cron}, nil
}
