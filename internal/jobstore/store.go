// Package jobstore persists the ordered list of recent jobs as a single
// JSON document on disk.
//
// The store has one writer, the desktop app. Writes go through
// fsx.WriteFileAtomic so a crash mid-save can never leave a record with
// mixed old and new fields. There is no file locking, last writer wins
// with an atomic replace.
package jobstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/phargogh/invest/internal/fsx"
	"github.com/phargogh/invest/internal/model"
)

type Store struct {
	mx        sync.Mutex
	path      string
	maxRecent int
}

// New returns a store backed by the JSON document at path. maxRecent caps
// how many jobs survive a Save, values below 1 fall back to the default.
func New(path string, maxRecent int) *Store {
	if maxRecent < 1 {
		maxRecent = model.DefaultMaxRecentJobs
	}
	return &Store{path: path, maxRecent: maxRecent}
}

// Load returns the recent jobs, newest first. A missing file is an empty
// list. An unparseable file returns model.ErrCorruptStore and the file is
// left untouched so it can be recovered manually.
func (s *Store) Load() ([]model.JobRecord, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.load()
}

func (s *Store) load() ([]model.JobRecord, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return []model.JobRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading jobs database %s: %w", s.path, err)
	}

	var jobs []model.JobRecord
	if err := json.Unmarshal(raw, &jobs); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", model.ErrCorruptStore, s.path, err)
	}
	return jobs, nil
}

// Save inserts or updates the record keyed by its workspace directory,
// moves it to the front and truncates to maxRecent. It returns the updated
// ordered list.
func (s *Store) Save(job model.JobRecord) ([]model.JobRecord, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	jobs, err := s.load()
	if errors.Is(err, model.ErrCorruptStore) {
		// keep the broken document around, then start over
		backup := s.path + ".corrupt"
		slog.Warn("jobs database is corrupt, starting a new one", "path", s.path, "backup", backup)
		if err := os.Rename(s.path, backup); err != nil {
			return nil, fmt.Errorf("preserving corrupt jobs database: %w", err)
		}
		jobs = []model.JobRecord{}
	} else if err != nil {
		return nil, err
	}

	jobs = slices.DeleteFunc(jobs, func(j model.JobRecord) bool {
		return j.WorkspaceDir == job.WorkspaceDir
	})
	jobs = append([]model.JobRecord{job}, jobs...)
	if len(jobs) > s.maxRecent {
		jobs = jobs[:s.maxRecent]
	}

	if err := s.write(jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// Clear removes all records and returns the empty list.
func (s *Store) Clear() ([]model.JobRecord, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("clearing jobs database %s: %w", s.path, err)
	}
	return []model.JobRecord{}, nil
}

func (s *Store) write(jobs []model.JobRecord) error {
	raw, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding jobs database: %w", err)
	}
	if err := fsx.WriteFileAtomic(s.path, raw, 0644); err != nil {
		return fmt.Errorf("writing jobs database %s: %w", s.path, err)
	}
	return nil
}
