// Package settings persists per-user workbench state that outlives a
// session: things the renderer may change at runtime, as opposed to the
// static config file. Writes share the jobs database's atomic-rename
// discipline via fsx.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/phargogh/invest/internal/fsx"
)

type Settings struct {
	SampleDataDir     string `json:"sampleDataDir,omitempty"`
	Language          string `json:"language,omitempty"`
	TaskgraphLogLevel string `json:"taskgraphLogLevel,omitempty"`
	// LastLaunchVersion is the workbench version that wrote this file,
	// used for the renderer's is-first-run-of-new-version check.
	LastLaunchVersion string `json:"lastLaunchVersion,omitempty"`
}

type Store struct {
	mx   sync.Mutex
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load returns the persisted settings, or zero settings when the file
// does not exist yet.
func (s *Store) Load() (Settings, error) {
	s.mx.Lock()
	defer s.mx.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Settings{}, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("reading settings %s: %w", s.path, err)
	}

	var out Settings
	if err := json.Unmarshal(raw, &out); err != nil {
		return Settings{}, fmt.Errorf("parsing settings %s: %w", s.path, err)
	}
	return out, nil
}

func (s *Store) Save(settings Settings) error {
	s.mx.Lock()
	defer s.mx.Unlock()

	raw, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	if err := fsx.WriteFileAtomic(s.path, raw, 0644); err != nil {
		return fmt.Errorf("writing settings %s: %w", s.path, err)
	}
	return nil
}

// CheckVersion reports whether the app version changed since the last
// launch and records the current one.
func (s *Store) CheckVersion(current string) (isNew bool, err error) {
	settings, err := s.Load()
	if err != nil {
		return false, err
	}
	isNew = settings.LastLaunchVersion != current
	if isNew {
		settings.LastLaunchVersion = current
		if err := s.Save(settings); err != nil {
			return false, err
		}
	}
	return isNew, nil
}
