// Package state persists starbar's per-repository watermarks, webhook
// secrets and recent events between runs.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/jsonc"

	"github.com/codeGROOVE-dev/starbar/pkg/stars"
)

// DefaultScanIntervalDays is written to new state files.
const DefaultScanIntervalDays = 7

// File is the on-disk document. Comments and trailing commas are tolerated
// when reading so the file can be annotated by hand.
type File struct {
	stars.Snapshot

	ScanIntervalDays int `json:"scan_interval_days"`
}

// Store reads and writes one state file. Saves are serialized.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore returns a store for path. Nothing is touched until Load or Save.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the state file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the state file. A missing file yields an empty state.
func (s *Store) Load() (*File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &File{
			Snapshot:         stars.Snapshot{Repos: map[string]stars.RepoState{}},
			ScanIntervalDays: DefaultScanIntervalDays,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state %s: %w", s.path, err)
	}

	var f File
	if err := json.Unmarshal(jsonc.ToJSON(data), &f); err != nil {
		return nil, fmt.Errorf("parsing state %s: %w", s.path, err)
	}
	if f.Repos == nil {
		f.Repos = map[string]stars.RepoState{}
	}
	if f.ScanIntervalDays <= 0 {
		f.ScanIntervalDays = DefaultScanIntervalDays
	}
	return &f, nil
}

// Save writes f atomically with owner-only permissions; the file holds
// webhook secrets.
func (s *Store) Save(f *File) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temporary state file: %w", err)
	}
	tmpPath := tmp.Name()
	discard := func() {
		tmp.Close()        //nolint:errcheck // already failing
		os.Remove(tmpPath) //nolint:errcheck // best effort
	}

	if err := tmp.Chmod(0o600); err != nil {
		discard()
		return fmt.Errorf("setting state file permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		discard()
		return fmt.Errorf("writing temporary state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		discard()
		return fmt.Errorf("syncing temporary state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath) //nolint:errcheck // best effort
		return fmt.Errorf("closing temporary state file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath) //nolint:errcheck // best effort
		return fmt.Errorf("renaming state file into place: %w", err)
	}
	return nil
}
