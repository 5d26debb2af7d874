// Package settings persists gateway state that must survive restarts —
// currently the set of API keys that were proven invalid, so future process
// starts can skip re-probing them.
//
// The store is a single JSON file written atomically (temp file + rename).
// A missing file is not an error: the store starts empty.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// fileState is the on-disk shape of the settings file.
type fileState struct {
	InvalidAPIKeys []string `json:"invalid_api_keys"`
}

// Store is a file-backed settings store. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	path    string
	invalid map[string]struct{}
}

// Open loads the settings file at path, creating an empty store if the file
// does not exist yet.
func Open(path string) (*Store, error) {
	s := &Store{
		path:    path,
		invalid: make(map[string]struct{}),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	}

	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("settings: parse %s: %w", path, err)
	}
	for _, k := range st.InvalidAPIKeys {
		if k != "" {
			s.invalid[k] = struct{}{}
		}
	}

	return s, nil
}

// InvalidKeys returns the persisted invalid-key set, sorted for determinism.
func (s *Store) InvalidKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.invalid))
	for k := range s.invalid {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsInvalid reports whether key is in the persisted invalid set.
func (s *Store) IsInvalid(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.invalid[key]
	return ok
}

// MarkInvalid merges key into the invalid set and saves the file. Marking a
// key that is already present is a no-op and skips the disk write.
func (s *Store) MarkInvalid(key string) error {
	if key == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.invalid[key]; ok {
		return nil
	}
	s.invalid[key] = struct{}{}

	return s.saveLocked()
}

// saveLocked writes the current state atomically. Caller holds s.mu.
func (s *Store) saveLocked() error {
	keys := make([]string, 0, len(s.invalid))
	for k := range s.invalid {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	data, err := json.MarshalIndent(fileState{InvalidAPIKeys: keys}, "", "  ")
	if err != nil {
		return fmt.Errorf("settings: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".settings-*.json")
	if err != nil {
		return fmt.Errorf("settings: temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("settings: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("settings: close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("settings: rename: %w", err)
	}

	return nil
}
