package source

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	stateVersion  = 1
	stateFilename = "install-state.json"
)

// stateDoc is the on-disk shape. A version bump invalidates everything.
type stateDoc struct {
	Version int               `json:"version"`
	Sources map[string]string `json:"sources"`
}

// State caches a fingerprint per resolved source so unchanged sources skip
// re-fetch on the next run. Corrupted or version-mismatched files are
// silently replaced with fresh state.
type State struct {
	path string

	mu    sync.Mutex
	doc   stateDoc
	dirty bool
}

// LoadState reads the install state from dir. Loading never fails: a
// missing, unreadable or stale file simply yields empty state.
func LoadState(dir string) *State {
	s := &State{
		path: filepath.Join(dir, stateFilename),
		doc:  stateDoc{Version: stateVersion, Sources: map[string]string{}},
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return s
	}
	var doc stateDoc
	if err := json.Unmarshal(data, &doc); err != nil || doc.Version != stateVersion {
		s.dirty = true
		return s
	}
	if doc.Sources == nil {
		doc.Sources = map[string]string{}
	}
	s.doc = doc
	return s
}

// IsCurrent reports whether key is recorded with exactly fingerprint.
func (s *State) IsCurrent(key, fingerprint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Sources[key] == fingerprint && fingerprint != ""
}

// Mark records that key resolved with fingerprint.
func (s *State) Mark(key, fingerprint string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.Sources[key] == fingerprint {
		return
	}
	s.doc.Sources[key] = fingerprint
	s.dirty = true
}

// Invalidate drops the entry for key.
func (s *State) Invalidate(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.Sources[key]; !ok {
		return
	}
	delete(s.doc.Sources, key)
	s.dirty = true
}

// Clear drops every entry. Changes persist on the next Save.
func (s *State) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.doc.Sources) == 0 {
		return
	}
	s.doc.Sources = map[string]string{}
	s.dirty = true
}

// Len returns the number of recorded sources.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.doc.Sources)
}

// Save persists the state if it changed since load. The write is atomic:
// a temp file in the same directory is renamed over the target.
func (s *State) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("save install state: %w", err)
	}
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("save install state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".install-state-*.tmp")
	if err != nil {
		return fmt.Errorf("save install state: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("save install state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("save install state: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("save install state: %w", err)
	}
	s.dirty = false
	return nil
}

// Fingerprint hashes the identifying parts of a source into a stable
// "sha256:<hex>" string.
func Fingerprint(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("sha256:%x", h.Sum(nil))
}
