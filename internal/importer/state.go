package importer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultStatePath is where run progress is kept between invocations.
const DefaultStatePath = "~/.archivist/import-state.json"

// RootProgress is the last committed position of one source root.
type RootProgress struct {
	Source          string    `json:"source"`
	Root            string    `json:"root"`
	RunID           string    `json:"run_id"`
	Committed       int64     `json:"committed"`
	Imported        int       `json:"imported"`
	Duplicates      int       `json:"duplicates"`
	LastCommittedAt time.Time `json:"last_committed_at"`
	Done            bool      `json:"done"`
	LastError       string    `json:"last_error,omitempty"`
}

// RunState tracks progress for resumable imports, keyed by source and root.
type RunState struct {
	UpdatedAt time.Time                `json:"updated_at"`
	Roots     map[string]*RootProgress `json:"roots"`

	mu   sync.Mutex
	path string // not serialized
}

// LoadState loads the run state from path, or starts an empty one.
func LoadState(path string) (*RunState, error) {
	p := expandHome(path)

	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return &RunState{Roots: map[string]*RootProgress{}, path: p}, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	var s RunState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	if s.Roots == nil {
		s.Roots = map[string]*RootProgress{}
	}
	s.path = p
	return &s, nil
}

// Path returns the file the state is saved to.
func (s *RunState) Path() string { return s.path }

// Save persists the state to disk.
func (s *RunState) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpdatedAt = time.Now().UTC()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return os.Rename(tmp, s.path)
}

// Committed returns the committed offset recorded for source and root.
func (s *RunState) Committed(source, root string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.Roots[stateKey(source, root)]; ok {
		return p.Committed
	}
	return 0
}

// Update records the latest progress of a root.
func (s *RunState) Update(p RootProgress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Roots[stateKey(p.Source, p.Root)] = &p
}

func stateKey(source, root string) string {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return source + "|" + root
}

func expandHome(path string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
