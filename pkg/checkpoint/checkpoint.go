// Package checkpoint persists pipeline progress after every stage so an
// interrupted run can be resumed.
//
// A checkpoint is one JSON file per domain, <dir>/<domain_key>.json, written
// atomically with mode 0600. It records each stage's result and response
// payload. Resume loads it, skips stages that already succeeded and carries
// their payloads into the new report.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/artifacts"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

var ErrNotFound = errors.New("checkpoint not found")

type State struct {
	RunID     string    `json:"run_id"`
	Domain    string    `json:"domain"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Stages  []types.StageResult       `json:"stages"`
	Results map[string]map[string]any `json:"results,omitempty"`
	// Interrupted is set when the run stopped on a signal rather than
	// finishing.
	Interrupted bool `json:"interrupted"`
}

func (s *State) Validate() error {
	if s.RunID == "" {
		return fmt.Errorf("invalid checkpoint: empty run_id")
	}
	if s.Domain == "" {
		return fmt.Errorf("invalid checkpoint: empty domain")
	}
	if s.CreatedAt.IsZero() || s.UpdatedAt.IsZero() {
		return fmt.Errorf("invalid checkpoint: zero timestamp")
	}
	if s.UpdatedAt.Before(s.CreatedAt) {
		return fmt.Errorf("invalid checkpoint: updated_at before created_at")
	}
	seen := make(map[string]bool, len(s.Stages))
	for _, st := range s.Stages {
		if st.Name == "" {
			return fmt.Errorf("invalid checkpoint: stage without name")
		}
		if seen[st.Name] {
			return fmt.Errorf("invalid checkpoint: duplicate stage %q", st.Name)
		}
		seen[st.Name] = true
		if !st.Status.Terminal() {
			return fmt.Errorf("invalid checkpoint: stage %q has non-terminal status %q", st.Name, st.Status)
		}
	}
	return nil
}

// Record replaces or appends the result for one stage.
func (s *State) Record(result types.StageResult) {
	if result.Payload != nil {
		if s.Results == nil {
			s.Results = make(map[string]map[string]any)
		}
		s.Results[result.Name] = result.Payload
	}
	for i := range s.Stages {
		if s.Stages[i].Name == result.Name {
			s.Stages[i] = result
			return
		}
	}
	s.Stages = append(s.Stages, result)
}

// Succeeded returns the names of stages that finished successfully.
func (s *State) Succeeded() map[string]bool {
	done := make(map[string]bool)
	for _, st := range s.Stages {
		if st.Status == types.StageStatusSucceeded {
			done[st.Name] = true
		}
	}
	return done
}

// Result returns a stage's recorded result with its payload attached.
func (s *State) Result(name string) (types.StageResult, bool) {
	for _, st := range s.Stages {
		if st.Name == name {
			st.Payload = s.Results[name]
			return st, true
		}
	}
	return types.StageResult{}, false
}

type Manager struct {
	dir string
	now func() time.Time
}

// NewManager stores checkpoints in dir, or ~/.doomscope/checkpoints when
// dir is empty.
func NewManager(dir string) (*Manager, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(home, ".doomscope", "checkpoints")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &Manager{dir: dir, now: time.Now}, nil
}

func (m *Manager) Dir() string { return m.dir }

func (m *Manager) path(domain string) string {
	return filepath.Join(m.dir, artifacts.Key(domain)+".json")
}

func (m *Manager) Save(_ context.Context, state *State) error {
	if state.Domain == "" {
		return fmt.Errorf("checkpoint state must have a domain")
	}
	now := m.now()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	state.UpdatedAt = now

	if err := artifacts.WriteJSONFile(m.path(state.Domain), state, 0o600); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (m *Manager) Load(_ context.Context, domain string) (*State, error) {
	data, err := os.ReadFile(m.path(domain))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w for %s", ErrNotFound, domain)
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w (file may be corrupted)", err)
	}
	if err := state.Validate(); err != nil {
		return nil, fmt.Errorf("checkpoint validation failed: %w", err)
	}
	return &state, nil
}

// List returns every valid checkpoint, most recently updated first.
func (m *Manager) List(ctx context.Context) ([]State, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	var states []State
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.dir, name))
		if err != nil {
			continue
		}
		var st State
		if json.Unmarshal(data, &st) != nil || st.Validate() != nil {
			continue
		}
		states = append(states, st)
	}

	sort.Slice(states, func(i, j int) bool {
		return states[i].UpdatedAt.After(states[j].UpdatedAt)
	})
	return states, nil
}

func (m *Manager) Delete(_ context.Context, domain string) error {
	if err := os.Remove(m.path(domain)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w for %s", ErrNotFound, domain)
		}
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// CleanupOld removes checkpoints not updated within maxAge.
func (m *Manager) CleanupOld(ctx context.Context, maxAge time.Duration) (int, error) {
	states, err := m.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := m.now().Add(-maxAge)
	deleted := 0
	for _, st := range states {
		if st.UpdatedAt.Before(cutoff) && m.Delete(ctx, st.Domain) == nil {
			deleted++
		}
	}
	return deleted, nil
}
