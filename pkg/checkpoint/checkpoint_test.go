package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "checkpoints"))
	require.NoError(t, err)
	return m
}

func TestSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	state := &State{RunID: "run-1", Domain: "example.com"}
	state.Record(types.StageResult{
		Name:    "subdomain_enum",
		Status:  types.StageStatusSucceeded,
		Payload: map[string]any{"total_subdomains": 3.0},
	})
	state.Record(types.StageResult{Name: "archived_contents", Status: types.StageStatusFailed, Error: "timeout"})
	require.NoError(t, m.Save(ctx, state))

	info, err := os.Stat(filepath.Join(m.Dir(), "example_com.json"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := m.Load(ctx, "example.com")
	require.NoError(t, err)
	assert.Equal(t, "run-1", loaded.RunID)
	assert.Len(t, loaded.Stages, 2)
	assert.Equal(t, map[string]bool{"subdomain_enum": true}, loaded.Succeeded())

	res, ok := loaded.Result("subdomain_enum")
	require.True(t, ok)
	assert.Equal(t, 3.0, res.Payload["total_subdomains"])
}

func TestRecordReplaces(t *testing.T) {
	s := &State{}
	s.Record(types.StageResult{Name: "js_analysis", Status: types.StageStatusFailed})
	s.Record(types.StageResult{Name: "js_analysis", Status: types.StageStatusSucceeded, Payload: map[string]any{"ok": true}})

	require.Len(t, s.Stages, 1)
	assert.Equal(t, types.StageStatusSucceeded, s.Stages[0].Status)
	assert.Equal(t, true, s.Results["js_analysis"]["ok"])
}

func TestLoadMissing(t *testing.T) {
	_, err := newTestManager(t).Load(context.Background(), "nothing.example")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadCorrupted(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, os.WriteFile(filepath.Join(m.Dir(), "bad_example.json"), []byte("{"), 0o600))

	_, err := m.Load(context.Background(), "bad.example")
	assert.ErrorContains(t, err, "corrupted")
}

func TestValidate(t *testing.T) {
	now := time.Now()
	valid := func() State {
		return State{RunID: "r", Domain: "example.com", CreatedAt: now, UpdatedAt: now}
	}

	tests := []struct {
		name   string
		mutate func(*State)
		ok     bool
	}{
		{"valid", func(*State) {}, true},
		{"no run id", func(s *State) { s.RunID = "" }, false},
		{"no domain", func(s *State) { s.Domain = "" }, false},
		{"zero time", func(s *State) { s.CreatedAt = time.Time{} }, false},
		{"time order", func(s *State) { s.UpdatedAt = now.Add(-time.Hour) }, false},
		{"running stage", func(s *State) {
			s.Stages = []types.StageResult{{Name: "x", Status: types.StageStatusRunning}}
		}, false},
		{"duplicate stage", func(s *State) {
			s.Stages = []types.StageResult{{Name: "x", Status: types.StageStatusFailed}, {Name: "x", Status: types.StageStatusFailed}}
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(&s)
			if tt.ok {
				assert.NoError(t, s.Validate())
			} else {
				assert.Error(t, s.Validate())
			}
		})
	}
}

func TestListAndCleanup(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }
	require.NoError(t, m.Save(ctx, &State{RunID: "old", Domain: "old.example"}))

	m.now = func() time.Time { return base.Add(10 * 24 * time.Hour) }
	require.NoError(t, m.Save(ctx, &State{RunID: "new", Domain: "new.example"}))

	states, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "new", states[0].RunID)

	deleted, err := m.CleanupOld(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = m.Load(ctx, "old.example")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.Delete(ctx, "old.example"), ErrNotFound)
}
