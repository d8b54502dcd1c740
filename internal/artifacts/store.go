// Package artifacts reads and writes the per-stage JSON files that later
// stages consume.
package artifacts

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

// Key turns a domain into the file name stem used by every stage.
func Key(domain string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(domain)), ".", "_")
}

type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

func (s *Store) Root() string { return s.root }

// Path returns <root>/<stage>/<name>.
func (s *Store) Path(stage, name string) string {
	return filepath.Join(s.root, stage, name)
}

func (s *Store) Exists(stage, name string) bool {
	_, err := os.Stat(s.Path(stage, name))
	return err == nil
}

// WriteJSON atomically writes v as indented JSON and returns the path.
func (s *Store) WriteJSON(stage, name string, v any) (string, error) {
	path := s.Path(stage, name)
	if err := WriteJSONFile(path, v, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// ReadJSON decodes an artifact written by an earlier stage. A missing file
// or bad JSON is a MalformedArtifact error; a missing file still matches
// os.ErrNotExist.
func (s *Store) ReadJSON(stage, name string, v any) error {
	path := s.Path(stage, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return types.MalformedArtifact("read "+path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return types.MalformedArtifact("decode "+path, err)
	}
	return nil
}

func WriteJSONFile(path string, v any, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return WriteFileAtomic(path, data, perm)
}

// WriteFileAtomic writes data to a temp file in the target directory and
// renames it into place, so readers never see a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}
