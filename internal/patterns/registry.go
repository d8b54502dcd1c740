// Package patterns matches a registry of secret and leak signatures
// against text and returns labeled, deduplicated findings.
package patterns

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

// Signature is one registry entry. Field names follow the patterns file
// format: [{"name", "regex", "severity", "description"}].
type Signature struct {
	Label       string         `json:"name" yaml:"name"`
	Pattern     string         `json:"regex" yaml:"regex"`
	Severity    types.Severity `json:"severity" yaml:"severity"`
	Description string         `json:"description" yaml:"description"`
}

type compiled struct {
	Signature
	re *regexp.Regexp
}

// Registry is an ordered, compiled signature set. Order matters: it breaks
// severity ties in Highest.
type Registry struct {
	entries []compiled
}

// NewRegistry compiles every signature case-insensitively with . matching
// newlines, so multi-line secrets such as PEM blocks are found.
func NewRegistry(sigs []Signature) (*Registry, error) {
	r := &Registry{entries: make([]compiled, 0, len(sigs))}
	seen := make(map[string]bool, len(sigs))

	for _, s := range sigs {
		if s.Label == "" {
			return nil, fmt.Errorf("signature with pattern %q has no name", s.Pattern)
		}
		if seen[s.Label] {
			return nil, fmt.Errorf("duplicate signature %q", s.Label)
		}
		seen[s.Label] = true

		re, err := regexp.Compile("(?is)" + s.Pattern)
		if err != nil {
			return nil, fmt.Errorf("signature %q: %w", s.Label, err)
		}
		s.Severity = types.ParseSeverity(string(s.Severity))
		r.entries = append(r.entries, compiled{Signature: s, re: re})
	}
	return r, nil
}

func MustRegistry(sigs []Signature) *Registry {
	r, err := NewRegistry(sigs)
	if err != nil {
		panic(err)
	}
	return r
}

// LoadFile reads a JSON or YAML list of signatures.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var sigs []Signature
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &sigs)
	default:
		err = json.Unmarshal(data, &sigs)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return NewRegistry(sigs)
}

func (r *Registry) Len() int { return len(r.entries) }

func (r *Registry) Labels() []string {
	labels := make([]string, len(r.entries))
	for i, e := range r.entries {
		labels[i] = e.Label
	}
	return labels
}
