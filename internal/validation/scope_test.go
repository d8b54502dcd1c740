package validation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScope(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scope.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadScopeFile(t *testing.T) {
	path := writeScope(t, `# program scope
example.com
*.api.example.net
203.0.113.0/24
not a host

[out-of-scope]
legacy.example.com
203.0.113.7
`)

	scope, err := LoadScopeFile(path)
	require.NoError(t, err)
	assert.Len(t, scope.InScope, 3)
	assert.Len(t, scope.OutOfScope, 2)

	tests := []struct {
		host string
		want bool
	}{
		{"example.com", true},
		{"WWW.Example.com.", true},
		{"legacy.example.com", false},
		{"v1.legacy.example.com", false},
		{"api.example.net", false},
		{"v2.api.example.net", true},
		{"203.0.113.9", true},
		{"203.0.113.7", false},
		{"example.org", false},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			assert.Equal(t, tt.want, scope.IsInScope(tt.host))
		})
	}
}

func TestScopeFilter(t *testing.T) {
	scope, err := LoadScopeFile(writeScope(t, "[out-of-scope]\nstaging.example.com\n"))
	require.NoError(t, err)

	kept, dropped := scope.Filter([]string{"www.example.com", "staging.example.com", "api.example.com"})
	assert.Equal(t, []string{"www.example.com", "api.example.com"}, kept)
	assert.Equal(t, []string{"staging.example.com"}, dropped)

	var none *ScopeFile
	assert.True(t, none.IsInScope("anything.example.com"))
}

func TestLoadScopeFileMissing(t *testing.T) {
	_, err := LoadScopeFile(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
