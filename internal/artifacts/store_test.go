package artifacts

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "example_com", Key("example.com"))
	assert.Equal(t, "api_example_co_uk", Key(" API.Example.co.uk "))
}

func TestStoreRoundTrip(t *testing.T) {
	s := NewStore(t.TempDir())

	type doc struct {
		Domain string   `json:"domain"`
		Hosts  []string `json:"hosts"`
	}
	in := doc{Domain: "example.com", Hosts: []string{"a.example.com"}}

	path, err := s.WriteJSON("subdomain_enum", "example_com_subdomains.json", in)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(s.Root(), "subdomain_enum", "example_com_subdomains.json"), path)
	assert.True(t, s.Exists("subdomain_enum", "example_com_subdomains.json"))

	var out doc
	require.NoError(t, s.ReadJSON("subdomain_enum", "example_com_subdomains.json", &out))
	assert.Equal(t, in, out)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestReadJSONErrors(t *testing.T) {
	s := NewStore(t.TempDir())

	var v map[string]any
	err := s.ReadJSON("secret_parameters", "missing.json", &v)
	assert.ErrorIs(t, err, types.ErrMalformedArtifact)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	require.NoError(t, WriteFileAtomic(s.Path("secret_parameters", "bad.json"), []byte("{not json"), 0o644))
	err = s.ReadJSON("secret_parameters", "bad.json", &v)
	assert.ErrorIs(t, err, types.ErrMalformedArtifact)
	assert.False(t, errors.Is(err, os.ErrNotExist))
}

func TestWriteFileAtomicPerm(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	require.NoError(t, WriteFileAtomic(path, []byte("{}"), 0o600))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, WriteFileAtomic(path, []byte(`{"v":2}`), 0o600))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(data))
}
