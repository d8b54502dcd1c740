package stages

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/tools"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

const gitConfigFinding = `{"template-id":"git-config","info":{"name":"Git Config Disclosure","tags":["config","exposure"],"severity":"medium"},"type":"http","host":"https://a.example.com","matched-at":"https://a.example.com/.git/config"}`

// nucleiFake writes JSON lines for a.example.com, prints console output for
// b.example.com and fails for anything else.
func nucleiFake(args []string) (tools.Output, error) {
	switch argAfter(args, "-u") {
	case "https://a.example.com":
		if err := os.WriteFile(argAfter(args, "-o"), []byte(gitConfigFinding+"\n"), 0o644); err != nil {
			return tools.Output{}, err
		}
		return tools.Output{}, nil
	case "https://b.example.com":
		return tools.Output{Stdout: `[CVE-2021-41773] [http] [critical] https://b.example.com/cgi-bin/.%2e/ ["root:x:0:0"]` + "\n"}, nil
	default:
		return tools.Output{}, errors.New("exit status 2")
	}
}

func TestBasicSecurityScan(t *testing.T) {
	runner := newFakeRunner().on(tools.Nuclei, nucleiFake)
	s := newTestService(t, func(d *Deps) {
		d.Runner = runner
		d.HostSources = []HostSource{staticSource("alpha", []string{"a.example.com", "b.example.com", "c.example.com"}, nil)}
	})
	mustRun(t, s, SubdomainEnum)

	resp := mustRun(t, s, BasicSecurityScan).(NucleiResponse)
	assert.Equal(t, 3, resp.TotalSubdomains)
	assert.Equal(t, 2, resp.TotalFindings)
	require.Len(t, resp.Results, 3)

	a := resp.Results[0]
	assert.Equal(t, "a.example.com", a.Host)
	require.Len(t, a.Findings, 1)
	assert.Equal(t, "git config", a.Findings[0].ID)
	assert.Equal(t, types.SeverityMedium, a.Findings[0].Severity)
	assert.Equal(t, "information_disclosure", a.Findings[0].Type)
	assert.FileExists(t, a.RawOutputFile)

	b := resp.Results[1]
	require.Len(t, b.Findings, 1)
	assert.Equal(t, "CVE-2021-41773", b.Findings[0].ID)
	assert.Equal(t, types.SeverityCritical, b.Findings[0].Severity)
	assert.Equal(t, []string{"root:x:0:0"}, b.Findings[0].Extracted)
	assert.Empty(t, b.RawOutputFile)

	c := resp.Results[2]
	assert.Contains(t, c.Error, "exit status 2")
	assert.NotNil(t, c.Findings)

	for _, args := range runner.calls[tools.Nuclei] {
		assert.True(t, slices.Contains(args, "http/cves/"), "default templates are used")
	}
	assert.Equal(t, filepath.Join(s.store.Root(), BasicSecurityScan, "example_com.json"), resp.Artifact)
}

func TestBasicSecurityScanTemplates(t *testing.T) {
	runner := newFakeRunner().on(tools.Nuclei, nucleiFake)
	s := newTestService(t, func(d *Deps) {
		d.Runner = runner
		d.NucleiTemplates = []string{"custom/"}
	})

	out, err := s.Run(context.Background(), BasicSecurityScan, Request{Subdomains: []string{"a.example.com"}})
	require.NoError(t, err)
	assert.Equal(t, 1, out.(NucleiResponse).TotalFindings)
	require.Equal(t, 1, runner.count(tools.Nuclei))
	args := runner.calls[tools.Nuclei][0]
	assert.Equal(t, "custom/", argAfter(args, "-t"))
	assert.NotContains(t, args, "http/cves/")
}

func TestSavedArtifactOmitsPath(t *testing.T) {
	runner := newFakeRunner().on(tools.Nuclei, nucleiFake)
	s := newTestService(t, func(d *Deps) { d.Runner = runner })

	out, err := s.Run(context.Background(), BasicSecurityScan, Request{Domain: "example.com", Subdomains: []string{"a.example.com"}})
	require.NoError(t, err)
	resp := out.(NucleiResponse)
	require.NotEmpty(t, resp.Artifact)

	data, err := os.ReadFile(resp.Artifact)
	require.NoError(t, err)
	var onDisk map[string]any
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.NotContains(t, onDisk, "artifact")
	assert.Equal(t, "example.com", onDisk["domain"])
}
