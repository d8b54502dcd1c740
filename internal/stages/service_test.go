package stages

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/artifacts"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/config"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/fanout"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/fetch"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/logger"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/retry"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/tools"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/validation"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/discovery/whois"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

// fakeRunner answers tool invocations from per-tool functions and records
// every call.
type fakeRunner struct {
	mu    sync.Mutex
	calls map[string][][]string
	fns   map[string]func(args []string) (tools.Output, error)
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		calls: make(map[string][][]string),
		fns:   make(map[string]func(args []string) (tools.Output, error)),
	}
}

func (r *fakeRunner) on(tool string, fn func(args []string) (tools.Output, error)) *fakeRunner {
	r.fns[tool] = fn
	return r
}

func (r *fakeRunner) Run(_ context.Context, tool tools.Tool, args ...string) (tools.Output, error) {
	r.mu.Lock()
	r.calls[tool.Name] = append(r.calls[tool.Name], args)
	fn := r.fns[tool.Name]
	r.mu.Unlock()
	if fn == nil {
		return tools.Output{}, fmt.Errorf("%s: executable file not found", tool.Binary)
	}
	return fn(args)
}

func (r *fakeRunner) count(tool string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls[tool])
}

// argAfter returns the value following flag in args.
func argAfter(args []string, flag string) string {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

type fakeArchive struct {
	urls []string
	err  error
}

func (a fakeArchive) URLs(context.Context, string) ([]string, error) { return a.urls, a.err }

type fakeWhois struct{}

func (fakeWhois) LookupDomain(_ context.Context, domain string) (*whois.WhoisResult, error) {
	return &whois.WhoisResult{Domain: domain, Registrar: "Example Registrar"}, nil
}

func newTestService(t *testing.T, mutate func(*Deps)) *Service {
	t.Helper()
	d := Deps{
		Store:  artifacts.NewStore(t.TempDir()),
		Fetch:  fetch.New(&http.Client{Timeout: 5 * time.Second}),
		Runner: newFakeRunner(),
		Fanout: fanout.Options{MaxConcurrency: 4, ItemTimeout: 5 * time.Second},
		Retry:  retry.Policy{Attempts: 2, Delay: time.Millisecond},
		Logger: logger.Nop(),
	}
	if mutate != nil {
		mutate(&d)
	}
	s, err := New(d)
	require.NoError(t, err)
	return s
}

func staticSource(name string, hosts []string, err error) HostSource {
	return HostSource{Name: name, Hosts: func(context.Context, string) ([]string, error) { return hosts, err }}
}

func TestNewRequiresStoreAndFetch(t *testing.T) {
	_, err := New(Deps{Fetch: fetch.New(nil)})
	assert.Error(t, err)

	_, err = New(Deps{Store: artifacts.NewStore(t.TempDir())})
	assert.Error(t, err)
}

func TestNames(t *testing.T) {
	s := newTestService(t, nil)

	names := s.Names()
	assert.Len(t, names, len(config.DefaultStages()))
	for _, stage := range config.DefaultStages() {
		_, ok := s.Handler(stage.Name)
		assert.True(t, ok, stage.Name)
	}
}

func TestRunValidation(t *testing.T) {
	s := newTestService(t, nil)
	ctx := context.Background()

	tests := []struct {
		name  string
		stage string
		req   Request
	}{
		{"unknown stage", "nope", Request{Domain: "example.com"}},
		{"empty domain", SubdomainEnum, Request{}},
		{"ip address", SubdomainEnum, Request{Domain: "10.0.0.1"}},
		{"internal name", SubdomainEnum, Request{Domain: "intranet.local"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Run(ctx, tt.stage, tt.req)
			assert.ErrorIs(t, err, types.ErrValidation)
		})
	}
}

func TestSubdomainEnum(t *testing.T) {
	s := newTestService(t, func(d *Deps) {
		d.HostSources = []HostSource{
			staticSource("alpha", []string{"www.example.com", "API.Example.com.", "evil.com"}, nil),
			staticSource("beta", []string{"www.example.com", "dev.example.com"}, errors.New("rate limited")),
		}
		d.Whois = fakeWhois{}
	})

	out, err := s.Run(context.Background(), SubdomainEnum, Request{Domain: "https://Example.com/"})
	require.NoError(t, err)
	resp := out.(SubdomainResponse)

	assert.Equal(t, "example.com", resp.Domain)
	assert.Equal(t, 3, resp.TotalSubdomains)
	assert.Equal(t, []string{"alpha", "beta"}, resp.Sources)
	assert.Equal(t, []string{"alpha", "beta"}, resp.Subdomains["www.example.com"].Sources)
	assert.Equal(t, []string{"alpha"}, resp.Subdomains["api.example.com"].Sources)
	assert.Equal(t, []string{"beta"}, resp.Subdomains["dev.example.com"].Sources, "partial answers count")
	assert.NotContains(t, resp.Subdomains, "evil.com")
	assert.Contains(t, resp.SourceErrors["beta"], "rate limited")
	require.NotNil(t, resp.Whois)
	assert.Equal(t, "Example Registrar", resp.Whois.Registrar)

	assert.FileExists(t, resp.Artifact)
	assert.Equal(t, "example_com.json", filepath.Base(resp.Artifact))

	hosts, err := s.subdomainHosts("example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"api.example.com", "dev.example.com", "www.example.com"}, hosts)
}

func TestSubdomainEnumScope(t *testing.T) {
	scopePath := filepath.Join(t.TempDir(), "scope.txt")
	require.NoError(t, os.WriteFile(scopePath, []byte("*.example.com\n[out-of-scope]\ndev.example.com\n"), 0o644))
	scope, err := validation.LoadScopeFile(scopePath)
	require.NoError(t, err)

	s := newTestService(t, func(d *Deps) {
		d.HostSources = []HostSource{
			staticSource("alpha", []string{"www.example.com", "dev.example.com", "a.dev.example.com"}, nil),
		}
		d.Scope = scope
	})

	out, err := s.Run(context.Background(), SubdomainEnum, Request{Domain: "example.com"})
	require.NoError(t, err)
	resp := out.(SubdomainResponse)

	assert.Equal(t, []string{"a.dev.example.com", "dev.example.com"}, resp.OutOfScope)
	assert.Contains(t, resp.Subdomains, "example.com", "the root target is kept")
	assert.Contains(t, resp.Subdomains, "www.example.com")
	assert.Equal(t, 2, resp.TotalSubdomains)

	hosts, err := s.subdomainHosts("example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"example.com", "www.example.com"}, hosts, "root first")
}

func TestSublist3rSource(t *testing.T) {
	runner := newFakeRunner().on(tools.Sublist3r, func(args []string) (tools.Output, error) {
		assert.Equal(t, "example.com", argAfter(args, "-d"))
		return tools.Output{Stdout: "\x1b[92m[-] Total Unique Subdomains Found: 2\x1b[0m\nmail.example.com\nWWW.example.com\n"}, nil
	})
	src := Sublist3rSource(runner, tools.Tool{Name: tools.Sublist3r, Binary: "sublist3r"})

	hosts, err := src.Hosts(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"mail.example.com", "www.example.com"}, hosts)
}

func TestInvoke(t *testing.T) {
	s := newTestService(t, func(d *Deps) {
		d.HostSources = []HostSource{staticSource("alpha", []string{"www.example.com"}, nil)}
	})

	out, err := s.Invoke(context.Background(), config.StageConfig{Name: SubdomainEnum}, "example.com")
	require.NoError(t, err)
	assert.Equal(t, float64(1), out["total_subdomains"])
	assert.True(t, strings.HasSuffix(out["artifact"].(string), "example_com.json"))
}

func TestMissingArtifact(t *testing.T) {
	s := newTestService(t, nil)

	for _, stage := range []string{DirectorySearch, SensitivePathEnum, SecretParameters, TechFingerprinting} {
		t.Run(stage, func(t *testing.T) {
			_, err := s.Run(context.Background(), stage, Request{Domain: "example.com"})
			require.Error(t, err)
			if stage != TechFingerprinting {
				assert.ErrorIs(t, err, types.ErrMalformedArtifact)
				assert.ErrorIs(t, err, os.ErrNotExist)
			}
		})
	}
}

func TestCorruptArtifact(t *testing.T) {
	s := newTestService(t, nil)
	path := s.store.Path(SubdomainEnum, artifactName("example.com"))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := s.Run(context.Background(), DirectorySearch, Request{Domain: "example.com"})
	assert.ErrorIs(t, err, types.ErrMalformedArtifact)
	assert.NotErrorIs(t, err, os.ErrNotExist)
}

func TestIsStatic(t *testing.T) {
	tests := map[string]bool{
		"https://example.com/app.js":       true,
		"https://example.com/robots.txt":   true,
		"https://example.com/sitemap.xml":  true,
		"https://example.com/LOGO.PNG":     true,
		"https://example.com/admin":        false,
		"https://example.com/api/v1/users": false,
	}
	for u, want := range tests {
		assert.Equal(t, want, isStatic(u), u)
	}
}
