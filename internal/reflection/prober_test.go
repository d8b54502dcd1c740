package reflection

import (
	"context"
	"errors"
	"net/url"
	"regexp"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/fanout"
)

type echoRenderer struct {
	mu    sync.Mutex
	seen  []string
	param string
	text  bool
}

// Render echoes the injected parameter value, either in an attribute or as
// visible text.
func (r *echoRenderer) Render(_ context.Context, rawURL string) (string, error) {
	r.mu.Lock()
	r.seen = append(r.seen, rawURL)
	r.mu.Unlock()

	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	v := u.Query().Get(r.param)
	if r.text {
		return "<html><body><p>You searched for " + v + "</p></body></html>", nil
	}
	return `<html><body><input value="` + v + `"></body></html>`, nil
}

type staticRenderer struct {
	markup string
	err    error
}

func (r staticRenderer) Render(context.Context, string) (string, error) { return r.markup, r.err }

func TestNewMarker(t *testing.T) {
	re := regexp.MustCompile(`^MK_[a-z0-9]{12}$`)
	seen := map[string]bool{}
	for range 1000 {
		m := NewMarker()
		assert.Regexp(t, re, m)
		assert.False(t, seen[m], "marker reused: %s", m)
		seen[m] = true
	}
}

func TestInject(t *testing.T) {
	tests := []struct {
		name  string
		url   string
		param string
		want  string
	}{
		{"replace existing", "https://example.com/s?q=old&page=2", "q", "https://example.com/s?q=MK_x&page=2"},
		{"append missing", "https://example.com/s?page=2", "q", "https://example.com/s?page=2&q=MK_x"},
		{"no query", "https://example.com/s", "q", "https://example.com/s?q=MK_x"},
		{"drop duplicates", "https://example.com/s?q=1&a=b&q=2", "q", "https://example.com/s?q=MK_x&a=b"},
		{"keep other encoding", "https://example.com/s?next=%2Fhome%3Fa%3D1&q=x", "q", "https://example.com/s?next=%2Fhome%3Fa%3D1&q=MK_x"},
		{"valueless pair kept", "https://example.com/s?debug&q=x", "q", "https://example.com/s?debug&q=MK_x"},
		{"escaped key", "https://example.com/s?user%5Bname%5D=bob", "user[name]", "https://example.com/s?user%5Bname%5D=MK_x"},
		{"fragment kept", "https://example.com/s?q=1#top", "q", "https://example.com/s?q=MK_x#top"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Inject(tt.url, tt.param, "MK_x")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Inject("https://example.com/", "", "MK_x")
	assert.Error(t, err)
	_, err = Inject("http://[::1", "q", "MK_x")
	assert.Error(t, err)
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name   string
		markup string
		want   bool
	}{
		{"raw attribute", `<a href="/x?MK_abc">x</a>`, true},
		{"split across elements", `<p>MK_<b>abc</b></p>`, false},
		{"entity encoded in text", `<p>MK&#95;abc</p>`, true},
		{"absent", `<p>nothing</p>`, false},
		{"empty", ``, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Detect(tt.markup, "MK_abc"))
		})
	}
}

func TestProbe(t *testing.T) {
	ctx := context.Background()

	t.Run("reflected in attribute", func(t *testing.T) {
		r := &echoRenderer{param: "q"}
		res := NewProber(r, nil).Probe(ctx, "https://example.com/search?q=a&lang=en", "q")

		assert.True(t, res.Reflected)
		assert.Empty(t, res.Error)
		assert.Contains(t, res.TestedURL, "q="+res.Marker)
		assert.Contains(t, res.TestedURL, "lang=en")
		assert.Equal(t, "https://example.com/search?q=a&lang=en", res.URL)
	})

	t.Run("reflected in text", func(t *testing.T) {
		r := &echoRenderer{param: "q", text: true}
		res := NewProber(r, nil).Probe(ctx, "https://example.com/search", "q")
		assert.True(t, res.Reflected)
	})

	t.Run("not reflected", func(t *testing.T) {
		res := NewProber(staticRenderer{markup: "<p>hello</p>"}, nil).Probe(ctx, "https://example.com/", "q")
		assert.False(t, res.Reflected)
		assert.Empty(t, res.Error)
	})

	t.Run("render error is a result", func(t *testing.T) {
		res := NewProber(staticRenderer{err: errors.New("net::ERR_CONNECTION_REFUSED")}, nil).Probe(ctx, "https://example.com/", "q")
		assert.False(t, res.Reflected)
		assert.Contains(t, res.Error, "ERR_CONNECTION_REFUSED")
		assert.NotEmpty(t, res.Marker)
	})

	t.Run("bad url is a result", func(t *testing.T) {
		res := NewProber(staticRenderer{}, nil).Probe(ctx, "http://[::1", "q")
		assert.False(t, res.Reflected)
		assert.NotEmpty(t, res.Error)
	})

	t.Run("same pair gets distinct markers", func(t *testing.T) {
		p := NewProber(&echoRenderer{param: "q"}, nil)
		a := p.Probe(ctx, "https://example.com/s", "q")
		b := p.Probe(ctx, "https://example.com/s", "q")
		assert.NotEqual(t, a.Marker, b.Marker)
		assert.NotEqual(t, a.TestedURL, b.TestedURL)
	})
}

func TestProbeAll(t *testing.T) {
	r := &echoRenderer{param: "id"}
	targets := []Target{
		{URL: "https://a.example.com/item", Parameters: []string{"id", "q"}},
		{URL: "https://b.example.com/view", Parameters: []string{"id", ""}},
	}

	results := NewProber(r, nil).ProbeAll(context.Background(), targets, fanout.Options{MaxConcurrency: 2})
	require.Len(t, results, 3)

	assert.Equal(t, "id", results[0].Parameter)
	assert.True(t, results[0].Reflected)
	assert.Equal(t, "q", results[1].Parameter)
	assert.False(t, results[1].Reflected)
	assert.Equal(t, "https://b.example.com/view", results[2].URL)
	assert.True(t, results[2].Reflected)
	assert.Len(t, r.seen, 3)
}
