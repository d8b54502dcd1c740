package archive

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/fetch"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/logger"
)

func newTestScanner(t *testing.T, handler http.HandlerFunc) *WaybackScanner {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewWaybackScanner(fetch.New(srv.Client()), logger.Nop(), WithCDXURL(srv.URL+"/cdx"))
}

func TestURLs(t *testing.T) {
	w := newTestScanner(t, func(rw http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "*.example.com/*", r.URL.Query().Get("url"))
		assert.Equal(t, "text", r.URL.Query().Get("output"))
		rw.Write([]byte("https://example.com/a\n\nhttps://example.com/b?x=1\nhttps://example.com/a\n"))
	})

	urls, err := w.URLs(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/a", "https://example.com/b?x=1"}, urls)
}

func TestHosts(t *testing.T) {
	w := newTestScanner(t, func(rw http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "statuscode:200", r.URL.Query().Get("filter"))
		rw.Write([]byte(`[["original"],["https://WWW.example.com/x"],["http://api.example.com:8080/"],["example.com/robots.txt"],["https://example.com.evil.io/"],["https://www.example.com/y"]]`))
	})

	hosts, err := w.Hosts(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"api.example.com", "example.com", "www.example.com"}, hosts)
}

func TestHostsUpstreamError(t *testing.T) {
	w := newTestScanner(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := w.Hosts(context.Background(), "example.com")
	assert.Error(t, err)
}

func TestHasIgnoredExtension(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://example.com/logo.PNG", true},
		{"https://example.com/app.js?v=3", true},
		{"https://example.com/admin", false},
		{"https://example.com/backup.sql", false},
		{"https://example.com/", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			assert.Equal(t, tt.want, HasIgnoredExtension(tt.url, IgnoredExtensions))
		})
	}
}

func TestScriptURLs(t *testing.T) {
	got := ScriptURLs([]string{
		"https://example.com/static/app.js?v=1",
		"https://example.com/static/app.js?v=2",
		"https://example.com/index.html",
		"https://cdn.example.com/lib.JS",
	})
	assert.Equal(t, []string{"https://cdn.example.com/lib.JS", "https://example.com/static/app.js"}, got)
}
