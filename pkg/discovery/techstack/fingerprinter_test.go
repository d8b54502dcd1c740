package techstack

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/fetch"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/logger"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/discovery/favicon"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

func newFingerprinter(t *testing.T, client *http.Client) *TechFingerprinter {
	t.Helper()
	f := fetch.New(client)
	tf, err := NewTechFingerprinter(f, favicon.NewHasher(f, nil, logger.Nop()), logger.Nop())
	require.NoError(t, err)
	return tf
}

func TestAnalyze(t *testing.T) {
	tf := newFingerprinter(t, http.DefaultClient)

	header := http.Header{"Server": []string{"nginx"}}
	techs, title := tf.Analyze(header, []byte("<html><head><title> Welcome </title></head><body></body></html>"))
	assert.Contains(t, techs, "Nginx")
	assert.Equal(t, "Welcome", title)
}

func TestFingerprintHostFallsBackToHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/favicon.ico" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Server", "nginx")
		w.Write([]byte("<html><title>Home</title></html>"))
	}))
	defer srv.Close()

	host := strings.TrimPrefix(srv.URL, "http://")
	res, err := newFingerprinter(t, srv.Client()).FingerprintHost(context.Background(), host)
	require.NoError(t, err)
	assert.Equal(t, "http://"+host, res.URL)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "nginx", res.Server)
	assert.Equal(t, "Home", res.Title)
	assert.Nil(t, res.Favicon)
}

func TestFingerprintHostUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	host := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	_, err := newFingerprinter(t, http.DefaultClient).FingerprintHost(context.Background(), host)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrSourceUnavailable)
}

func TestMergeFavicon(t *testing.T) {
	fav := &favicon.HashResult{Technologies: []favicon.TechnologyEntry{{Name: "nginx"}, {Name: "Grafana"}}}
	assert.Equal(t, []string{"Grafana", "Nginx"}, mergeFavicon([]string{"Nginx"}, fav))
}
