package certlogs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/cache"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/fetch"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/logger"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

const crtshBody = `[
 {"issuer_name":"C=US, O=Let's Encrypt","common_name":"example.com","name_value":"example.com\nwww.example.com","serial_number":"01","not_before":"2024-01-01T00:00:00","not_after":"2024-04-01T00:00:00"},
 {"issuer_name":"C=US, O=Let's Encrypt","common_name":"example.com","name_value":"example.com\nwww.example.com","serial_number":"01"},
 {"issuer_name":"C=US, O=Let's Encrypt","common_name":"*.api.example.com","name_value":"*.api.example.com\nAdmin.Example.com\nops@example.com","serial_number":"02"},
 {"issuer_name":"x","common_name":"evil.com","name_value":"evil.com\nnotexample.com","serial_number":"03"}
]`

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	f := fetch.New(srv.Client(), fetch.WithCache(cache.NewMemory(), time.Minute))
	return NewClient(f, logger.Nop(), WithBaseURL(srv.URL+"/"))
}

func TestDiscoverSubdomains(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		assert.Equal(t, "%.example.com", r.URL.Query().Get("q"))
		assert.Equal(t, "json", r.URL.Query().Get("output"))
		w.Write([]byte(crtshBody))
	})

	names, err := c.DiscoverSubdomains(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin.example.com", "api.example.com", "example.com", "www.example.com"}, names)

	// second lookup is served from the cache
	_, err = c.DiscoverSubdomains(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestSearchDomainDeduplicates(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(crtshBody))
	})

	certs, err := c.SearchDomain(context.Background(), "example.com")
	require.NoError(t, err)
	assert.Len(t, certs, 3)
	assert.Equal(t, 2024, certs[0].NotBefore.Year())
	assert.Len(t, Wildcards(certs), 1)
}

func TestSearchDomainUnavailable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.SearchDomain(context.Background(), "example.com")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrSourceUnavailable)
}

func TestNamesFallsBackToCommonName(t *testing.T) {
	certs := []Certificate{{SubjectCN: "*.Shop.example.com", SANs: []string{""}}}
	assert.Equal(t, []string{"shop.example.com"}, Names(certs, "example.com"))
}
