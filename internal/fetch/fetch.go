// Package fetch is the content-fetch provider: url -> (status, headers,
// body). Transport failures become SourceUnavailable errors; HTTP error
// statuses are returned as normal responses.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/cache"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/config"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/httpclient"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/ratelimit"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

const defaultMaxBody = 10 << 20

type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r *Response) ContentType() string {
	return strings.ToLower(r.Header.Get("Content-Type"))
}

func (r *Response) Text() string { return string(r.Body) }

type Client struct {
	http     *http.Client
	cache    cache.Cache
	cacheTTL time.Duration
	maxBody  int64
	limiter  *ratelimit.Limiter
}

type Option func(*Client)

func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(cl *Client) {
		cl.cache = c
		cl.cacheTTL = ttl
	}
}

// WithLimiter paces every request through l, per target host.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

func WithMaxBody(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

func New(httpClient *http.Client, opts ...Option) *Client {
	if httpClient == nil {
		httpClient = httpclient.New(httpclient.DefaultConfig())
	}
	c := &Client{http: httpClient, cache: cache.Noop(), maxBody: defaultMaxBody}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FromConfig builds a client from the http section, rate limited per host.
func FromConfig(cfg config.HTTPConfig, opts ...Option) *Client {
	opts = append([]Option{
		WithMaxBody(cfg.MaxBodyBytes),
		WithLimiter(ratelimit.NewLimiter(ratelimit.FromConfig(cfg.RateLimit))),
	}, opts...)
	return New(httpclient.New(httpclient.FromConfig(cfg)), opts...)
}

func (c *Client) HTTP() *http.Client { return c.http }

func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	return c.do(ctx, http.MethodGet, rawURL, nil)
}

func (c *Client) do(ctx context.Context, method, rawURL string, header http.Header) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, types.Validation("fetch", fmt.Sprintf("bad url %q: %v", rawURL, err))
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if c.limiter != nil {
		if err := c.limiter.WaitForHost(ctx, req.URL.Host); err != nil {
			return nil, types.SourceUnavailable(method+" "+rawURL, err)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, types.SourceUnavailable(method+" "+rawURL, err)
	}
	defer httpclient.CloseBody(resp)

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody))
	if err != nil {
		return nil, types.SourceUnavailable("read "+rawURL, err)
	}
	return &Response{URL: rawURL, StatusCode: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// AllowedMethods sends OPTIONS and splits the Allow header. A transport
// failure or missing header yields nil.
func (c *Client) AllowedMethods(ctx context.Context, rawURL string) []string {
	resp, err := c.do(ctx, http.MethodOptions, rawURL, nil)
	if err != nil {
		return nil
	}
	allow := resp.Header.Get("Allow")
	if allow == "" {
		return nil
	}
	var methods []string
	for _, m := range strings.Split(allow, ",") {
		if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
			methods = append(methods, m)
		}
	}
	return methods
}

// GetText fetches a source document, such as a certificate log query or an
// archive index, through the cache. Only 200 responses are cached; any
// other status is a SourceUnavailable error.
func (c *Client) GetText(ctx context.Context, cacheKey, rawURL string) (string, error) {
	data, err := cache.Remember(ctx, c.cache, cacheKey, c.cacheTTL, func(ctx context.Context) ([]byte, error) {
		resp, err := c.Get(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, types.SourceUnavailable("GET "+rawURL, fmt.Errorf("status %d", resp.StatusCode))
		}
		return resp.Body, nil
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// GetJSON is GetText followed by a decode. A decode failure is a
// SourceUnavailable error since the provider answered with garbage.
func (c *Client) GetJSON(ctx context.Context, cacheKey, rawURL string, v any) error {
	text, err := c.GetText(ctx, cacheKey, rawURL)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(text), v); err != nil {
		return types.SourceUnavailable("decode "+rawURL, err)
	}
	return nil
}

// DetectType classifies a response by Content-Type. Unknown types are
// sniffed: JSON, markup, short text, else binary.
func DetectType(contentType string, body []byte) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "application/json"):
		return "json"
	case strings.Contains(ct, "text/html"):
		return "html"
	case strings.Contains(ct, "text/plain"):
		return "text"
	case strings.Contains(ct, "application/xml"), strings.Contains(ct, "text/xml"):
		return "xml"
	case strings.Contains(ct, "application/pdf"):
		return "pdf"
	case strings.HasPrefix(ct, "image/"):
		return "image"
	case strings.HasPrefix(ct, "audio/"):
		return "audio"
	case strings.HasPrefix(ct, "video/"):
		return "video"
	case strings.Contains(ct, "application/zip"):
		return "zip"
	case strings.Contains(ct, "application/octet-stream"):
		return "binary"
	}

	text := strings.TrimSpace(string(body))
	switch {
	case strings.HasPrefix(text, "{"), strings.HasPrefix(text, "["):
		return "json"
	case strings.HasPrefix(text, "<"):
		return "xml/html"
	case len(text) < 2000:
		return "text"
	}
	return "binary"
}
