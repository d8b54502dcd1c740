// Package httpclient builds the HTTP clients used for content fetches and
// stage calls.
package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/config"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/ratelimit"
)

type ClientConfig struct {
	Timeout            time.Duration
	UserAgent          string
	InsecureSkipVerify bool
	FollowRedirects    bool
	MaxRedirects       int
	// BlockPrivate refuses connections to loopback, private and link-local
	// addresses, including after redirects.
	BlockPrivate bool
	Limiter      *ratelimit.Limiter
}

func DefaultConfig() ClientConfig {
	return ClientConfig{
		Timeout:         30 * time.Second,
		UserAgent:       "doomscope/1.0",
		FollowRedirects: true,
		MaxRedirects:    10,
	}
}

// FromConfig maps the http section onto a ClientConfig with a shared
// per-host limiter.
func FromConfig(cfg config.HTTPConfig) ClientConfig {
	c := DefaultConfig()
	if cfg.Timeout > 0 {
		c.Timeout = cfg.Timeout
	}
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.InsecureSkipVerify = cfg.InsecureSkipVerify
	c.Limiter = ratelimit.NewLimiter(ratelimit.FromConfig(cfg.RateLimit))
	return c
}

func New(cfg ClientConfig) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cfg.BlockPrivate {
				if err := checkAddress(ctx, addr); err != nil {
					return nil, err
				}
			}
			return dialer.DialContext(ctx, network, addr)
		},
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // recon targets often have broken certificates
		},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	client := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: &roundTripper{next: transport, userAgent: cfg.UserAgent, limiter: cfg.Limiter},
	}

	switch {
	case !cfg.FollowRedirects:
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	case cfg.MaxRedirects > 0:
		client.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
			}
			return nil
		}
	}
	return client
}

// roundTripper sets the User-Agent and waits on the limiter for the
// request host.
type roundTripper struct {
	next      http.RoundTripper
	userAgent string
	limiter   *ratelimit.Limiter
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if rt.limiter != nil {
		if err := rt.limiter.WaitForHost(req.Context(), req.URL.Hostname()); err != nil {
			return nil, err
		}
	}
	if rt.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", rt.userAgent)
	}
	return rt.next.RoundTrip(req)
}

func checkAddress(ctx context.Context, addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if IsPrivateIP(ip.IP) {
			return fmt.Errorf("blocked private address %s (%s)", ip.IP, host)
		}
	}
	return nil
}

func IsPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// CloseBody drains and closes resp.Body so the connection can be reused.
func CloseBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
