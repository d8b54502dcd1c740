// Package render is the page-render provider: url -> fully rendered
// markup. Chrome runs pages in a shared headless browser; HTTP returns the
// raw response body for when no browser is available.
package render

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/config"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/fetch"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/logger"
)

type Renderer interface {
	Render(ctx context.Context, rawURL string) (string, error)
	Close() error
}

// New returns a Chrome renderer when the browser is enabled and an HTTP
// renderer otherwise. A browser that fails to start falls back to HTTP.
func New(ctx context.Context, cfg config.BrowserConfig, fetcher *fetch.Client, log *logger.Logger) Renderer {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.Enabled {
		chrome, err := NewChrome(ctx, cfg, log)
		if err == nil {
			return chrome
		}
		log.Warnw("Headless browser unavailable, rendering over plain HTTP", "error", err)
	}
	return NewHTTP(fetcher)
}

type Chrome struct {
	cfg           config.BrowserConfig
	logger        *logger.Logger
	browserCtx    context.Context
	cancelAlloc   context.CancelFunc
	cancelBrowser context.CancelFunc
}

func NewChrome(ctx context.Context, cfg config.BrowserConfig, log *logger.Logger) (*Chrome, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ViewportWidth <= 0 || cfg.ViewportHeight <= 0 {
		cfg.ViewportWidth, cfg.ViewportHeight = 1920, 1080
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("blink-settings", "imagesEnabled=false"),
		chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.WithoutCancel(ctx), opts...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)

	// The first Run launches the browser process.
	if err := chromedp.Run(browserCtx); err != nil {
		cancelBrowser()
		cancelAlloc()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	return &Chrome{
		cfg:           cfg,
		logger:        log.WithComponent("render"),
		browserCtx:    browserCtx,
		cancelAlloc:   cancelAlloc,
		cancelBrowser: cancelBrowser,
	}, nil
}

// Render opens url in a new tab, waits for scripts to settle and returns the
// document's outer HTML. The tab is closed when Render returns or ctx ends.
func (c *Chrome) Render(ctx context.Context, rawURL string) (string, error) {
	tabCtx, cancelTab := chromedp.NewContext(c.browserCtx)
	defer cancelTab()
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	tabCtx, cancel := context.WithTimeout(tabCtx, c.cfg.Timeout)
	defer cancel()

	var markup string
	start := time.Now()
	err := chromedp.Run(tabCtx,
		network.Enable(),
		chromedp.Navigate(rawURL),
		chromedp.Sleep(c.cfg.Wait),
		chromedp.OuterHTML("html", &markup, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("render %s: %w", rawURL, err)
	}

	c.logger.Debugw("Rendered page", "url", rawURL, "bytes", len(markup), "duration_ms", time.Since(start).Milliseconds())
	return markup, nil
}

func (c *Chrome) Close() error {
	c.cancelBrowser()
	c.cancelAlloc()
	return nil
}

// HTTP renders by fetching the raw document. Script-built content is not
// seen.
type HTTP struct {
	fetcher *fetch.Client
}

func NewHTTP(fetcher *fetch.Client) *HTTP {
	if fetcher == nil {
		fetcher = fetch.New(nil)
	}
	return &HTTP{fetcher: fetcher}
}

func (h *HTTP) Render(ctx context.Context, rawURL string) (string, error) {
	resp, err := h.fetcher.Get(ctx, rawURL)
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return resp.Text(), fmt.Errorf("render %s: status %d", rawURL, resp.StatusCode)
	}
	return resp.Text(), nil
}

func (h *HTTP) Close() error { return nil }
