package techstack

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	wappalyzer "github.com/projectdiscovery/wappalyzergo"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/fetch"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/logger"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/discovery/favicon"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

// HostResult is the fingerprint of one live host.
type HostResult struct {
	Host         string              `json:"host"`
	URL          string              `json:"url"`
	StatusCode   int                 `json:"status_code"`
	Title        string              `json:"title,omitempty"`
	Server       string              `json:"server,omitempty"`
	Technologies []string            `json:"technologies"`
	Favicon      *favicon.HashResult `json:"favicon,omitempty"`
}

// TechFingerprinter identifies technology stacks from headers, markup and
// favicon hashes.
type TechFingerprinter struct {
	wapp     *wappalyzer.Wappalyze
	fetch    *fetch.Client
	favicons *favicon.FaviconHasher
	logger   *logger.Logger
}

func NewTechFingerprinter(f *fetch.Client, favicons *favicon.FaviconHasher, log *logger.Logger) (*TechFingerprinter, error) {
	wapp, err := wappalyzer.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load wappalyzer fingerprints: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &TechFingerprinter{
		wapp:     wapp,
		fetch:    f,
		favicons: favicons,
		logger:   log.WithComponent("techstack"),
	}, nil
}

// Analyze fingerprints a single response. Technologies are sorted.
func (t *TechFingerprinter) Analyze(header http.Header, body []byte) ([]string, string) {
	found, title := t.wapp.FingerprintWithTitle(header, body)
	techs := make([]string, 0, len(found))
	for name := range found {
		techs = append(techs, name)
	}
	sort.Strings(techs)
	return techs, strings.TrimSpace(title)
}

// FingerprintHost tries https then http and fingerprints the first
// scheme that answers.
func (t *TechFingerprinter) FingerprintHost(ctx context.Context, host string) (*HostResult, error) {
	var lastErr error
	for _, scheme := range []string{"https", "http"} {
		target := scheme + "://" + host
		resp, err := t.fetch.Get(ctx, target)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		techs, title := t.Analyze(resp.Header, resp.Body)
		result := &HostResult{
			Host:         host,
			URL:          target,
			StatusCode:   resp.StatusCode,
			Title:        title,
			Server:       resp.Header.Get("Server"),
			Technologies: techs,
		}

		if t.favicons != nil {
			fav, err := t.favicons.ScanHost(ctx, target, resp.Text())
			if err != nil {
				t.logger.Debugw("Favicon scan failed", "host", host, "error", err)
			}
			if fav != nil {
				result.Favicon = fav
				result.Technologies = mergeFavicon(result.Technologies, fav)
			}
		}

		t.logger.Debugw("Host fingerprinted",
			"host", host,
			"url", target,
			"technologies", len(result.Technologies))
		return result, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no scheme answered")
	}
	return nil, types.SourceUnavailable("fingerprint "+host, lastErr)
}

func mergeFavicon(techs []string, fav *favicon.HashResult) []string {
	have := make(map[string]bool, len(techs))
	for _, name := range techs {
		have[strings.ToLower(name)] = true
	}
	for _, e := range fav.Technologies {
		if !have[strings.ToLower(e.Name)] {
			have[strings.ToLower(e.Name)] = true
			techs = append(techs, e.Name)
		}
	}
	sort.Strings(techs)
	return techs
}
