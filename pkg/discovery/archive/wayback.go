package archive

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/fetch"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/logger"
)

// SourceName is the provenance label for hosts pulled from archive URLs.
const SourceName = "wayback_urls"

const defaultCDXURL = "https://web.archive.org/cdx/search/cdx"

// IgnoredExtensions are static asset suffixes never worth fetching again.
var IgnoredExtensions = []string{
	".png", ".jpg", ".jpeg", ".gif", ".css", ".js", ".ico", ".svg",
	".woff", ".woff2", ".ttf", ".eot", ".mp4", ".mp3", ".zip", ".pdf", ".webp",
}

// WaybackScanner queries the Wayback Machine CDX index.
type WaybackScanner struct {
	fetch  *fetch.Client
	logger *logger.Logger
	cdxURL string
}

type Option func(*WaybackScanner)

// WithCDXURL overrides the CDX endpoint.
func WithCDXURL(u string) Option {
	return func(w *WaybackScanner) { w.cdxURL = u }
}

func NewWaybackScanner(f *fetch.Client, log *logger.Logger, opts ...Option) *WaybackScanner {
	if log == nil {
		log = logger.Nop()
	}
	w := &WaybackScanner{
		fetch:  f,
		logger: log.WithComponent("wayback"),
		cdxURL: defaultCDXURL,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// URLs returns every distinct archived URL under *.domain, in index order.
func (w *WaybackScanner) URLs(ctx context.Context, domain string) ([]string, error) {
	apiURL := fmt.Sprintf("%s?url=*.%s/*&output=text&fl=original&collapse=urlkey", w.cdxURL, domain)

	body, err := w.fetch.GetText(ctx, "wayback:urls:"+domain, apiURL)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var urls []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true
		urls = append(urls, line)
	}

	w.logger.Debugw("Archive index fetched", "domain", domain, "urls", len(urls))
	return urls, nil
}

// Hosts returns the sorted distinct hostnames under domain seen in
// archived URLs that answered 200.
func (w *WaybackScanner) Hosts(ctx context.Context, domain string) ([]string, error) {
	apiURL := fmt.Sprintf("%s?url=*.%s/*&output=json&fl=original&filter=statuscode:200&limit=1000", w.cdxURL, domain)

	var rows [][]string
	if err := w.fetch.GetJSON(ctx, "wayback:hosts:"+domain, apiURL, &rows); err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		// header row
		rows = rows[1:]
	}

	domain = strings.ToLower(domain)
	found := make(map[string]bool)
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		host := Host(row[0])
		if host == domain || strings.HasSuffix(host, "."+domain) {
			found[host] = true
		}
	}

	hosts := make([]string, 0, len(found))
	for h := range found {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts, nil
}

// Host extracts the lowercased hostname of an archived URL, tolerating
// entries recorded without a scheme.
func Host(raw string) string {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// HasIgnoredExtension reports whether the URL path ends in a static
// asset extension.
func HasIgnoredExtension(raw string, exts []string) bool {
	p := raw
	if u, err := url.Parse(raw); err == nil {
		p = u.Path
	}
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return false
	}
	for _, e := range exts {
		if ext == e {
			return true
		}
	}
	return false
}

// ScriptURLs returns the distinct .js URLs with their query strings
// removed, sorted.
func ScriptURLs(urls []string) []string {
	found := make(map[string]bool)
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil || !strings.HasSuffix(strings.ToLower(u.Path), ".js") {
			continue
		}
		found[u.Scheme+"://"+u.Host+u.Path] = true
	}
	out := make([]string, 0, len(found))
	for u := range found {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
