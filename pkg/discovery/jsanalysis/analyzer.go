// Package jsanalysis downloads a site's own scripts and looks for API
// endpoints, storage keys, auth headers and leaked secrets in them.
package jsanalysis

import (
	"context"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/fetch"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/logger"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/patterns"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

var (
	apiEndpoint = regexp.MustCompile(`(["'])(\/api\/[^"']+|https?:\/\/[^"']+\/api[^"']+)(["'])`)
	storageKey  = regexp.MustCompile(`(localStorage|sessionStorage)\.(setItem|getItem)\(['"]([^'"]+)['"]`)
	authHeader  = regexp.MustCompile(`(Authorization|X-API-Key|X-Auth-Token)['"]\s*:\s*['"]([^'"]+)['"]`)
)

type StorageItem struct {
	Type    string `json:"type"`
	Key     string `json:"key"`
	Purpose string `json:"purpose"`
}

// ScriptResult is the analysis of one downloaded script.
type ScriptResult struct {
	URL        string             `json:"url"`
	Size       int                `json:"size"`
	Parses     bool               `json:"parses"`
	ParseError string             `json:"parse_error,omitempty"`
	Endpoints  []string           `json:"endpoints"`
	Storage    []StorageItem      `json:"storage,omitempty"`
	Headers    []string           `json:"auth_headers,omitempty"`
	Findings   []patterns.Finding `json:"findings"`
}

// Interesting reports whether the script produced anything worth keeping.
func (r ScriptResult) Interesting() bool {
	return len(r.Endpoints) > 0 || len(r.Findings) > 0 || len(r.Storage) > 0 || len(r.Headers) > 0
}

type Analyzer struct {
	fetch    *fetch.Client
	patterns *patterns.Registry
	logger   *logger.Logger
}

func NewAnalyzer(f *fetch.Client, registry *patterns.Registry, log *logger.Logger) *Analyzer {
	if log == nil {
		log = logger.Nop()
	}
	if registry == nil {
		registry = patterns.Default()
	}
	return &Analyzer{fetch: f, patterns: registry, logger: log.WithComponent("jsanalysis")}
}

// ScriptURLs returns the distinct same-site <script src> URLs of a page,
// resolved against pageURL. A script is same-site when its host is the page
// host or one of its subdomains.
func ScriptURLs(pageURL, markup string) []string {
	base, err := url.Parse(pageURL)
	if err != nil || base.Host == "" {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var out []string
	doc.Find("script[src]").Each(func(_ int, sel *goquery.Selection) {
		src := strings.TrimSpace(sel.AttrOr("src", ""))
		if src == "" {
			return
		}
		if strings.HasPrefix(src, "//") {
			src = "https:" + src
		}
		ref, err := url.Parse(src)
		if err != nil {
			return
		}
		abs := base.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		if abs.Host != base.Host && !strings.HasSuffix(abs.Host, "."+base.Host) {
			return
		}
		u := abs.String()
		if !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
	})
	return out
}

// AnalyzeScript downloads one script and inspects it. A non-200 answer is a
// SourceUnavailable error.
func (a *Analyzer) AnalyzeScript(ctx context.Context, scriptURL string) (*ScriptResult, error) {
	resp, err := a.fetch.Get(ctx, scriptURL)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, types.SourceUnavailable("GET "+scriptURL, errStatus(resp.StatusCode))
	}
	res := a.Analyze(scriptURL, resp.Text())
	return &res, nil
}

// Analyze inspects script source. The source is compiled with goja to tell
// real JavaScript from HTML error pages served under a .js name; findings
// are collected either way.
func (a *Analyzer) Analyze(scriptURL, code string) ScriptResult {
	res := ScriptResult{URL: scriptURL, Size: len(code), Endpoints: []string{}}

	if _, err := goja.Compile(scriptURL, code, false); err != nil {
		res.ParseError = err.Error()
	} else {
		res.Parses = true
	}

	res.Endpoints = Endpoints(scriptURL, code)

	for _, m := range storageKey.FindAllStringSubmatch(code, -1) {
		res.Storage = append(res.Storage, StorageItem{Type: m[1], Key: m[3], Purpose: storagePurpose(m[3])})
	}
	seenHeader := make(map[string]bool)
	for _, m := range authHeader.FindAllStringSubmatch(code, -1) {
		// values are not kept
		if !seenHeader[m[1]] && !isPlaceholder(m[2]) {
			seenHeader[m[1]] = true
			res.Headers = append(res.Headers, m[1])
		}
	}

	res.Findings = a.patterns.Scan(scriptURL, code)
	if res.Findings == nil {
		res.Findings = []patterns.Finding{}
	}

	a.logger.Debugw("Script analyzed",
		"url", scriptURL,
		"bytes", res.Size,
		"parses", res.Parses,
		"endpoints", len(res.Endpoints),
		"findings", len(res.Findings))
	return res
}

// Endpoints extracts quoted /api/ paths and absolute API URLs. Relative
// paths are resolved against the script URL.
func Endpoints(scriptURL, code string) []string {
	base, _ := url.Parse(scriptURL)
	found := make(map[string]bool)
	for _, m := range apiEndpoint.FindAllStringSubmatch(code, -1) {
		endpoint := m[2]
		if strings.HasPrefix(endpoint, "/") && base != nil {
			if ref, err := url.Parse(endpoint); err == nil {
				endpoint = base.ResolveReference(ref).String()
			}
		}
		found[endpoint] = true
	}
	out := make([]string, 0, len(found))
	for e := range found {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

func storagePurpose(key string) string {
	key = strings.ToLower(key)
	switch {
	case strings.Contains(key, "token"):
		return "auth_token"
	case strings.Contains(key, "session"):
		return "session_id"
	case strings.Contains(key, "user"):
		return "user_data"
	case strings.Contains(key, "auth"):
		return "auth_data"
	case strings.Contains(key, "jwt"):
		return "jwt_token"
	default:
		return "unknown"
	}
}

// isPlaceholder spots example values such as "YOUR_API_KEY" or "changeme".
func isPlaceholder(value string) bool {
	lower := strings.ToLower(value)
	for _, p := range []string{"your", "example", "placeholder", "demo", "xxx", "replace", "changeme", "dummy", "sample"} {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return strings.Contains(value, "_") && strings.ToUpper(value) == value
}

type errStatus int

func (e errStatus) Error() string {
	return "status " + http.StatusText(int(e))
}
