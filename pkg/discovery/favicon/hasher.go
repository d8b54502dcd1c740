package favicon

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/twmb/murmur3"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/fetch"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/logger"
)

// HashResult describes a fetched favicon and what it matched.
type HashResult struct {
	URL          string            `json:"url"`
	MMH3         int32             `json:"mmh3"`
	Size         int               `json:"size"`
	ContentType  string            `json:"content_type"`
	Technologies []TechnologyEntry `json:"technologies"`
}

// FaviconHasher downloads favicons and looks their hashes up.
type FaviconHasher struct {
	fetch  *fetch.Client
	db     *Database
	logger *logger.Logger
}

func NewHasher(f *fetch.Client, db *Database, log *logger.Logger) *FaviconHasher {
	if db == nil {
		db = NewDatabase()
	}
	if log == nil {
		log = logger.Nop()
	}
	return &FaviconHasher{fetch: f, db: db, logger: log.WithComponent("favicon")}
}

// MMH3 returns the Shodan favicon hash: murmur3 over the base64 encoding
// wrapped at 76 columns with a trailing newline.
func MMH3(data []byte) int32 {
	encoded := base64.StdEncoding.EncodeToString(data)
	var b strings.Builder
	for len(encoded) > 76 {
		b.WriteString(encoded[:76])
		b.WriteByte('\n')
		encoded = encoded[76:]
	}
	b.WriteString(encoded)
	b.WriteByte('\n')
	return int32(murmur3.Sum32([]byte(b.String())))
}

// DiscoverFaviconURLs returns the icon links declared in page markup,
// resolved against baseURL, followed by /favicon.ico.
func DiscoverFaviconURLs(baseURL, markup string) []string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var urls []string
	add := func(ref string) {
		u, err := base.Parse(strings.TrimSpace(ref))
		if err != nil || seen[u.String()] {
			return
		}
		seen[u.String()] = true
		urls = append(urls, u.String())
	}

	if markup != "" {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup)); err == nil {
			doc.Find("link[rel][href]").Each(func(_ int, s *goquery.Selection) {
				rel := strings.ToLower(s.AttrOr("rel", ""))
				if strings.Contains(rel, "icon") {
					add(s.AttrOr("href", ""))
				}
			})
		}
	}
	add("/favicon.ico")
	return urls
}

// ScanHost tries each candidate icon until one downloads. A host with no
// favicon yields nil without error.
func (h *FaviconHasher) ScanHost(ctx context.Context, baseURL, markup string) (*HashResult, error) {
	for _, candidate := range DiscoverFaviconURLs(baseURL, markup) {
		resp, err := h.fetch.Get(ctx, candidate)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if resp.StatusCode != http.StatusOK || len(resp.Body) == 0 {
			continue
		}
		ct := resp.ContentType()
		if strings.HasPrefix(ct, "text/html") {
			continue
		}

		hash := MMH3(resp.Body)
		result := &HashResult{
			URL:          candidate,
			MMH3:         hash,
			Size:         len(resp.Body),
			ContentType:  ct,
			Technologies: h.db.Lookup(hash),
		}
		h.logger.Debugw("Favicon hashed",
			"url", candidate,
			"mmh3", hash,
			"matches", len(result.Technologies))
		return result, nil
	}
	return nil, nil
}
