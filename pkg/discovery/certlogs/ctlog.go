package certlogs

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/fetch"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/logger"
)

const (
	// SourceName is the provenance label recorded for names found here.
	SourceName = "crt.sh"

	defaultBaseURL  = "https://crt.sh/"
	crtshTimeLayout = "2006-01-02T15:04:05"
)

// Client queries crt.sh, which aggregates the public CT logs.
type Client struct {
	fetch   *fetch.Client
	logger  *logger.Logger
	baseURL string
}

// Certificate is a single crt.sh row.
type Certificate struct {
	SubjectCN    string    `json:"subject_cn"`
	SANs         []string  `json:"sans"`
	Issuer       string    `json:"issuer"`
	NotBefore    time.Time `json:"not_before"`
	NotAfter     time.Time `json:"not_after"`
	SerialNumber string    `json:"serial_number"`
}

type crtshEntry struct {
	IssuerName   string `json:"issuer_name"`
	CommonName   string `json:"common_name"`
	NameValue    string `json:"name_value"`
	ID           int64  `json:"id"`
	NotBefore    string `json:"not_before"`
	NotAfter     string `json:"not_after"`
	SerialNumber string `json:"serial_number"`
}

type Option func(*Client)

// WithBaseURL points the client at another crt.sh compatible endpoint.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

func NewClient(f *fetch.Client, log *logger.Logger, opts ...Option) *Client {
	if log == nil {
		log = logger.Nop()
	}
	c := &Client{
		fetch:   f,
		logger:  log.WithComponent("certlogs"),
		baseURL: defaultBaseURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SearchDomain returns every certificate logged for *.domain, deduplicated
// by serial and issuer.
func (c *Client) SearchDomain(ctx context.Context, domain string) ([]Certificate, error) {
	apiURL := fmt.Sprintf("%s?q=%s&output=json", c.baseURL, url.QueryEscape("%."+domain))

	var entries []crtshEntry
	if err := c.fetch.GetJSON(ctx, "crtsh:"+domain, apiURL, &entries); err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(entries))
	certs := make([]Certificate, 0, len(entries))
	for _, e := range entries {
		key := e.SerialNumber + "|" + e.IssuerName
		if e.SerialNumber != "" && seen[key] {
			continue
		}
		seen[key] = true

		notBefore, _ := time.Parse(crtshTimeLayout, e.NotBefore)
		notAfter, _ := time.Parse(crtshTimeLayout, e.NotAfter)
		certs = append(certs, Certificate{
			SubjectCN:    e.CommonName,
			SANs:         strings.Split(e.NameValue, "\n"),
			Issuer:       e.IssuerName,
			NotBefore:    notBefore,
			NotAfter:     notAfter,
			SerialNumber: e.SerialNumber,
		})
	}

	c.logger.Debugw("crt.sh search completed",
		"domain", domain,
		"rows", len(entries),
		"unique_certs", len(certs))
	return certs, nil
}

// DiscoverSubdomains returns the sorted in-domain names found in the
// certificates' SANs, falling back to the subject CN when a row has none.
func (c *Client) DiscoverSubdomains(ctx context.Context, domain string) ([]string, error) {
	certs, err := c.SearchDomain(ctx, domain)
	if err != nil {
		return nil, err
	}
	return Names(certs, domain), nil
}

// Names extracts candidate hostnames. Wildcard prefixes are stripped and
// email-like values are skipped.
func Names(certs []Certificate, domain string) []string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	found := make(map[string]bool)

	for _, cert := range certs {
		values := cert.SANs
		if len(values) == 0 || (len(values) == 1 && strings.TrimSpace(values[0]) == "") {
			values = []string{cert.SubjectCN}
		}
		for _, v := range values {
			name := strings.ToLower(strings.TrimSpace(v))
			name = strings.TrimPrefix(name, "*.")
			if name == "" || strings.Contains(name, "@") || strings.Contains(name, " ") {
				continue
			}
			if name == domain || strings.HasSuffix(name, "."+domain) {
				found[name] = true
			}
		}
	}

	names := make([]string, 0, len(found))
	for n := range found {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Wildcards returns the certificates that carry a wildcard name.
func Wildcards(certs []Certificate) []Certificate {
	var out []Certificate
	for _, cert := range certs {
		if strings.HasPrefix(cert.SubjectCN, "*.") {
			out = append(out, cert)
			continue
		}
		for _, san := range cert.SANs {
			if strings.HasPrefix(strings.TrimSpace(san), "*.") {
				out = append(out, cert)
				break
			}
		}
	}
	return out
}
