package whois

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/likexian/whois"
	whoisparser "github.com/likexian/whois-parser"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/cache"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/logger"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

var emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

// QueryFunc returns the raw WHOIS text for a domain.
type QueryFunc func(ctx context.Context, domain string) (string, error)

// WhoisClient performs cached WHOIS lookups.
type WhoisClient struct {
	logger   *logger.Logger
	query    QueryFunc
	cache    cache.Cache
	cacheTTL time.Duration
}

// WhoisResult contains parsed WHOIS data.
type WhoisResult struct {
	Domain            string   `json:"domain"`
	Registrar         string   `json:"registrar,omitempty"`
	RegistrantOrg     string   `json:"registrant_org,omitempty"`
	RegistrantCountry string   `json:"registrant_country,omitempty"`
	Emails            []string `json:"emails,omitempty"`
	NameServers       []string `json:"name_servers,omitempty"`
	CreatedDate       string   `json:"created_date,omitempty"`
	ExpiresDate       string   `json:"expires_date,omitempty"`
	UpdatedDate       string   `json:"updated_date,omitempty"`
	Status            []string `json:"status,omitempty"`
}

type Option func(*WhoisClient)

func WithQuery(q QueryFunc) Option {
	return func(w *WhoisClient) { w.query = q }
}

func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(w *WhoisClient) {
		w.cache = c
		w.cacheTTL = ttl
	}
}

func NewWhoisClient(log *logger.Logger, timeout time.Duration, opts ...Option) *WhoisClient {
	if log == nil {
		log = logger.Nop()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	w := &WhoisClient{
		logger: log.WithComponent("whois"),
		query:  networkQuery(timeout),
		cache:  cache.Noop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// networkQuery runs the blocking lookup off the caller's goroutine so
// cancellation is honoured.
func networkQuery(timeout time.Duration) QueryFunc {
	return func(ctx context.Context, domain string) (string, error) {
		type answer struct {
			raw string
			err error
		}
		done := make(chan answer, 1)
		go func() {
			raw, err := whois.NewClient().SetTimeout(timeout).Whois(domain)
			done <- answer{raw, err}
		}()
		select {
		case a := <-done:
			return a.raw, a.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// LookupDomain queries and parses WHOIS data for domain.
func (w *WhoisClient) LookupDomain(ctx context.Context, domain string) (*WhoisResult, error) {
	raw, err := cache.Remember(ctx, w.cache, "whois:"+domain, w.cacheTTL, func(ctx context.Context) ([]byte, error) {
		text, err := w.query(ctx, domain)
		if err != nil {
			return nil, types.SourceUnavailable("whois "+domain, err)
		}
		return []byte(text), nil
	})
	if err != nil {
		return nil, err
	}

	result, err := Parse(domain, string(raw))
	if err != nil {
		return nil, err
	}

	w.logger.Infow("WHOIS lookup completed",
		"domain", domain,
		"registrar", result.Registrar,
		"org", result.RegistrantOrg)
	return result, nil
}

// Parse extracts WHOIS fields, falling back to line scanning when the
// structured parser does not recognise the registry format. An
// unregistered domain is an error.
func Parse(domain, raw string) (*WhoisResult, error) {
	parsed, err := whoisparser.Parse(raw)
	switch {
	case errors.Is(err, whoisparser.ErrNotFoundDomain):
		return nil, types.SourceUnavailable("whois "+domain, fmt.Errorf("domain not registered: %w", err))
	case err != nil:
		return parseManual(domain, raw), nil
	}

	result := &WhoisResult{Domain: domain}
	if d := parsed.Domain; d != nil {
		result.NameServers = d.NameServers
		result.Status = d.Status
		result.CreatedDate = d.CreatedDate
		result.ExpiresDate = d.ExpirationDate
		result.UpdatedDate = d.UpdatedDate
	}
	if r := parsed.Registrar; r != nil {
		result.Registrar = r.Name
	}
	if r := parsed.Registrant; r != nil {
		result.RegistrantOrg = r.Organization
		result.RegistrantCountry = r.Country
	}

	var emails []string
	for _, c := range []*whoisparser.Contact{parsed.Registrant, parsed.Administrative, parsed.Technical, parsed.Billing} {
		if c != nil && c.Email != "" {
			emails = append(emails, c.Email)
		}
	}
	result.Emails = distinctLower(emails)
	return result, nil
}

func parseManual(domain, raw string) *WhoisResult {
	result := &WhoisResult{Domain: domain}
	var emails []string

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		key, value, ok := strings.Cut(line, ":")
		emails = append(emails, emailPattern.FindAllString(line, -1)...)
		if !ok {
			continue
		}
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}

		switch {
		case key == "registrar":
			result.Registrar = value
		case key == "registrant organization" || key == "org" || key == "organization":
			result.RegistrantOrg = value
		case key == "registrant country" || key == "country":
			if result.RegistrantCountry == "" {
				result.RegistrantCountry = value
			}
		case key == "name server" || key == "nserver":
			result.NameServers = append(result.NameServers, strings.ToLower(value))
		case key == "creation date" || key == "created":
			result.CreatedDate = value
		case strings.Contains(key, "expir"):
			result.ExpiresDate = value
		case key == "updated date" || key == "changed":
			result.UpdatedDate = value
		case strings.HasSuffix(key, "status"):
			result.Status = append(result.Status, strings.Fields(value)[0])
		}
	}
	result.Emails = distinctLower(emails)
	return result
}

func distinctLower(values []string) []string {
	seen := make(map[string]bool, len(values))
	var out []string
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v != "" && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
