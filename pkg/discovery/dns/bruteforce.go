package dns

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/miekg/dns"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/fanout"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/logger"
)

// SourceName is the provenance label for brute-forced names.
const SourceName = "bruteforce"

// CommonLabels is the default wordlist.
var CommonLabels = []string{
	"www", "mail", "api", "dev", "test", "staging", "portal", "admin", "beta", "m",
	"shop", "smtp", "secure", "vpn", "webmail", "cpanel", "git", "gitlab", "img", "static",
}

// DefaultResolvers are tried in order until one answers.
var DefaultResolvers = []string{
	"8.8.8.8:53",
	"1.1.1.1:53",
	"9.9.9.9:53",
	"208.67.222.222:53",
}

// DNSBruteforcer resolves wordlist labels under a domain.
type DNSBruteforcer struct {
	resolvers []string
	wordlist  []string
	opts      fanout.Options
	logger    *logger.Logger
	client    *dns.Client
}

type Option func(*DNSBruteforcer)

func WithResolvers(resolvers ...string) Option {
	return func(b *DNSBruteforcer) {
		if len(resolvers) > 0 {
			b.resolvers = resolvers
		}
	}
}

func WithWordlist(words []string) Option {
	return func(b *DNSBruteforcer) {
		if len(words) > 0 {
			b.wordlist = words
		}
	}
}

func WithFanout(opts fanout.Options) Option {
	return func(b *DNSBruteforcer) { b.opts = opts }
}

func WithTimeout(d time.Duration) Option {
	return func(b *DNSBruteforcer) {
		if d > 0 {
			b.client.Timeout = d
		}
	}
}

func NewDNSBruteforcer(log *logger.Logger, opts ...Option) *DNSBruteforcer {
	if log == nil {
		log = logger.Nop()
	}
	b := &DNSBruteforcer{
		resolvers: DefaultResolvers,
		wordlist:  CommonLabels,
		opts:      fanout.Options{MaxConcurrency: 50},
		logger:    log.WithComponent("dns-bruteforce"),
		client:    &dns.Client{Timeout: 2 * time.Second},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BruteforceResult represents a resolved name.
type BruteforceResult struct {
	Subdomain string   `json:"subdomain"`
	IPs       []string `json:"ips"`
	CNAME     string   `json:"cname,omitempty"`
}

// Bruteforce resolves every wordlist label under domain. Names answering
// with the wildcard address set are dropped. Results are sorted by name.
func (b *DNSBruteforcer) Bruteforce(ctx context.Context, domain string) ([]BruteforceResult, error) {
	domain = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(domain), "."))
	if domain == "" {
		return nil, fmt.Errorf("dns bruteforce: empty domain")
	}

	wildcard := b.wildcardIPs(ctx, domain)
	if len(wildcard) > 0 {
		b.logger.Infow("Wildcard DNS detected", "domain", domain, "ips", wildcard)
	}

	names := make([]string, len(b.wordlist))
	for i, word := range b.wordlist {
		names[i] = word + "." + domain
	}

	outcomes := fanout.Run(ctx, names, func(ctx context.Context, name string) (BruteforceResult, error) {
		ips, cname, err := b.resolve(ctx, name)
		return BruteforceResult{Subdomain: name, IPs: ips, CNAME: cname}, err
	}, b.opts)

	var results []BruteforceResult
	for _, o := range outcomes {
		if o.Err != nil || len(o.Value.IPs) == 0 {
			continue
		}
		if len(wildcard) > 0 && matchesAny(o.Value.IPs, wildcard) {
			continue
		}
		results = append(results, o.Value)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Subdomain < results[j].Subdomain })

	b.logger.Infow("DNS brute-force completed",
		"domain", domain,
		"tested", len(names),
		"found", len(results))

	if err := ctx.Err(); err != nil {
		return results, err
	}
	return results, nil
}

// Hosts is Bruteforce reduced to names.
func (b *DNSBruteforcer) Hosts(ctx context.Context, domain string) ([]string, error) {
	results, err := b.Bruteforce(ctx, domain)
	hosts := make([]string, len(results))
	for i, r := range results {
		hosts[i] = r.Subdomain
	}
	return hosts, err
}

// resolve asks each resolver in turn for A records. The first
// authoritative answer wins, including NXDOMAIN.
func (b *DNSBruteforcer) resolve(ctx context.Context, name string) ([]string, string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)

	var lastErr error
	for _, resolver := range b.resolvers {
		r, _, err := b.client.ExchangeContext(ctx, m, resolver)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, "", ctx.Err()
			}
			continue
		}
		if r.Rcode != dns.RcodeSuccess && r.Rcode != dns.RcodeNameError {
			lastErr = fmt.Errorf("%s: %s", resolver, dns.RcodeToString[r.Rcode])
			continue
		}

		var ips []string
		var cname string
		for _, ans := range r.Answer {
			switch v := ans.(type) {
			case *dns.A:
				ips = append(ips, v.A.String())
			case *dns.CNAME:
				cname = strings.TrimSuffix(v.Target, ".")
			}
		}
		return ips, cname, nil
	}
	return nil, "", lastErr
}

func (b *DNSBruteforcer) wildcardIPs(ctx context.Context, domain string) []string {
	probe := "wildcard-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12] + "." + domain
	ips, _, _ := b.resolve(ctx, probe)
	return ips
}

func matchesAny(ips, wildcard []string) bool {
	set := make(map[string]bool, len(wildcard))
	for _, ip := range wildcard {
		set[ip] = true
	}
	for _, ip := range ips {
		if set[ip] {
			return true
		}
	}
	return false
}

// LoadWordlist reads one label per line, skipping blanks and # comments.
func LoadWordlist(filename string) ([]string, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var words []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		word := strings.TrimSpace(scanner.Text())
		if word != "" && !strings.HasPrefix(word, "#") {
			words = append(words, word)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return words, nil
}
