package validation

import (
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"

	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

var domainRegex = regexp.MustCompile(`^([a-z0-9]([a-z0-9\-]{0,61}[a-z0-9])?\.)+[a-z][a-z0-9\-]*[a-z0-9]$`)

var privateSuffixes = []string{
	".local",
	".internal",
	".lan",
	".test",
	".localhost",
	".invalid",
}

// ValidateDomain turns user input into a canonical target domain. A
// scheme, path, port or trailing dot is tolerated and stripped; IPs,
// private names and bare public suffixes are rejected.
func ValidateDomain(target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return "", types.Validation("validate domain", "domain is required")
	}

	host := target
	if strings.Contains(host, "://") {
		u, err := url.Parse(host)
		if err != nil {
			return "", types.Validation("validate domain", fmt.Sprintf("invalid URL %q", target))
		}
		host = u.Hostname()
	} else {
		host, _, _ = strings.Cut(host, "/")
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".")

	if net.ParseIP(host) != nil {
		return "", types.Validation("validate domain", fmt.Sprintf("%q is an IP address, expected a domain", host))
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", types.Validation("validate domain", fmt.Sprintf("invalid domain %q: %v", target, err))
	}
	if !domainRegex.MatchString(ascii) {
		return "", types.Validation("validate domain", fmt.Sprintf("invalid domain %q", target))
	}
	if IsPrivateName(ascii) {
		return "", types.Validation("validate domain", fmt.Sprintf("%q is a local or internal name", ascii))
	}
	if _, err := publicsuffix.EffectiveTLDPlusOne(ascii); err != nil {
		return "", types.Validation("validate domain", fmt.Sprintf("%q is a public suffix", ascii))
	}
	return ascii, nil
}

// RegistrableDomain returns the eTLD+1 of host, or host itself when it
// has none.
func RegistrableDomain(host string) string {
	d, err := publicsuffix.EffectiveTLDPlusOne(strings.ToLower(host))
	if err != nil {
		return host
	}
	return d
}

// IsPrivateName reports whether host is localhost or under a reserved
// private suffix.
func IsPrivateName(host string) bool {
	host = strings.ToLower(host)
	if host == "localhost" {
		return true
	}
	for _, suffix := range privateSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}
