package aggregator

import (
	"net"
	"net/url"
	"slices"
	"strings"

	"golang.org/x/net/idna"
)

// NormalizeHost returns the canonical key for a hostname. It accepts bare
// hosts as well as URLs and strips scheme, credentials, port, path, a
// leading wildcard label and trailing dots. Unicode labels become punycode.
// It returns "" for input that cannot name a host (for example an email).
func NormalizeHost(raw string) string {
	h := strings.ToLower(strings.TrimSpace(raw))
	if h == "" || strings.Contains(h, "@") && !strings.Contains(h, "://") {
		return ""
	}
	if i := strings.Index(h, "://"); i >= 0 {
		h = h[i+3:]
	}
	if i := strings.IndexAny(h, "/?#"); i >= 0 {
		h = h[:i]
	}
	if i := strings.LastIndex(h, "@"); i >= 0 {
		h = h[i+1:]
	}
	if host, _, err := net.SplitHostPort(h); err == nil {
		h = host
	}
	h = strings.TrimPrefix(h, "*.")
	h = strings.Trim(h, ".")
	if h == "" || strings.ContainsAny(h, " \t*") {
		return ""
	}
	if ascii, err := idna.Punycode.ToASCII(h); err == nil {
		h = ascii
	}
	return h
}

// NormalizeURL returns the canonical key for a URL: host (with a
// non-default port), path without trailing slash, and the sorted set of
// query parameter names. Scheme, values, duplicates and fragment are dropped
// so the same endpoint reached with different values collapses to one key.
func NormalizeURL(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}

	host := NormalizeHost(u.Hostname())
	if host == "" {
		return ""
	}
	if port := u.Port(); port != "" && port != "80" && port != "443" {
		host = net.JoinHostPort(host, port)
	}

	path := strings.TrimRight(u.EscapedPath(), "/")

	names := ParameterNames(u.RawQuery)
	if len(names) == 0 {
		return host + path
	}
	for i, n := range names {
		names[i] = url.QueryEscape(n)
	}
	return host + path + "?" + strings.Join(names, "&")
}

// ParameterNames returns the sorted, de-duplicated query parameter names of
// rawQuery. Names keep their case; empty names are dropped.
func ParameterNames(rawQuery string) []string {
	var names []string
	for _, pair := range strings.FieldsFunc(rawQuery, func(r rune) bool { return r == '&' || r == ';' }) {
		name, _, _ := strings.Cut(pair, "=")
		if unescaped, err := url.QueryUnescape(name); err == nil {
			name = unescaped
		}
		name = strings.TrimSpace(name)
		if name != "" {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return slices.Compact(names)
}

// InDomain reports whether host is target or one of its subdomains.
func InDomain(host, target string) bool {
	if host == "" || target == "" {
		return false
	}
	return host == target || strings.HasSuffix(host, "."+target)
}
