package validation

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
)

// ScopeFile represents a parsed scope file.
type ScopeFile struct {
	InScope    []ScopeEntry
	OutOfScope []ScopeEntry
}

// ScopeEntry represents a single scope line.
type ScopeEntry struct {
	Value string
	Type  string // "domain", "wildcard", "ip", "ip_range"
}

// LoadScopeFile parses a scope file. Entries before any section header are
// in scope; [out-of-scope] switches sections. Blank lines and # comments
// are skipped, as are lines that are not a domain, wildcard, IP or CIDR.
func LoadScopeFile(path string) (*ScopeFile, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open scope file: %w", err)
	}
	defer file.Close()

	scope := &ScopeFile{}
	inScopeSection := true

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		switch strings.ToLower(line) {
		case "[in-scope]", "[inscope]":
			inScopeSection = true
			continue
		case "[out-of-scope]", "[outofscope]":
			inScopeSection = false
			continue
		}

		entry := parseScopeEntry(line)
		if entry == nil {
			continue
		}
		if inScopeSection {
			scope.InScope = append(scope.InScope, *entry)
		} else {
			scope.OutOfScope = append(scope.OutOfScope, *entry)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading scope file: %w", err)
	}
	return scope, nil
}

func parseScopeEntry(line string) *ScopeEntry {
	line = strings.ToLower(strings.TrimSpace(line))

	if _, _, err := net.ParseCIDR(line); err == nil {
		return &ScopeEntry{Value: line, Type: "ip_range"}
	}
	if net.ParseIP(line) != nil {
		return &ScopeEntry{Value: line, Type: "ip"}
	}
	if rest, ok := strings.CutPrefix(line, "*."); ok {
		if domainRegex.MatchString(rest) {
			return &ScopeEntry{Value: rest, Type: "wildcard"}
		}
		return nil
	}
	if domainRegex.MatchString(line) {
		return &ScopeEntry{Value: line, Type: "domain"}
	}
	return nil
}

// IsInScope reports whether host is allowed. Out-of-scope entries win.
// An empty in-scope section allows everything not excluded.
func (sf *ScopeFile) IsInScope(host string) bool {
	if sf == nil {
		return true
	}
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if matchesAny(host, sf.OutOfScope) {
		return false
	}
	return len(sf.InScope) == 0 || matchesAny(host, sf.InScope)
}

// Filter returns the hosts that are in scope, preserving order.
func (sf *ScopeFile) Filter(hosts []string) (kept, dropped []string) {
	for _, h := range hosts {
		if sf.IsInScope(h) {
			kept = append(kept, h)
		} else {
			dropped = append(dropped, h)
		}
	}
	return kept, dropped
}

func matchesAny(host string, entries []ScopeEntry) bool {
	for _, entry := range entries {
		if matchesScopeEntry(host, entry) {
			return true
		}
	}
	return false
}

func matchesScopeEntry(host string, entry ScopeEntry) bool {
	switch entry.Type {
	case "domain":
		return host == entry.Value || strings.HasSuffix(host, "."+entry.Value)
	case "wildcard":
		// *.example.com covers subdomains only
		return strings.HasSuffix(host, "."+entry.Value)
	case "ip":
		return host == entry.Value
	case "ip_range":
		ip := net.ParseIP(host)
		if ip == nil {
			return false
		}
		_, ipNet, err := net.ParseCIDR(entry.Value)
		return err == nil && ipNet.Contains(ip)
	}
	return false
}
