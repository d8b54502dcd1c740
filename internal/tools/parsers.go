package tools

import (
	"bufio"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// LineParser turns raw tool output into records.
type LineParser[T any] func(output string) []T

func lines(output string) []string {
	var out []string
	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		out = append(out, strings.TrimRight(sc.Text(), "\r"))
	}
	return out
}

// Sublist3rArgs prints results to stdout.
func Sublist3rArgs(domain string) []string {
	return []string{"-d", domain, "-o", "-"}
}

// ParseSublist3r extracts hostnames under domain from anywhere in the
// output. Banner and color codes around them are ignored.
func ParseSublist3r(domain string) LineParser[string] {
	re := regexp.MustCompile(`[a-zA-Z0-9_\-.]+\.` + regexp.QuoteMeta(domain))
	return func(output string) []string {
		seen := make(map[string]bool)
		var hosts []string
		for _, m := range re.FindAllString(output, -1) {
			h := strings.ToLower(strings.Trim(m, "."))
			if seen[h] {
				continue
			}
			seen[h] = true
			hosts = append(hosts, h)
		}
		slices.Sort(hosts)
		return hosts
	}
}

// DirsearchArgs writes the plain report to outFile.
func DirsearchArgs(target, outFile, extensions, wordlist string) []string {
	args := []string{"-u", target, "-o", outFile}
	if extensions != "" {
		args = append(args, "-e", extensions)
	}
	if wordlist != "" {
		args = append(args, "-w", wordlist)
	}
	return args
}

type DirEntry struct {
	Status int    `json:"status"`
	Size   string `json:"size"`
	URL    string `json:"url"`
}

var dirsearchLine = regexp.MustCompile(`^(\d{3})\s+(\S+)\s+(https?://\S+)`)

// ParseDirsearch reads report lines of the form "200  1KB  https://host/path".
// Redirect annotations after the URL are dropped.
func ParseDirsearch(output string) []DirEntry {
	var entries []DirEntry
	for _, line := range lines(output) {
		m := dirsearchLine.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		status, _ := strconv.Atoi(m[1])
		entries = append(entries, DirEntry{Status: status, Size: m[2], URL: m[3]})
	}
	return entries
}

// URLsWithStatus returns the distinct URLs whose status is in statuses, in
// first-seen order.
func URLsWithStatus(entries []DirEntry, statuses ...int) []string {
	seen := make(map[string]bool)
	var urls []string
	for _, e := range entries {
		if !slices.Contains(statuses, e.Status) || seen[e.URL] {
			continue
		}
		seen[e.URL] = true
		urls = append(urls, e.URL)
	}
	return urls
}

func ArjunArgs(target string) []string {
	return []string{"-u", target}
}

var arjunNoise = []string{
	"processing chunks",
	"probing the target",
	"analysing http response",
	"logicforcing",
	"scanning ",
}

// ParseArjun collects parameter names from "parameters found:" and
// "parameter detected:" lines, dropping "based on" annotations.
func ParseArjun(output string) []string {
	seen := make(map[string]bool)
	var params []string
	for _, line := range lines(output) {
		l := strings.ToLower(strings.TrimSpace(stripANSI(line)))
		if l == "" || strings.HasPrefix(l, "_") || containsAny(l, arjunNoise) {
			continue
		}
		l = strings.TrimLeft(l, "[+*!✓] ")
		var rest string
		switch {
		case strings.HasPrefix(l, "parameters found:"):
			rest = strings.TrimPrefix(l, "parameters found:")
		case strings.HasPrefix(l, "parameter detected:"):
			rest = strings.TrimPrefix(l, "parameter detected:")
		default:
			continue
		}
		for _, p := range strings.Split(rest, ",") {
			p = strings.TrimSpace(p)
			if p == "" || strings.HasPrefix(p, "based on") || seen[p] {
				continue
			}
			seen[p] = true
			params = append(params, p)
		}
	}
	return params
}

func WapitiArgs(target, parameter, sessionDir string) []string {
	return []string{
		"-u", target,
		"--flush-session", "--flush-attacks",
		"--store-session", sessionDir,
		"-r", parameter,
	}
}

type WapitiFinding struct {
	Vulnerability string `json:"vulnerability"`
	Finding       string `json:"finding"`
}

var wapitiModule = regexp.MustCompile(`\[\*\] Launching module (\w+)`)

// ParseWapiti pairs each "Launching module X" with the first non-empty
// line following a "---" separator. HTTP 500 notices are not findings.
func ParseWapiti(output string) []WapitiFinding {
	var (
		findings []WapitiFinding
		module   string
		waiting  bool
	)
	for _, line := range lines(stripANSI(output)) {
		if m := wapitiModule.FindStringSubmatch(line); m != nil {
			module = m[1]
			waiting = false
			continue
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "---" && module != "" {
			waiting = true
			continue
		}
		if !waiting {
			continue
		}
		waiting = false
		if trimmed == "" || strings.Contains(trimmed, "HTTP 500") || strings.Contains(trimmed, "Received a HTTP") {
			continue
		}
		findings = append(findings, WapitiFinding{Vulnerability: module, Finding: trimmed})
	}
	return findings
}

var ansi = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

func stripANSI(s string) string { return ansi.ReplaceAllString(s, "") }

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// LinkFinderArgs prints discovered links to stdout only, scoped to host.
func LinkFinderArgs(target, host string) []string {
	return []string{"-i", target, "-sf", host, "-o", "cli"}
}

// ParseLinkFinder resolves every link line against base. Lines with spaces
// are banner or status text, not links.
func ParseLinkFinder(base string) LineParser[string] {
	baseURL, _ := url.Parse(base)
	return func(output string) []string {
		seen := make(map[string]bool)
		var links []string
		for _, line := range lines(stripANSI(output)) {
			line = strings.TrimSpace(line)
			if line == "" || strings.ContainsAny(line, " \t") {
				continue
			}
			link := line
			if !strings.HasPrefix(link, "http://") && !strings.HasPrefix(link, "https://") {
				if baseURL == nil {
					continue
				}
				ref, err := url.Parse(link)
				if err != nil {
					continue
				}
				link = baseURL.ResolveReference(ref).String()
			}
			if !seen[link] {
				seen[link] = true
				links = append(links, link)
			}
		}
		slices.Sort(links)
		return links
	}
}
