package patterns

import (
	"strings"
	"unicode/utf8"

	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

// MaxMatchLength caps, in runes, the stored matched text and the
// deduplication key.
const MaxMatchLength = 500

type Finding struct {
	Location    string         `json:"location,omitempty"`
	Label       string         `json:"name"`
	Severity    types.Severity `json:"severity"`
	Description string         `json:"description"`
	MatchedText string         `json:"matched_text"`
}

// Scan evaluates every signature against text. Findings come out in
// registry order; within one label, in match order. A (label, matched
// text) pair is reported once per call.
func (r *Registry) Scan(location, text string) []Finding {
	var findings []Finding
	seen := make(map[string]struct{})

	for _, e := range r.entries {
		for _, m := range e.re.FindAllString(text, -1) {
			m = truncate(strings.TrimSpace(m), MaxMatchLength)
			if m == "" {
				continue
			}
			key := e.Label + "::" + m
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			findings = append(findings, Finding{
				Location:    location,
				Label:       e.Label,
				Severity:    e.Severity,
				Description: e.Description,
				MatchedText: m,
			})
		}
	}
	return findings
}

// Highest returns the first finding with the maximum severity, or nil.
func Highest(findings []Finding) *Finding {
	var best *Finding
	for i := range findings {
		if best == nil || findings[i].Severity.Rank() > best.Severity.Rank() {
			best = &findings[i]
		}
	}
	return best
}

// Keywords returns the distinct keywords that occur in text, compared
// case-insensitively, in keyword list order.
func Keywords(text string, keywords []string) []string {
	lower := strings.ToLower(text)
	found := []string{}
	seen := make(map[string]bool, len(keywords))
	for _, kw := range keywords {
		k := strings.ToLower(kw)
		if k == "" || seen[k] {
			continue
		}
		if strings.Contains(lower, k) {
			seen[k] = true
			found = append(found, kw)
		}
	}
	return found
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
