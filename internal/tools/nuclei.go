package tools

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

// DefaultNucleiTemplates are the template directories run when none are
// configured.
var DefaultNucleiTemplates = []string{
	"http/cves/",
	"http/vulnerabilities/",
	"http/misconfiguration/",
	"http/default-logins/",
	"http/exposures/",
	"http/technologies/",
}

// NucleiArgs writes JSON lines to outFile. Each template path is passed
// with its own -t.
func NucleiArgs(target, outFile string, templates []string) []string {
	args := []string{"-u", target, "-jsonl", "-o", outFile, "-silent", "-no-color"}
	for _, t := range templates {
		args = append(args, "-t", t)
	}
	return args
}

type NucleiFinding struct {
	TemplateID string         `json:"template_id"`
	ID         string         `json:"id"`
	Name       string         `json:"name,omitempty"`
	Severity   types.Severity `json:"severity"`
	Type       string         `json:"type"`
	Protocol   string         `json:"protocol"`
	Host       string         `json:"host"`
	MatchedAt  string         `json:"matched_at,omitempty"`
	Extracted  []string       `json:"extracted"`
	Tags       []string       `json:"tags,omitempty"`
}

type nucleiLine struct {
	TemplateID string `json:"template-id"`
	Info       struct {
		Name     string   `json:"name"`
		Tags     []string `json:"tags"`
		Severity string   `json:"severity"`
	} `json:"info"`
	Type             string   `json:"type"`
	Host             string   `json:"host"`
	Matched          string   `json:"matched-at"`
	ExtractedResults []string `json:"extracted-results"`
}

var nucleiText = regexp.MustCompile(`^\[([^\]]*)\]\s+\[([^\]]*)\]\s+\[([^\]]*)\]\s+(https?://\S+)(.*)$`)

// ParseNuclei reads nuclei output one finding per line. JSON lines are
// preferred; the plain "[template] [protocol] [severity] url [extracted]"
// form is accepted too so console output can be parsed when no JSON file
// was written.
func ParseNuclei(output string) []NucleiFinding {
	findings := []NucleiFinding{}
	for _, line := range lines(stripANSI(output)) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "{") {
			var l nucleiLine
			if err := json.Unmarshal([]byte(line), &l); err != nil || l.TemplateID == "" {
				continue
			}
			findings = append(findings, NucleiFinding{
				TemplateID: l.TemplateID,
				ID:         FormatTemplateID(l.TemplateID),
				Name:       l.Info.Name,
				Severity:   types.ParseSeverity(l.Info.Severity),
				Type:       vulnType(l.Info.Tags, l.Type),
				Protocol:   l.Type,
				Host:       l.Host,
				MatchedAt:  l.Matched,
				Extracted:  nonNil(l.ExtractedResults),
				Tags:       l.Info.Tags,
			})
			continue
		}

		m := nucleiText.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		protocol := strings.TrimSpace(m[2])
		findings = append(findings, NucleiFinding{
			TemplateID: strings.TrimSpace(m[1]),
			ID:         FormatTemplateID(strings.TrimSpace(m[1])),
			Severity:   types.ParseSeverity(m[3]),
			Type:       protocol,
			Protocol:   protocol,
			Host:       m[4],
			MatchedAt:  m[4],
			Extracted:  extractedList(m[5]),
		})
	}
	return findings
}

// FormatTemplateID makes a template id readable: CVE ids are kept,
// "name:matcher" becomes "name (matcher)" and dashes become spaces.
func FormatTemplateID(id string) string {
	if strings.HasPrefix(strings.ToUpper(id), "CVE-") {
		return id
	}
	if left, right, ok := strings.Cut(id, ":"); ok {
		return strings.ReplaceAll(left, "-", " ") + " (" + strings.ReplaceAll(right, "-", " ") + ")"
	}
	return strings.ReplaceAll(id, "-", " ")
}

// vulnType maps template tags onto a vulnerability class, falling back to
// the template protocol.
func vulnType(tags []string, fallback string) string {
	for _, tag := range tags {
		switch strings.ToLower(tag) {
		case "sqli", "sql":
			return "sql_injection"
		case "xss":
			return "cross_site_scripting"
		case "xxe":
			return "xml_external_entity"
		case "ssrf":
			return "server_side_request_forgery"
		case "rce":
			return "remote_code_execution"
		case "lfi":
			return "local_file_inclusion"
		case "default-login":
			return "default_credentials"
		case "misconfig", "misconfiguration":
			return "misconfiguration"
		case "exposure", "disclosure":
			return "information_disclosure"
		}
	}
	return fallback
}

// extractedList reads the trailing ["a","b"] of a console line.
func extractedList(rest string) []string {
	var out []string
	if i := strings.Index(rest, "["); i >= 0 {
		_ = json.Unmarshal([]byte(strings.TrimSpace(rest[i:])), &out)
	}
	return nonNil(out)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
