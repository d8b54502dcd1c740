package stages

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/aggregator"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/fanout"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/fetch"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/patterns"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/reflection"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/discovery/archive"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

// StaticThreshold is how many fetched pages must share one size before
// they are all treated as the same static page.
const StaticThreshold = 10

// URLReport is the per-URL result of the content checks.
type URLReport struct {
	URL               string             `json:"url"`
	DetectedType      string             `json:"detected_type"`
	StatusCode        int                `json:"status_code,omitempty"`
	ContentTypeHeader string             `json:"content_type_header"`
	PageSizeBytes     int                `json:"page_size_bytes"`
	AllowedMethods    []string           `json:"allowed_methods"`
	SensitiveLeaks    []patterns.Finding `json:"sensitive_leaks"`
	FindingsCount     int                `json:"findings_count"`
	HighestSeverity   *patterns.Finding  `json:"highest_severity_finding"`
	HasSensitiveLeaks bool               `json:"has_sensitive_leaks"`
	KeywordsCount     int                `json:"keywords_found_count"`
	KeywordsFound     []string           `json:"keywords_found"`
	IsStatic          bool               `json:"is_static"`
	RiskScore         int                `json:"risk_score"`
}

type URLResult struct {
	URL    string    `json:"url"`
	Report URLReport `json:"report"`
}

type ContentResponse struct {
	Domain    string      `json:"domain"`
	TotalURLs int         `json:"total_urls"`
	Results   []URLResult `json:"results"`
	Artifact  string      `json:"artifact,omitempty"`
}

type ParametersResponse struct {
	Domain    string              `json:"domain"`
	TotalURLs int                 `json:"total_urls"`
	Results   []reflection.Target `json:"results"`
	Artifact  string              `json:"artifact,omitempty"`
}

type TokenResponse struct {
	Domain     string                         `json:"domain"`
	TotalLines int                            `json:"total_lines"`
	Hits       map[string]map[string][]string `json:"hits"`
	Results    []patterns.Finding             `json:"results"`
	Artifact   string                         `json:"artifact,omitempty"`
}

func (s *Service) archiveURLs(ctx context.Context, domain string) ([]string, error) {
	if s.archive == nil {
		return nil, types.SourceUnavailable("archive", errNotConfigured)
	}
	return s.archive.URLs(ctx, domain)
}

// archivedContents fetches archived URLs that look sensitive and runs the
// content checks on each.
func (s *Service) archivedContents(ctx context.Context, req Request) (any, error) {
	urls, err := s.archiveURLs(ctx, req.Domain)
	if err != nil {
		return nil, err
	}

	var candidates []string
	for _, u := range urls {
		if archive.HasIgnoredExtension(u, archive.IgnoredExtensions) || !patterns.SensitiveURL(u) {
			continue
		}
		candidates = append(candidates, u)
	}
	s.logger.Infow("Archived URLs selected", "domain", req.Domain, "archived", len(urls), "selected", len(candidates))

	return s.contentStage(ctx, ArchivedContents, req.Domain, candidates)
}

// sensitivePathEnum runs the content checks on directory_search hits.
func (s *Service) sensitivePathEnum(ctx context.Context, req Request) (any, error) {
	urls, err := s.directoryURLs(req.Domain)
	if err != nil {
		return nil, err
	}
	return s.contentStage(ctx, SensitivePathEnum, req.Domain, urls)
}

func (s *Service) contentStage(ctx context.Context, stage, domain string, urls []string) (ContentResponse, error) {
	reports := s.checkURLs(ctx, stage, urls)

	resp := ContentResponse{Domain: domain, TotalURLs: len(reports), Results: make([]URLResult, 0, len(reports))}
	for _, r := range reports {
		resp.Results = append(resp.Results, URLResult{URL: r.URL, Report: r})
		if r.HighestSeverity != nil {
			s.telemetry.RecordFinding(stage, r.HighestSeverity.Severity)
			s.logger.LogFinding(ctx, r.HighestSeverity.Label, string(r.HighestSeverity.Severity), r.URL)
		}
	}

	path, err := s.save(stage, domain, resp)
	if err != nil {
		return ContentResponse{}, err
	}
	resp.Artifact = path
	return resp, nil
}

// checkURLs fetches every URL through the fan-out executor. URLs that do
// not answer 200 or 500 are dropped. Reports come back in input order with
// the static flag and risk score filled in.
func (s *Service) checkURLs(ctx context.Context, stage string, urls []string) []URLReport {
	errs := NewErrorAggregator()
	outcomes := fanout.InOrder(fanout.Run(ctx, urls, func(ctx context.Context, u string) (*URLReport, error) {
		return s.checkURL(ctx, u)
	}, s.fanout))
	recordItems(s, stage, outcomes)

	var reports []URLReport
	for _, o := range outcomes {
		if o.Err != nil {
			errs.Add(o.Item, o.Err)
			continue
		}
		if o.Value != nil {
			reports = append(reports, *o.Value)
		}
	}
	errs.Log(s.logger, stage, len(urls))

	sizes := make(map[int]int)
	for _, r := range reports {
		sizes[r.PageSizeBytes]++
	}
	for i := range reports {
		reports[i].IsStatic = sizes[reports[i].PageSizeBytes] >= StaticThreshold
		reports[i].RiskScore = RiskScore(reports[i])
	}
	return reports
}

func (s *Service) checkURL(ctx context.Context, u string) (*URLReport, error) {
	resp, err := s.fetch.Get(ctx, u)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusInternalServerError {
		return nil, nil
	}

	report := &URLReport{
		URL:               u,
		DetectedType:      fetch.DetectType(resp.ContentType(), resp.Body),
		StatusCode:        resp.StatusCode,
		ContentTypeHeader: resp.ContentType(),
		PageSizeBytes:     len(resp.Body),
		AllowedMethods:    s.fetch.AllowedMethods(ctx, u),
		SensitiveLeaks:    []patterns.Finding{},
		KeywordsFound:     []string{},
	}
	if report.AllowedMethods == nil {
		report.AllowedMethods = []string{}
	}
	if isCrawlerFile(u) {
		return report, nil
	}

	text := resp.Text()
	if leaks := s.patterns.Scan(u, text); len(leaks) > 0 {
		report.SensitiveLeaks = leaks
	}
	report.FindingsCount = len(report.SensitiveLeaks)
	report.HasSensitiveLeaks = report.FindingsCount > 0
	report.HighestSeverity = patterns.Highest(report.SensitiveLeaks)
	report.KeywordsFound = patterns.Keywords(text, patterns.ContentKeywords)
	report.KeywordsCount = len(report.KeywordsFound)
	return report, nil
}

func isCrawlerFile(u string) bool {
	lower := strings.ToLower(u)
	return strings.Contains(lower, "robots.txt") || strings.Contains(lower, "sitemap.xml")
}

// RiskScore adds one point each for keywords, pattern findings and a non-HTML
// body, minus one for static pages. robots.txt and sitemap.xml score zero.
func RiskScore(r URLReport) int {
	if isCrawlerFile(r.URL) {
		return 0
	}
	score := 0
	if r.KeywordsCount > 0 {
		score++
	}
	if r.FindingsCount > 0 {
		score++
	}
	if r.DetectedType != "html" {
		score++
	}
	if r.IsStatic {
		score = max(0, score-1)
	}
	return score
}

// archivedParameters maps every interesting query parameter seen in the
// archive to the first endpoint that carried it, then groups parameters by
// endpoint.
func (s *Service) archivedParameters(ctx context.Context, req Request) (any, error) {
	urls, err := s.archiveURLs(ctx, req.Domain)
	if err != nil {
		return nil, err
	}

	endpoints := aggregator.New(req.Domain, aggregator.KindURL)
	firstURL := make(map[string]string)
	claimed := make(map[string]bool)
	var order []string

	for _, raw := range urls {
		base, query, ok := strings.Cut(raw, "?")
		if !ok || query == "" {
			continue
		}
		key := aggregator.NormalizeURL(base)
		if key == "" {
			continue
		}
		for _, p := range InterestingParameters(query) {
			if claimed[p] {
				continue
			}
			if !endpoints.Add(base, p) {
				break
			}
			claimed[p] = true
			if _, seen := firstURL[key]; !seen {
				firstURL[key] = base
				order = append(order, key)
			}
		}
	}

	snapshot := endpoints.Snapshot()
	resp := ParametersResponse{Domain: req.Domain, Results: make([]reflection.Target, 0, len(order))}
	for _, key := range order {
		resp.Results = append(resp.Results, reflection.Target{URL: firstURL[key], Parameters: snapshot[key]})
	}
	resp.TotalURLs = len(resp.Results)

	path, err := s.save(ArchivedParameters, req.Domain, resp)
	if err != nil {
		return nil, err
	}
	resp.Artifact = path
	s.logger.Infow("Archived parameters collected", "domain", req.Domain, "endpoints", resp.TotalURLs, "parameters", len(claimed))
	return resp, nil
}

// InterestingParameters returns the sorted parameter names of rawQuery
// that contain one of patterns.InterestingParams.
func InterestingParameters(rawQuery string) []string {
	var out []string
	for _, name := range aggregator.ParameterNames(rawQuery) {
		if len(patterns.Keywords(name, patterns.InterestingParams)) > 0 {
			out = append(out, name)
		}
	}
	return out
}

// sensitiveTokenArchived runs the pattern registry over each archived URL
// line.
func (s *Service) sensitiveTokenArchived(ctx context.Context, req Request) (any, error) {
	urls, err := s.archiveURLs(ctx, req.Domain)
	if err != nil {
		return nil, err
	}

	resp := TokenResponse{
		Domain:     req.Domain,
		TotalLines: len(urls),
		Hits:       make(map[string]map[string][]string),
		Results:    []patterns.Finding{},
	}
	for _, line := range urls {
		findings := s.patterns.Scan(line, line)
		if len(findings) == 0 {
			continue
		}
		byLabel := make(map[string][]string)
		for _, f := range findings {
			byLabel[f.Label] = append(byLabel[f.Label], f.MatchedText)
			s.telemetry.RecordFinding(SensitiveTokenArchived, f.Severity)
		}
		resp.Hits[line] = byLabel
		resp.Results = append(resp.Results, findings...)
	}
	slices.SortStableFunc(resp.Results, func(a, b patterns.Finding) int {
		return b.Severity.Rank() - a.Severity.Rank()
	})

	path, err := s.save(SensitiveTokenArchived, req.Domain, resp)
	if err != nil {
		return nil, err
	}
	resp.Artifact = path
	s.logger.Infow("Archived lines scanned", "domain", req.Domain, "lines", resp.TotalLines, "hits", len(resp.Hits))
	return resp, nil
}
