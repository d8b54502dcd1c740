package stages

import (
	"context"
	"fmt"
	"net/http"
	"slices"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/aggregator"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/fanout"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/discovery/archive"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/discovery/jsanalysis"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

type ScriptsResponse struct {
	Domain       string                    `json:"domain"`
	LiveHosts    int                       `json:"live_hosts,omitempty"`
	TotalScripts int                       `json:"total_scripts"`
	Results      []jsanalysis.ScriptResult `json:"results"`
	Artifact     string                    `json:"artifact,omitempty"`
}

// jsAnalysis collects the same-site scripts of every live host and analyzes
// each one once. Only scripts with endpoints, storage keys, auth headers or
// findings are reported.
func (s *Service) jsAnalysis(ctx context.Context, req Request) (any, error) {
	hosts := req.Subdomains
	if len(hosts) == 0 {
		var err error
		if hosts, err = s.subdomainHosts(req.Domain); err != nil {
			return nil, err
		}
	}
	if len(hosts) == 0 {
		return nil, types.Validation(JSAnalysis, "no hosts to analyze")
	}

	pages := fanout.InOrder(fanout.Run(ctx, hosts, func(ctx context.Context, host string) ([]string, error) {
		page := hostURL(host)
		resp, err := s.fetch.Get(ctx, page)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, types.SourceUnavailable("GET "+page, fmt.Errorf("status %d", resp.StatusCode))
		}
		return jsanalysis.ScriptURLs(page, resp.Text()), nil
	}, s.fanout))

	var urls []string
	live := 0
	for _, p := range pages {
		if p.Err != nil {
			s.logger.Debugw("Host not live", "host", p.Item, "error", p.Err)
			continue
		}
		live++
		urls = append(urls, p.Value...)
	}

	resp, err := s.analyzeScripts(ctx, JSAnalysis, req.Domain, urls)
	if err != nil {
		return nil, err
	}
	resp.LiveHosts = live
	return resp, nil
}

// hiddenJSAnalysis analyzes the scripts directory_search turned up.
func (s *Service) hiddenJSAnalysis(ctx context.Context, req Request) (any, error) {
	var prior DirectoryResponse
	if err := s.load(DirectorySearch, req.Domain, &prior); err != nil {
		return nil, err
	}
	var urls []string
	for _, r := range prior.Results {
		for _, e := range r.Entries {
			if e.Status == http.StatusOK && isScript(e.URL) {
				urls = append(urls, e.URL)
			}
		}
	}
	return s.analyzeScripts(ctx, HiddenJSAnalysis, req.Domain, urls)
}

// publicJSAnalysis analyzes the scripts api_enum linked to.
func (s *Service) publicJSAnalysis(ctx context.Context, req Request) (any, error) {
	endpoints, err := s.apiEndpoints(req.Domain)
	if err != nil {
		return nil, err
	}
	var urls []string
	for _, u := range endpoints {
		if isScript(u) {
			urls = append(urls, u)
		}
	}
	return s.analyzeScripts(ctx, PublicJSAnalysis, req.Domain, urls)
}

// archivedJSAnalysis analyzes archived in-scope .js URLs, queries removed.
func (s *Service) archivedJSAnalysis(ctx context.Context, req Request) (any, error) {
	archived, err := s.archiveURLs(ctx, req.Domain)
	if err != nil {
		return nil, err
	}
	var urls []string
	for _, u := range archive.ScriptURLs(archived) {
		if aggregator.InDomain(archive.Host(u), req.Domain) {
			urls = append(urls, u)
		}
	}
	return s.analyzeScripts(ctx, ArchivedJSAnalysis, req.Domain, urls)
}

// analyzeScripts fetches each distinct script once and keeps the
// interesting results, most findings first.
func (s *Service) analyzeScripts(ctx context.Context, stage, domain string, all []string) (ScriptsResponse, error) {
	urls := make([]string, 0, len(all))
	seen := make(map[string]bool, len(all))
	for _, u := range all {
		if !seen[u] {
			seen[u] = true
			urls = append(urls, u)
		}
	}

	outcomes := fanout.InOrder(fanout.Run(ctx, urls, func(ctx context.Context, u string) (*jsanalysis.ScriptResult, error) {
		return s.scripts.AnalyzeScript(ctx, u)
	}, s.fanout))
	recordItems(s, stage, outcomes)

	resp := ScriptsResponse{
		Domain:       domain,
		TotalScripts: len(urls),
		Results:      []jsanalysis.ScriptResult{},
	}
	errs := NewErrorAggregator()
	for _, o := range outcomes {
		if o.Err != nil {
			errs.Add(o.Item, o.Err)
			continue
		}
		if o.Value.Interesting() {
			resp.Results = append(resp.Results, *o.Value)
		}
		for _, f := range o.Value.Findings {
			s.telemetry.RecordFinding(stage, f.Severity)
		}
	}
	errs.Log(s.logger, stage, len(urls))
	slices.SortStableFunc(resp.Results, func(a, b jsanalysis.ScriptResult) int {
		return len(b.Findings) - len(a.Findings)
	})

	path, err := s.save(stage, domain, resp)
	if err != nil {
		return ScriptsResponse{}, err
	}
	resp.Artifact = path
	s.logger.Infow("Script analysis completed",
		"stage", stage,
		"domain", domain,
		"scripts", len(urls),
		"interesting", len(resp.Results))
	return resp, nil
}
