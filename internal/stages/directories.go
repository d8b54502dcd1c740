package stages

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/artifacts"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/fanout"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/rules"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/tools"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

// DirsearchExtensions are passed to dirsearch with -e.
const DirsearchExtensions = "php,html,js,json,txt,bak,zip,sql"

type DirectoryRun struct {
	Host     string           `json:"host"`
	Target   string           `json:"target"`
	Entries  []tools.DirEntry `json:"entries"`
	Error    string           `json:"error,omitempty"`
	Artifact string           `json:"artifact,omitempty"`
}

type DirectoryResponse struct {
	Label          string         `json:"label"`
	TotalTargets   int            `json:"total_targets"`
	SuccessfulRuns int            `json:"successful_runs"`
	Results        []DirectoryRun `json:"results"`
	Artifact       string         `json:"artifact,omitempty"`
}

type LoginResult struct {
	URL   string      `json:"url"`
	Score int         `json:"score"`
	Hits  []rules.Hit `json:"hits,omitempty"`
}

type LoginResponse struct {
	Domain           string        `json:"domain"`
	TotalURLsChecked int           `json:"total_urls_checked"`
	LoginPagesFound  int           `json:"login_pages_found"`
	Results          []LoginResult `json:"results"`
	Artifact         string        `json:"artifact,omitempty"`
}

type PageResult struct {
	URL      string   `json:"url"`
	Detected []string `json:"detected"`
	Error    string   `json:"error,omitempty"`
}

type PageResponse struct {
	Domain    string       `json:"domain"`
	TotalURLs int          `json:"total_urls"`
	Results   []PageResult `json:"results"`
	Artifact  string       `json:"artifact,omitempty"`
}

// directorySearch runs dirsearch against each host. Hosts come from the
// request or, given only a domain, from the subdomain_enum artifact.
func (s *Service) directorySearch(ctx context.Context, req Request) (any, error) {
	hosts := req.Subdomains
	label := req.Label
	switch {
	case len(hosts) > 0:
		if label == "" {
			label = "custom"
		}
	default:
		var err error
		if hosts, err = s.subdomainHosts(req.Domain); err != nil {
			return nil, err
		}
		if label == "" {
			label = artifacts.Key(req.Domain)
		}
	}
	if len(hosts) == 0 {
		return nil, types.Validation(DirectorySearch, "no subdomains found")
	}
	label = safeName(label)

	tool := s.tool(tools.Dirsearch)
	outcomes := fanout.InOrder(fanout.Run(ctx, hosts, func(ctx context.Context, host string) (DirectoryRun, error) {
		return s.runDirsearch(ctx, tool, label, host)
	}, s.toolFanout(tool.Timeout)))
	recordItems(s, DirectorySearch, outcomes)

	errs := NewErrorAggregator()
	resp := DirectoryResponse{Label: label, TotalTargets: len(hosts), Results: make([]DirectoryRun, 0, len(outcomes))}
	for _, o := range outcomes {
		run := o.Value
		if o.Err != nil {
			errs.Add(o.Item, o.Err)
			run = DirectoryRun{Host: o.Item, Target: hostURL(o.Item), Error: o.Err.Error()}
		} else {
			resp.SuccessfulRuns++
		}
		resp.Results = append(resp.Results, run)
	}
	errs.Log(s.logger, DirectorySearch, len(hosts))

	path, err := s.store.WriteJSON(DirectorySearch, label+".json", resp)
	if err != nil {
		return nil, err
	}
	resp.Artifact = path
	return resp, nil
}

func (s *Service) runDirsearch(ctx context.Context, tool tools.Tool, label, host string) (DirectoryRun, error) {
	run := DirectoryRun{Host: host, Target: hostURL(host)}
	report := s.store.Path(DirectorySearch, filepath.Join(label, safeName(host)+".txt"))
	if err := os.MkdirAll(filepath.Dir(report), 0o755); err != nil {
		return run, err
	}

	out, err := s.runner.Run(ctx, tool, tools.DirsearchArgs(run.Target, report, DirsearchExtensions, "")...)
	if err != nil {
		return run, err
	}

	// dirsearch prints the same lines it writes to the report
	text := out.Combined()
	if data, err := os.ReadFile(report); err == nil {
		text = string(data)
	}
	run.Entries = tools.ParseDirsearch(text)
	if run.Entries == nil {
		run.Entries = []tools.DirEntry{}
	}

	path, err := s.store.WriteJSON(DirectorySearch, filepath.Join(label, safeName(host)+".json"), run)
	if err != nil {
		return run, err
	}
	run.Artifact = path
	return run, nil
}

// directoryURLs returns the distinct 200 and 500 URLs found by
// directory_search for domain.
func (s *Service) directoryURLs(domain string) ([]string, error) {
	var prior DirectoryResponse
	if err := s.load(DirectorySearch, domain, &prior); err != nil {
		return nil, err
	}
	var entries []tools.DirEntry
	for _, r := range prior.Results {
		entries = append(entries, r.Entries...)
	}
	return tools.URLsWithStatus(entries, 200, 500), nil
}

// sensitiveLoginEnum fetches every directory hit and keeps the pages the
// login detector matches.
func (s *Service) sensitiveLoginEnum(ctx context.Context, req Request) (any, error) {
	urls, err := s.directoryURLs(req.Domain)
	if err != nil {
		return nil, err
	}

	outcomes := fanout.InOrder(fanout.Run(ctx, urls, func(ctx context.Context, u string) (*LoginResult, error) {
		page, err := s.fetch.Get(ctx, u)
		if err != nil {
			return nil, err
		}
		content, err := rules.NewContent(u, page.Text())
		if err != nil {
			return nil, types.WorkerFailure("parse "+u, err)
		}
		eval := s.login.Evaluate(content)[0]
		if !eval.Matched {
			return nil, nil
		}
		return &LoginResult{URL: u, Score: eval.Score, Hits: eval.Hits}, nil
	}, s.fanout))
	recordItems(s, SensitiveLoginEnum, outcomes)

	errs := NewErrorAggregator()
	resp := LoginResponse{Domain: req.Domain, TotalURLsChecked: len(urls), Results: []LoginResult{}}
	for _, o := range outcomes {
		switch {
		case o.Err != nil:
			errs.Add(o.Item, o.Err)
		case o.Value != nil:
			resp.Results = append(resp.Results, *o.Value)
			s.logger.LogFinding(ctx, "login_page", string(types.SeverityInfo), o.Value.URL, "score", o.Value.Score)
		}
	}
	resp.LoginPagesFound = len(resp.Results)
	errs.Log(s.logger, SensitiveLoginEnum, len(urls))

	path, err := s.save(SensitiveLoginEnum, req.Domain, resp)
	if err != nil {
		return nil, err
	}
	resp.Artifact = path
	return resp, nil
}

// pageIdentifier renders dynamic directory hits and classifies each page
// with every loaded detector.
func (s *Service) pageIdentifier(ctx context.Context, req Request) (any, error) {
	if s.renderer == nil {
		return nil, types.SourceUnavailable("renderer", errNotConfigured)
	}
	urls, err := s.directoryURLs(req.Domain)
	if err != nil {
		return nil, err
	}
	return s.identifyPages(ctx, PageIdentifier, req.Domain, pageCandidates(urls))
}

func (s *Service) identifyPages(ctx context.Context, stage, domain string, urls []string) (PageResponse, error) {
	outcomes := fanout.InOrder(fanout.Run(ctx, urls, func(ctx context.Context, u string) ([]string, error) {
		markup, err := s.renderer.Render(ctx, u)
		if err != nil {
			return nil, err
		}
		return s.engine.ClassifyHTML(u, markup)
	}, s.fanout))
	recordItems(s, stage, outcomes)

	resp := PageResponse{Domain: domain, TotalURLs: len(urls), Results: make([]PageResult, 0, len(outcomes))}
	errs := NewErrorAggregator()
	for _, o := range outcomes {
		res := PageResult{URL: o.Item, Detected: o.Value}
		if o.Err != nil {
			errs.Add(o.Item, o.Err)
			res.Error = o.Err.Error()
		}
		if res.Detected == nil {
			res.Detected = []string{}
		}
		resp.Results = append(resp.Results, res)
	}
	errs.Log(s.logger, stage, len(urls))

	path, err := s.save(stage, domain, resp)
	if err != nil {
		return PageResponse{}, err
	}
	resp.Artifact = path
	return resp, nil
}

// pageSkipKeywords mark listing and asset paths not worth rendering.
var pageSkipKeywords = []string{"/blog", "/static", "/assets", "/images"}

// pageCandidates drops static files and asset or blog paths.
func pageCandidates(urls []string) []string {
	var out []string
	for _, u := range urls {
		if isStatic(u) || containsAny(strings.ToLower(u), pageSkipKeywords) {
			continue
		}
		out = append(out, u)
	}
	return out
}

// safeName makes a host, URL or label usable as a file name.
func safeName(s string) string {
	s = strings.Replace(s, "://", "_", 1)
	return strings.NewReplacer("/", "_", ":", "_", "\\", "_", "..", "_").Replace(s)
}
