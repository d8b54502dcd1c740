package stages

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/fanout"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/tools"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

type APIEndpoint struct {
	Endpoint string   `json:"endpoint"`
	Methods  []string `json:"methods"`
}

type APIHostResult struct {
	Subdomain    string        `json:"subdomain"`
	APIEndpoints []APIEndpoint `json:"api_endpoints"`
	Error        string        `json:"error,omitempty"`
}

type APIResponse struct {
	Domain          string          `json:"domain"`
	TotalSubdomains int             `json:"total_subdomains"`
	TotalEndpoints  int             `json:"total_endpoints"`
	Results         []APIHostResult `json:"results"`
	Artifact        string          `json:"artifact,omitempty"`
}

// apiEnum extracts links from each host with xnlinkfinder and asks every
// endpoint which methods it allows.
func (s *Service) apiEnum(ctx context.Context, req Request) (any, error) {
	hosts := req.Subdomains
	if len(hosts) == 0 {
		var err error
		if hosts, err = s.subdomainHosts(req.Domain); err != nil {
			return nil, err
		}
	}
	if len(hosts) == 0 {
		return nil, types.Validation(APIEnum, "no subdomains found")
	}

	tool := s.tool(tools.XNLinkFinder)
	links := fanout.InOrder(fanout.Run(ctx, hosts, func(ctx context.Context, host string) ([]string, error) {
		target := hostURL(host)
		out, err := s.runner.Run(ctx, tool, tools.LinkFinderArgs(target, hostname(target))...)
		if err != nil {
			return nil, err
		}
		return tools.ParseLinkFinder(target)(out.Stdout), nil
	}, s.toolFanout(tool.Timeout)))
	recordItems(s, APIEnum, links)

	var endpoints []string
	errs := NewErrorAggregator()
	for _, l := range links {
		if l.Err != nil {
			errs.Add(l.Item, l.Err)
			continue
		}
		endpoints = append(endpoints, l.Value...)
	}
	errs.Log(s.logger, APIEnum, len(hosts))

	methods := make(map[string][]string, len(endpoints))
	for _, o := range fanout.Run(ctx, endpoints, func(ctx context.Context, u string) ([]string, error) {
		if m := s.fetch.AllowedMethods(ctx, u); len(m) > 0 {
			return m, nil
		}
		return []string{"unknown"}, nil
	}, s.fanout) {
		methods[o.Item] = o.Value
	}

	resp := APIResponse{Domain: req.Domain, TotalSubdomains: len(hosts), Results: make([]APIHostResult, 0, len(links))}
	for _, l := range links {
		res := APIHostResult{Subdomain: l.Item, APIEndpoints: make([]APIEndpoint, 0, len(l.Value))}
		if l.Err != nil {
			res.Error = l.Err.Error()
		}
		for _, u := range l.Value {
			m := methods[u]
			if m == nil {
				m = []string{"unknown"}
			}
			res.APIEndpoints = append(res.APIEndpoints, APIEndpoint{Endpoint: u, Methods: m})
		}
		resp.TotalEndpoints += len(res.APIEndpoints)
		resp.Results = append(resp.Results, res)
	}

	path, err := s.save(APIEnum, req.Domain, resp)
	if err != nil {
		return nil, err
	}
	resp.Artifact = path
	s.logger.Infow("API enumeration completed", "domain", req.Domain, "hosts", len(hosts), "endpoints", resp.TotalEndpoints)
	return resp, nil
}

// apiEndpoints returns the distinct endpoints api_enum found for domain in
// the order they were recorded.
func (s *Service) apiEndpoints(domain string) ([]string, error) {
	var prior APIResponse
	if err := s.load(APIEnum, domain, &prior); err != nil {
		return nil, err
	}
	var out []string
	seen := make(map[string]bool)
	for _, r := range prior.Results {
		for _, e := range r.APIEndpoints {
			if !seen[e.Endpoint] {
				seen[e.Endpoint] = true
				out = append(out, e.Endpoint)
			}
		}
	}
	return out, nil
}

// publicParameters runs arjun against the api_enum endpoints that look like
// application routes and still answer with 200 or 500.
func (s *Service) publicParameters(ctx context.Context, req Request) (any, error) {
	all, err := s.apiEndpoints(req.Domain)
	if err != nil {
		return nil, err
	}
	var candidates []string
	for _, u := range all {
		if IsValidEndpoint(u) {
			candidates = append(candidates, u)
		}
	}

	var alive []string
	for _, o := range fanout.InOrder(fanout.Run(ctx, candidates, func(ctx context.Context, u string) (bool, error) {
		resp, err := s.fetch.Get(ctx, u)
		if err != nil {
			return false, err
		}
		return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusInternalServerError, nil
	}, s.fanout)) {
		switch {
		case o.Err != nil:
			s.logger.Debugw("Endpoint not reachable", "url", o.Item, "error", o.Err)
		case o.Value:
			alive = append(alive, o.Item)
		}
	}
	s.logger.Debugw("Public endpoints filtered", "domain", req.Domain, "endpoints", len(all), "candidates", len(candidates), "alive", len(alive))

	return s.parameterStage(ctx, PublicParameters, req.Domain, alive)
}

// publicPageIdentifier renders the page-like api_enum endpoints and
// classifies them.
func (s *Service) publicPageIdentifier(ctx context.Context, req Request) (any, error) {
	if s.renderer == nil {
		return nil, types.SourceUnavailable("renderer", errNotConfigured)
	}
	urls, err := s.apiEndpoints(req.Domain)
	if err != nil {
		return nil, err
	}
	return s.identifyPages(ctx, PublicPageIdentifier, req.Domain, pageCandidates(urls))
}

var (
	endpointSkipExtensions = []string{
		".js", ".css", ".png", ".jpg", ".jpeg", ".gif", ".svg", ".ico",
		".woff", ".woff2", ".ttf", ".map", ".pdf", ".zip", ".json",
	}
	endpointSkipKeywords = []string{
		"/wp-", "/wp-content", "/wp-json", "/page/", "/tag/", "/category/", "/blog", "/blogs",
	}
)

// IsValidEndpoint reports whether u looks like an application route worth
// probing for parameters. Root paths, assets, CMS listings and slug-style
// paths with two or more dashes are rejected.
func IsValidEndpoint(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	path := strings.ToLower(parsed.Path)
	if path == "" || path == "/" {
		return false
	}
	for _, ext := range endpointSkipExtensions {
		if strings.HasSuffix(path, ext) {
			return false
		}
	}
	if containsAny(path, endpointSkipKeywords) {
		return false
	}
	return strings.Count(path, "-") < 2
}

// hostname strips scheme, port and path from a host or URL.
func hostname(target string) string {
	if u, err := url.Parse(target); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return target
}
