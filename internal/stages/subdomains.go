package stages

import (
	"context"
	"slices"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/aggregator"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/fanout"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/tools"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/discovery/whois"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

type SubdomainEntry struct {
	Sources []string `json:"sources"`
}

type HostResult struct {
	Host    string   `json:"host"`
	Sources []string `json:"sources"`
}

type SubdomainResponse struct {
	Domain          string                    `json:"domain"`
	TotalSubdomains int                       `json:"total_subdomains"`
	Subdomains      map[string]SubdomainEntry `json:"subdomains"`
	Sources         []string                  `json:"sources"`
	Results         []HostResult              `json:"results"`
	SourceErrors    map[string]string         `json:"source_errors,omitempty"`
	OutOfScope      []string                  `json:"out_of_scope,omitempty"`
	Whois           *whois.WhoisResult        `json:"whois,omitempty"`
	Artifact        string                    `json:"artifact,omitempty"`
}

// Sublist3rSource runs the sublist3r binary and parses the hosts it prints.
func Sublist3rSource(runner tools.Runner, tool tools.Tool) HostSource {
	return HostSource{
		Name: tools.Sublist3r,
		Hosts: func(ctx context.Context, domain string) ([]string, error) {
			out, err := runner.Run(ctx, tool, tools.Sublist3rArgs(domain)...)
			if err != nil {
				return nil, err
			}
			return tools.ParseSublist3r(domain)(out.Combined()), nil
		},
	}
}

// subdomainEnum queries every host source concurrently and fuses the
// answers. A failing source is recorded and the others still count.
func (s *Service) subdomainEnum(ctx context.Context, req Request) (any, error) {
	agg := aggregator.New(req.Domain, aggregator.KindHost)
	errs := NewErrorAggregator()

	outcomes := fanout.Run(ctx, s.hostSources, func(ctx context.Context, src HostSource) ([]string, error) {
		hosts, err := src.Hosts(ctx, req.Domain)
		// partial answers still count
		agg.Merge(aggregator.Records(hosts, src.Name))
		return hosts, err
	}, fanout.Options{MaxConcurrency: len(s.hostSources), ItemTimeout: s.sourceTimeout})

	for _, o := range outcomes {
		if o.Err != nil {
			errs.Add(o.Item.Name, types.SourceUnavailable(o.Item.Name, o.Err))
			continue
		}
		s.logger.Infow("Source finished", "source", o.Item.Name, "hosts", len(o.Value), "duration_ms", o.Duration.Milliseconds())
	}
	recordItems(s, SubdomainEnum, outcomes)
	errs.Log(s.logger, SubdomainEnum, len(s.hostSources))

	snapshot := agg.Snapshot()
	keys := agg.Keys()

	resp := SubdomainResponse{
		Domain:     req.Domain,
		Subdomains: make(map[string]SubdomainEntry, len(keys)),
		Sources:    agg.Sources(),
	}
	if errs.HasErrors() {
		resp.SourceErrors = errs.Errors()
	}

	kept, dropped := keys, []string(nil)
	if s.scope != nil {
		kept, dropped = s.scope.Filter(keys)
		// the root target is never filtered out
		if !slices.Contains(kept, agg.Target()) {
			kept = append([]string{agg.Target()}, kept...)
			dropped = slices.DeleteFunc(dropped, func(h string) bool { return h == agg.Target() })
		}
		resp.OutOfScope = dropped
	}

	for _, host := range kept {
		sources := snapshot[host]
		resp.Subdomains[host] = SubdomainEntry{Sources: sources}
		resp.Results = append(resp.Results, HostResult{Host: host, Sources: sources})
	}
	resp.TotalSubdomains = len(resp.Results)

	if s.whois != nil {
		info, err := s.whois.LookupDomain(ctx, req.Domain)
		if err != nil {
			s.logger.Warnw("WHOIS lookup failed", "domain", req.Domain, "error", err)
		} else {
			resp.Whois = info
		}
	}

	path, err := s.save(SubdomainEnum, req.Domain, resp)
	if err != nil {
		return nil, err
	}
	resp.Artifact = path

	s.logger.Infow("Subdomain enumeration completed",
		"domain", req.Domain,
		"subdomains", resp.TotalSubdomains,
		"sources", resp.Sources,
		"failed_sources", errs.Count())
	return resp, nil
}

// subdomainHosts reads the hosts recorded by subdomain_enum, sorted with
// the root first.
func (s *Service) subdomainHosts(domain string) ([]string, error) {
	prior, err := s.loadSubdomains(domain)
	if err != nil {
		return nil, err
	}
	return prior.hosts(domain), nil
}

func (s *Service) loadSubdomains(domain string) (SubdomainResponse, error) {
	var prior SubdomainResponse
	err := s.load(SubdomainEnum, domain, &prior)
	return prior, err
}

func (prior SubdomainResponse) hosts(domain string) []string {
	hosts := make([]string, 0, len(prior.Subdomains))
	for h := range prior.Subdomains {
		if h != domain {
			hosts = append(hosts, h)
		}
	}
	slices.Sort(hosts)
	if _, ok := prior.Subdomains[domain]; ok {
		hosts = append([]string{domain}, hosts...)
	}
	return hosts
}
