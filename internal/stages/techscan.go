package stages

import (
	"context"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/fanout"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/discovery/favicon"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

type TechEntry struct {
	Sources      []string `json:"sources"`
	Technologies []string `json:"technologies"`
}

type TechResult struct {
	Host         string              `json:"host"`
	Sources      []string            `json:"sources"`
	URL          string              `json:"url"`
	StatusCode   int                 `json:"status_code"`
	Title        string              `json:"title,omitempty"`
	Server       string              `json:"server,omitempty"`
	Technologies []string            `json:"technologies"`
	Favicon      *favicon.HashResult `json:"favicon,omitempty"`
}

type TechResponse struct {
	Domain     string               `json:"domain"`
	TotalHosts int                  `json:"total_hosts"`
	Sources    []string             `json:"sources"`
	Subdomains map[string]TechEntry `json:"subdomains"`
	Results    []TechResult         `json:"results"`
	Artifact   string               `json:"artifact,omitempty"`
}

// techFingerprinting fingerprints every discovered host. Unreachable hosts
// are left out of the results.
func (s *Service) techFingerprinting(ctx context.Context, req Request) (any, error) {
	if s.fingerprinter == nil {
		return nil, types.SourceUnavailable("fingerprinter", errNotConfigured)
	}
	prior, err := s.loadSubdomains(req.Domain)
	if err != nil {
		return nil, err
	}
	hosts := prior.hosts(req.Domain)

	outcomes := fanout.InOrder(fanout.Run(ctx, hosts, func(ctx context.Context, host string) (TechResult, error) {
		res, err := s.fingerprinter.FingerprintHost(ctx, host)
		if err != nil {
			return TechResult{}, err
		}
		return TechResult{
			Host:         host,
			URL:          res.URL,
			StatusCode:   res.StatusCode,
			Title:        res.Title,
			Server:       res.Server,
			Technologies: res.Technologies,
			Favicon:      res.Favicon,
		}, nil
	}, s.fanout))
	recordItems(s, TechFingerprinting, outcomes)

	resp := TechResponse{
		Domain:     req.Domain,
		TotalHosts: len(hosts),
		Sources:    prior.Sources,
		Subdomains: make(map[string]TechEntry),
		Results:    []TechResult{},
	}
	errs := NewErrorAggregator()
	for _, o := range outcomes {
		if o.Err != nil {
			errs.Add(o.Item, o.Err)
			continue
		}
		res := o.Value
		res.Sources = prior.Subdomains[o.Item].Sources
		if res.Technologies == nil {
			res.Technologies = []string{}
		}
		resp.Results = append(resp.Results, res)
		resp.Subdomains[o.Item] = TechEntry{Sources: res.Sources, Technologies: res.Technologies}
	}
	errs.Log(s.logger, TechFingerprinting, len(hosts))

	path, err := s.save(TechFingerprinting, req.Domain, resp)
	if err != nil {
		return nil, err
	}
	resp.Artifact = path
	s.logger.Infow("Fingerprinting completed", "domain", req.Domain, "hosts", len(hosts), "reachable", len(resp.Results))
	return resp, nil
}
