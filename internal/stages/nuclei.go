package stages

import (
	"context"
	"os"
	"path/filepath"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/artifacts"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/fanout"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/tools"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

type NucleiRun struct {
	Host          string                `json:"host"`
	Target        string                `json:"target"`
	TotalFindings int                   `json:"total_findings"`
	Findings      []tools.NucleiFinding `json:"findings"`
	RawOutputFile string                `json:"raw_output_file,omitempty"`
	Error         string                `json:"error,omitempty"`
}

type NucleiResponse struct {
	Domain          string      `json:"domain"`
	TotalSubdomains int         `json:"total_subdomains"`
	TotalFindings   int         `json:"total_findings"`
	Results         []NucleiRun `json:"results"`
	Artifact        string      `json:"artifact,omitempty"`
}

// basicSecurityScan runs nuclei with the configured templates against each
// host. Hosts come from the request or the subdomain_enum artifact.
func (s *Service) basicSecurityScan(ctx context.Context, req Request) (any, error) {
	hosts := req.Subdomains
	if len(hosts) == 0 {
		var err error
		if hosts, err = s.subdomainHosts(req.Domain); err != nil {
			return nil, err
		}
	}
	if len(hosts) == 0 {
		return nil, types.Validation(BasicSecurityScan, "no subdomains found")
	}

	tool := s.tool(tools.Nuclei)
	outcomes := fanout.InOrder(fanout.Run(ctx, hosts, func(ctx context.Context, host string) (NucleiRun, error) {
		return s.runNuclei(ctx, tool, req.Domain, host)
	}, s.toolFanout(tool.Timeout)))
	recordItems(s, BasicSecurityScan, outcomes)

	resp := NucleiResponse{Domain: req.Domain, TotalSubdomains: len(hosts), Results: make([]NucleiRun, 0, len(outcomes))}
	errs := NewErrorAggregator()
	for _, o := range outcomes {
		run := o.Value
		if o.Err != nil {
			errs.Add(o.Item, o.Err)
			run = NucleiRun{Host: o.Item, Target: hostURL(o.Item), Findings: []tools.NucleiFinding{}, Error: o.Err.Error()}
		}
		for _, f := range run.Findings {
			s.telemetry.RecordFinding(BasicSecurityScan, f.Severity)
			s.logger.LogFinding(ctx, f.ID, string(f.Severity), f.MatchedAt, "template", f.TemplateID, "type", f.Type)
		}
		resp.TotalFindings += run.TotalFindings
		resp.Results = append(resp.Results, run)
	}
	errs.Log(s.logger, BasicSecurityScan, len(hosts))

	path, err := s.save(BasicSecurityScan, req.Domain, resp)
	if err != nil {
		return nil, err
	}
	resp.Artifact = path
	s.logger.Infow("Template scan completed", "domain", req.Domain, "hosts", len(hosts), "findings", resp.TotalFindings)
	return resp, nil
}

func (s *Service) runNuclei(ctx context.Context, tool tools.Tool, domain, host string) (NucleiRun, error) {
	run := NucleiRun{Host: host, Target: hostURL(host)}
	raw := s.store.Path(BasicSecurityScan, filepath.Join(artifacts.Key(domain), safeName(host)+".jsonl"))
	if err := os.MkdirAll(filepath.Dir(raw), 0o755); err != nil {
		return run, types.WorkerFailure("nuclei output dir", err)
	}

	out, err := s.runner.Run(ctx, tool, tools.NucleiArgs(run.Target, raw, s.nuclei)...)
	if err != nil {
		return run, err
	}

	// without -o support the findings only reach stdout
	text := out.Stdout
	if data, err := os.ReadFile(raw); err == nil {
		text = string(data)
		run.RawOutputFile = raw
	}
	run.Findings = tools.ParseNuclei(text)
	run.TotalFindings = len(run.Findings)
	return run, nil
}
