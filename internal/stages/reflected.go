package stages

import (
	"context"
	"errors"
	"os"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/fanout"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/reflection"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/tools"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

type ReflectionResponse struct {
	Status     string              `json:"status"`
	Domain     string              `json:"domain"`
	TotalTests int                 `json:"total_tests"`
	Reflected  int                 `json:"reflected"`
	Results    []reflection.Result `json:"results"`
	Artifact   string              `json:"artifact,omitempty"`
}

type VulnResult struct {
	URL       string                `json:"url"`
	TestedURL string                `json:"tested_url"`
	Parameter string                `json:"parameter"`
	Results   []tools.WapitiFinding `json:"results"`
}

type ScannerResponse struct {
	Domain         string       `json:"domain"`
	TotalReflected int          `json:"total_reflected"`
	Vulnerable     int          `json:"vulnerable"`
	Results        []VulnResult `json:"results"`
	Artifact       string       `json:"artifact,omitempty"`
}

func (s *Service) reflectedParameterCheck(ctx context.Context, req Request) (any, error) {
	return s.reflect(ctx, req.Domain, SecretParameters, ReflectedParameterCheck)
}

func (s *Service) publicReflectedParameterCheck(ctx context.Context, req Request) (any, error) {
	return s.reflect(ctx, req.Domain, PublicParameters, PublicReflectedParameterCheck)
}

func (s *Service) archivedReflectedParameterCheck(ctx context.Context, req Request) (any, error) {
	return s.reflect(ctx, req.Domain, ArchivedParameters, ArchivedReflectedParameterCheck)
}

// reflect probes every (url, parameter) pair of a parameter artifact.
func (s *Service) reflect(ctx context.Context, domain, source, stage string) (any, error) {
	if s.prober == nil {
		return nil, types.SourceUnavailable("renderer", errNotConfigured)
	}
	var prior ParametersResponse
	if err := s.load(source, domain, &prior); err != nil {
		return nil, err
	}

	results := s.prober.ProbeAll(ctx, prior.Results, s.fanout)

	resp := ReflectionResponse{Status: "done", Domain: domain, TotalTests: len(results), Results: results}
	failed := 0
	for _, r := range results {
		switch {
		case r.Reflected:
			resp.Reflected++
			s.logger.LogFinding(ctx, "reflected_parameter", string(types.SeverityMedium), r.TestedURL, "parameter", r.Parameter)
			s.telemetry.RecordFinding(stage, types.SeverityMedium)
		case r.Error != "":
			failed++
		}
	}
	if resp.Results == nil {
		resp.Results = []reflection.Result{}
	}
	s.telemetry.RecordItems(stage, len(results)-failed, failed)

	path, err := s.save(stage, domain, resp)
	if err != nil {
		return nil, err
	}
	resp.Artifact = path
	s.logger.Infow("Reflection scan completed", "domain", domain, "source", source, "tests", resp.TotalTests, "reflected", resp.Reflected, "errors", failed)
	return resp, nil
}

// securityScanner runs wapiti against every reflected parameter from the
// reflection stages. A reflection artifact that was never written is
// skipped.
func (s *Service) securityScanner(ctx context.Context, req Request) (any, error) {
	var targets []reflection.Result
	loaded := 0
	for _, stage := range []string{ReflectedParameterCheck, PublicReflectedParameterCheck, ArchivedReflectedParameterCheck} {
		var prior ReflectionResponse
		if err := s.load(stage, req.Domain, &prior); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		loaded++
		for _, r := range prior.Results {
			if r.Reflected {
				targets = append(targets, r)
			}
		}
	}
	if loaded == 0 {
		return nil, types.MalformedArtifact(SecurityScanner, os.ErrNotExist)
	}

	tool := s.tool(tools.Wapiti)
	sessions := s.store.Path(SecurityScanner, "sessions")
	if err := os.MkdirAll(sessions, 0o755); err != nil {
		return nil, err
	}

	outcomes := fanout.InOrder(fanout.Run(ctx, targets, func(ctx context.Context, t reflection.Result) ([]tools.WapitiFinding, error) {
		target := t.TestedURL
		if target == "" {
			target = t.URL
		}
		out, err := s.runner.Run(ctx, tool, tools.WapitiArgs(target, t.Parameter, sessions)...)
		if err != nil {
			return nil, err
		}
		return tools.ParseWapiti(out.Combined()), nil
	}, s.toolFanout(tool.Timeout)))
	recordItems(s, SecurityScanner, outcomes)

	resp := ScannerResponse{Domain: req.Domain, TotalReflected: len(targets), Results: []VulnResult{}}
	errs := NewErrorAggregator()
	for _, o := range outcomes {
		if o.Err != nil {
			errs.Add(o.Item.URL+"#"+o.Item.Parameter, o.Err)
			continue
		}
		if len(o.Value) == 0 {
			continue
		}
		resp.Results = append(resp.Results, VulnResult{
			URL:       o.Item.URL,
			TestedURL: o.Item.TestedURL,
			Parameter: o.Item.Parameter,
			Results:   o.Value,
		})
		for _, f := range o.Value {
			s.logger.LogFinding(ctx, f.Vulnerability, string(types.SeverityHigh), o.Item.URL, "parameter", o.Item.Parameter)
			s.telemetry.RecordFinding(SecurityScanner, types.SeverityHigh)
		}
	}
	resp.Vulnerable = len(resp.Results)
	errs.Log(s.logger, SecurityScanner, len(targets))

	path, err := s.save(SecurityScanner, req.Domain, resp)
	if err != nil {
		return nil, err
	}
	resp.Artifact = path
	return resp, nil
}
