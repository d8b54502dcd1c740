package stages

import (
	"context"
	"errors"
	"time"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/fanout"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/reflection"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/retry"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/tools"
)

// defaultParamRetry applies when no retry policy is configured.
var defaultParamRetry = retry.Policy{Attempts: 2, Delay: time.Second}

// errNoisyRun marks an arjun run that found parameters but also wrote to
// stderr. It is retried; if every attempt is noisy the last parameters are
// kept.
var errNoisyRun = errors.New("arjun reported errors alongside parameters")

// secretParameters runs arjun against each dynamic directory hit and keeps
// the URLs where it found parameters.
func (s *Service) secretParameters(ctx context.Context, req Request) (any, error) {
	all, err := s.directoryURLs(req.Domain)
	if err != nil {
		return nil, err
	}
	var urls []string
	for _, u := range all {
		if !isStatic(u) {
			urls = append(urls, u)
		}
	}
	return s.parameterStage(ctx, SecretParameters, req.Domain, urls)
}

func (s *Service) parameterStage(ctx context.Context, stage, domain string, urls []string) (ParametersResponse, error) {
	resp := ParametersResponse{Domain: domain, TotalURLs: len(urls), Results: s.discoverParameters(ctx, stage, urls)}

	path, err := s.save(stage, domain, resp)
	if err != nil {
		return ParametersResponse{}, err
	}
	resp.Artifact = path
	s.logger.Infow("Parameter discovery completed", "stage", stage, "domain", domain, "urls", len(urls), "with_parameters", len(resp.Results))
	return resp, nil
}

// discoverParameters runs arjun on every URL, retrying flaky runs, and
// returns the URLs that have parameters in input order.
func (s *Service) discoverParameters(ctx context.Context, stage string, urls []string) []reflection.Target {
	policy := s.retry
	if policy.Attempts <= 0 {
		policy = defaultParamRetry
	}
	tool := s.tool(tools.Arjun)

	outcomes := fanout.InOrder(fanout.Run(ctx, urls, func(ctx context.Context, u string) ([]string, error) {
		params, err := retry.Do(ctx, policy, func(ctx context.Context) ([]string, error) {
			out, err := s.runner.Run(ctx, tool, tools.ArjunArgs(u)...)
			if err != nil {
				return nil, err
			}
			params := tools.ParseArjun(out.Stdout)
			if len(params) > 0 && out.Stderr != "" {
				return params, errNoisyRun
			}
			return params, nil
		}, func(attempt int, err error) {
			s.logger.Debugw("Retrying parameter discovery", "url", u, "attempt", attempt, "error", err)
		})
		if errors.Is(err, errNoisyRun) {
			return params, nil
		}
		return params, err
	}, s.toolFanout(retryBudget(tool, policy))))
	recordItems(s, stage, outcomes)

	targets := []reflection.Target{}
	errs := NewErrorAggregator()
	for _, o := range outcomes {
		if o.Err != nil {
			errs.Add(o.Item, o.Err)
			continue
		}
		if len(o.Value) > 0 {
			targets = append(targets, reflection.Target{URL: o.Item, Parameters: o.Value})
		}
	}
	errs.Log(s.logger, stage, len(urls))
	return targets
}
