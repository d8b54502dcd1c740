package stages

import (
	"context"
	"errors"
	"fmt"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/artifacts"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/cache"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/config"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/fanout"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/fetch"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/logger"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/patterns"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/render"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/retry"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/rules"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/tools"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/validation"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/discovery/archive"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/discovery/certlogs"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/discovery/dns"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/discovery/favicon"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/discovery/techstack"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/discovery/whois"
)

// NewFromConfig wires a Service from configuration: the source cache, the
// rate limited fetch client, the renderer, every subdomain source and the
// detector and signature files. The returned close function releases the
// browser and the cache.
func NewFromConfig(ctx context.Context, cfg *config.Config, tel telemetry.Telemetry, log *logger.Logger) (*Service, func() error, error) {
	if log == nil {
		log = logger.Nop()
	}

	store, err := cache.New(cfg.Cache)
	if err != nil {
		return nil, nil, fmt.Errorf("cache: %w", err)
	}
	fetcher := fetch.FromConfig(cfg.HTTP, fetch.WithCache(store, cfg.Cache.TTL))

	var detectors []*rules.Detector
	if cfg.Rules.DetectorsDir != "" {
		if detectors, err = rules.LoadDir(cfg.Rules.DetectorsDir); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("detectors: %w", err)
		}
	}
	registry := patterns.Default()
	if cfg.Rules.PatternsFile != "" {
		if registry, err = patterns.LoadFile(cfg.Rules.PatternsFile); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("patterns: %w", err)
		}
	}
	var scope *validation.ScopeFile
	if cfg.Pipeline.ScopeFile != "" {
		if scope, err = validation.LoadScopeFile(cfg.Pipeline.ScopeFile); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("scope file: %w", err)
		}
	}

	toolset := tools.FromConfig(cfg.Tools)
	runner := tools.NewExecRunner(log)
	workers := fanout.Options{MaxConcurrency: cfg.Worker.MaxConcurrency, ItemTimeout: cfg.Worker.ItemTimeout}

	wayback := archive.NewWaybackScanner(fetcher, log)
	ctlogs := certlogs.NewClient(fetcher, log)
	brute := dns.NewDNSBruteforcer(log, dns.WithFanout(workers))

	sources := []HostSource{
		{Name: certlogs.SourceName, Hosts: ctlogs.DiscoverSubdomains},
		{Name: archive.SourceName, Hosts: wayback.Hosts},
		{Name: dns.SourceName, Hosts: brute.Hosts},
	}
	for _, t := range toolset {
		if t.Name == tools.Sublist3r {
			sources = append(sources, Sublist3rSource(runner, t))
		}
	}

	fingerprinter, err := techstack.NewTechFingerprinter(fetcher, favicon.NewHasher(fetcher, favicon.NewDatabase(), log), log)
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("fingerprinter: %w", err)
	}

	renderer := render.New(ctx, cfg.Browser, fetcher, log)

	svc, err := New(Deps{
		Store:           artifacts.NewStore(cfg.Pipeline.ResultsDir),
		Fetch:           fetcher,
		Renderer:        renderer,
		Runner:          runner,
		Tools:           toolset,
		NucleiTemplates: cfg.Tools.NucleiTemplates,
		Patterns:        registry,
		Detectors:       detectors,
		HostSources:     sources,
		Archive:         wayback,
		Whois:           whois.NewWhoisClient(log, cfg.HTTP.Timeout, whois.WithCache(store, cfg.Cache.TTL)),
		Fingerprinter:   fingerprinter,
		Scope:           scope,
		Fanout:          workers,
		SourceTimeout:   cfg.Worker.SourceTimeout,
		Retry:           retry.FromConfig(cfg.Worker),
		Telemetry:       tel,
		Logger:          log,
	})
	closeAll := func() error {
		return errors.Join(renderer.Close(), store.Close())
	}
	if err != nil {
		_ = closeAll()
		return nil, nil, err
	}
	return svc, closeAll, nil
}
