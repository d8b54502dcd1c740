// Package stages implements the pipeline stages behind their HTTP contract.
//
// Every stage takes a Request, does its work with the shared fetch, render,
// tool and classification components, writes its artifact under the
// results directory and returns a JSON-ready response. Later stages read
// earlier artifacts from disk rather than calling the earlier stage again.
package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/artifacts"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/config"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/fanout"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/fetch"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/logger"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/patterns"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/reflection"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/retry"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/rules"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/tools"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/validation"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/discovery/jsanalysis"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/discovery/techstack"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/discovery/whois"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

const (
	SubdomainEnum                   = "subdomain_enum"
	ArchivedContents                = "archived_contents"
	DirectorySearch                 = "directory_search"
	TechFingerprinting              = "tech_fingerprinting"
	BasicSecurityScan               = "basic_security_scan"
	APIEnum                         = "api_enum"
	PublicParameters                = "public_parameters"
	SecretParameters                = "secret_parameters"
	ArchivedParameters              = "archived_parameters"
	SensitiveTokenArchived          = "sensitive_token_archived"
	SensitivePathEnum               = "sensitive_path_enum"
	SensitiveLoginEnum              = "sensitive_login_enum"
	PageIdentifier                  = "page_identifier"
	PublicPageIdentifier            = "public_page_identifier"
	ReflectedParameterCheck         = "reflected_parameter_check"
	PublicReflectedParameterCheck   = "public_reflected_parameter_check"
	ArchivedReflectedParameterCheck = "archived_reflected_parameter_check"
	JSAnalysis                      = "js_analysis"
	HiddenJSAnalysis                = "hidden_js_analysis"
	PublicJSAnalysis                = "public_js_analysis"
	ArchivedJSAnalysis              = "archived_js_analysis"
	SecurityScanner                 = "security_scanner"
)

var errNotConfigured = errors.New("not configured")

// Request is the body every stage accepts. Stages that work on explicit
// hosts also take Subdomains and an optional Label naming the output.
type Request struct {
	Domain     string   `json:"domain"`
	Subdomains []string `json:"subdomains,omitempty"`
	Label      string   `json:"label,omitempty"`
}

// Handler runs one stage. The returned value is encoded as the response.
type Handler func(ctx context.Context, req Request) (any, error)

// HostSource is one discovery provider for subdomain_enum.
type HostSource struct {
	Name  string
	Hosts func(ctx context.Context, domain string) ([]string, error)
}

// ArchiveIndex lists archived URLs for a domain.
type ArchiveIndex interface {
	URLs(ctx context.Context, domain string) ([]string, error)
}

type WhoisLookup interface {
	LookupDomain(ctx context.Context, domain string) (*whois.WhoisResult, error)
}

type Fingerprinter interface {
	FingerprintHost(ctx context.Context, host string) (*techstack.HostResult, error)
}

// Deps are the collaborators shared by all stages. Nil optional fields
// disable the feature that needs them.
type Deps struct {
	Store    *artifacts.Store
	Fetch    *fetch.Client
	Renderer reflection.Renderer
	Runner   tools.Runner
	Tools    []tools.Tool
	// NucleiTemplates default to tools.DefaultNucleiTemplates.
	NucleiTemplates []string

	Patterns *patterns.Registry
	// Detectors are evaluated by page_identifier. The login detector is
	// always added.
	Detectors []*rules.Detector

	HostSources   []HostSource
	Archive       ArchiveIndex
	Whois         WhoisLookup
	Fingerprinter Fingerprinter
	Scope         *validation.ScopeFile

	Fanout fanout.Options
	// SourceTimeout bounds each subdomain source as a whole; zero leaves
	// sources bounded only by their own clients.
	SourceTimeout time.Duration
	Retry         retry.Policy
	Telemetry     telemetry.Telemetry
	Logger        *logger.Logger
}

type Service struct {
	store    *artifacts.Store
	fetch    *fetch.Client
	renderer reflection.Renderer
	runner   tools.Runner
	tools    map[string]tools.Tool
	nuclei   []string

	patterns *patterns.Registry
	engine   *rules.Engine
	login    *rules.Engine
	prober   *reflection.Prober
	scripts  *jsanalysis.Analyzer

	hostSources   []HostSource
	archive       ArchiveIndex
	whois         WhoisLookup
	fingerprinter Fingerprinter
	scope         *validation.ScopeFile

	fanout        fanout.Options
	sourceTimeout time.Duration
	retry         retry.Policy
	telemetry     telemetry.Telemetry
	logger        *logger.Logger

	handlers map[string]Handler
}

func New(d Deps) (*Service, error) {
	if d.Store == nil {
		return nil, fmt.Errorf("stages: artifact store is required")
	}
	if d.Fetch == nil {
		return nil, fmt.Errorf("stages: fetch client is required")
	}
	if d.Logger == nil {
		d.Logger = logger.Nop()
	}
	if d.Telemetry == nil {
		d.Telemetry = telemetry.Noop()
	}
	if d.Patterns == nil {
		d.Patterns = patterns.Default()
	}
	if d.Runner == nil {
		d.Runner = tools.NewExecRunner(d.Logger)
	}

	login, err := rules.NewEngine(rules.LoginPage())
	if err != nil {
		return nil, fmt.Errorf("stages: login detector: %w", err)
	}
	detectors := slices.Clone(d.Detectors)
	if !slices.ContainsFunc(detectors, func(det *rules.Detector) bool { return det.Name == rules.LoginPage().Name }) {
		detectors = append(detectors, rules.LoginPage())
	}
	engine, err := rules.NewEngine(detectors...)
	if err != nil {
		return nil, fmt.Errorf("stages: detectors: %w", err)
	}

	s := &Service{
		store:         d.Store,
		fetch:         d.Fetch,
		renderer:      d.Renderer,
		runner:        d.Runner,
		tools:         make(map[string]tools.Tool, len(d.Tools)),
		nuclei:        d.NucleiTemplates,
		patterns:      d.Patterns,
		engine:        engine,
		login:         login,
		hostSources:   d.HostSources,
		archive:       d.Archive,
		whois:         d.Whois,
		fingerprinter: d.Fingerprinter,
		scope:         d.Scope,
		fanout:        d.Fanout,
		sourceTimeout: d.SourceTimeout,
		retry:         d.Retry,
		telemetry:     d.Telemetry,
		logger:        d.Logger.WithComponent("stages"),
	}
	for _, t := range d.Tools {
		s.tools[t.Name] = t
	}
	if len(s.nuclei) == 0 {
		s.nuclei = tools.DefaultNucleiTemplates
	}
	s.scripts = jsanalysis.NewAnalyzer(s.fetch, s.patterns, d.Logger)
	if s.renderer != nil {
		s.prober = reflection.NewProber(s.renderer, d.Logger)
	}

	s.handlers = map[string]Handler{
		SubdomainEnum:                   s.subdomainEnum,
		ArchivedContents:                s.archivedContents,
		DirectorySearch:                 s.directorySearch,
		TechFingerprinting:              s.techFingerprinting,
		BasicSecurityScan:               s.basicSecurityScan,
		APIEnum:                         s.apiEnum,
		PublicParameters:                s.publicParameters,
		SecretParameters:                s.secretParameters,
		ArchivedParameters:              s.archivedParameters,
		SensitiveTokenArchived:          s.sensitiveTokenArchived,
		SensitivePathEnum:               s.sensitivePathEnum,
		SensitiveLoginEnum:              s.sensitiveLoginEnum,
		PageIdentifier:                  s.pageIdentifier,
		PublicPageIdentifier:            s.publicPageIdentifier,
		ReflectedParameterCheck:         s.reflectedParameterCheck,
		PublicReflectedParameterCheck:   s.publicReflectedParameterCheck,
		ArchivedReflectedParameterCheck: s.archivedReflectedParameterCheck,
		JSAnalysis:                      s.jsAnalysis,
		HiddenJSAnalysis:                s.hiddenJSAnalysis,
		PublicJSAnalysis:                s.publicJSAnalysis,
		ArchivedJSAnalysis:              s.archivedJSAnalysis,
		SecurityScanner:                 s.securityScanner,
	}
	return s, nil
}

// Names lists every stage the service implements, sorted.
func (s *Service) Names() []string {
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (s *Service) Handler(name string) (Handler, bool) {
	h, ok := s.handlers[name]
	return h, ok
}

// Run validates the request domain and runs the named stage.
func (s *Service) Run(ctx context.Context, name string, req Request) (any, error) {
	h, ok := s.handlers[name]
	if !ok {
		return nil, types.Validation(name, "unknown stage")
	}

	if req.Domain != "" || len(req.Subdomains) == 0 {
		domain, err := validation.ValidateDomain(req.Domain)
		if err != nil {
			return nil, err
		}
		req.Domain = domain
	}

	log := s.logger.WithStage(name).WithDomain(req.Domain)
	ctx, span := log.StartOperation(ctx, "stage."+name)
	start := time.Now()

	resp, err := h(ctx, req)

	status := types.StageStatusSucceeded
	if err != nil {
		status = types.StageStatusFailed
	}
	s.telemetry.RecordStage(name, status, time.Since(start))
	log.FinishOperation(ctx, span, "stage."+name, start, err)
	return resp, err
}

// Invoke runs a stage in process and returns the response as a generic
// object, the same shape an HTTP caller would decode.
func (s *Service) Invoke(ctx context.Context, stage config.StageConfig, domain string) (map[string]any, error) {
	resp, err := s.Run(ctx, stage.Name, Request{Domain: domain})
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("encode %s response: %w", stage.Name, err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", stage.Name, err)
	}
	return out, nil
}

// artifactName is the per-domain file name every stage writes.
func artifactName(domain string) string {
	return artifacts.Key(domain) + ".json"
}

func (s *Service) save(stage, domain string, v any) (string, error) {
	return s.store.WriteJSON(stage, artifactName(domain), v)
}

// load reads an earlier stage's artifact. A missing or unreadable artifact
// is a MalformedArtifact error.
func (s *Service) load(stage, domain string, v any) error {
	return s.store.ReadJSON(stage, artifactName(domain), v)
}

func (s *Service) tool(name string) tools.Tool {
	if t, ok := s.tools[name]; ok {
		return t
	}
	return tools.Tool{Name: name, Binary: name}
}

// toolGrace lets a tool's own deadline and the kill that follows it fire
// before the item deadline does.
const toolGrace = 15 * time.Second

// toolFanout keeps the worker concurrency but sizes the item deadline to
// budget, the longest one item may legitimately run. A zero budget leaves
// items bounded by the tool's own timeout only.
func (s *Service) toolFanout(budget time.Duration) fanout.Options {
	opts := s.fanout
	if budget <= 0 {
		opts.ItemTimeout = 0
		return opts
	}
	opts.ItemTimeout = max(opts.ItemTimeout, budget+toolGrace)
	return opts
}

// retryBudget is the worst case for running tool under policy: every
// attempt times out and every delay is waited.
func retryBudget(tool tools.Tool, policy retry.Policy) time.Duration {
	if tool.Timeout <= 0 {
		return 0
	}
	n := time.Duration(max(policy.Attempts, 1))
	return tool.Timeout*n + (n-1)*policy.Delay
}

// recordItems reports fan-out counts for a stage.
func recordItems[T, R any](s *Service, stage string, outcomes []fanout.Outcome[T, R]) {
	ok, failed := fanout.Count(outcomes)
	s.telemetry.RecordItems(stage, ok, failed)
}

// hostURL turns a host into a URL, keeping an explicit scheme.
func hostURL(host string) string {
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return host
	}
	return "https://" + host
}

// staticExtensions are skipped by stages that only want dynamic endpoints.
var staticExtensions = []string{
	".png", ".jpg", ".jpeg", ".gif", ".svg", ".css", ".js", ".ico", ".woff",
	".ttf", ".txt", ".log", ".zip", ".pdf", ".yaml", ".yml",
}

// isStatic reports URLs that point at static files, robots.txt or sitemaps.
func isStatic(rawURL string) bool {
	lower := strings.ToLower(rawURL)
	if strings.Contains(lower, "robots.txt") || strings.Contains(lower, "sitemap") {
		return true
	}
	for _, ext := range staticExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// isScript reports URLs whose path ends in .js, ignoring the query.
func isScript(rawURL string) bool {
	path, _, _ := strings.Cut(rawURL, "?")
	path, _, _ = strings.Cut(path, "#")
	return strings.HasSuffix(strings.ToLower(path), ".js")
}
