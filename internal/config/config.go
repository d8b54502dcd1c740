package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Server    ServerConfig    `mapstructure:"server"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Rules     RulesConfig     `mapstructure:"rules"`
}

type LoggerConfig struct {
	Level       string   `mapstructure:"level"`
	Format      string   `mapstructure:"format"`
	OutputPaths []string `mapstructure:"output_paths"`
}

type PipelineConfig struct {
	// BaseURL is where stage services listen; each stage path is appended to it.
	BaseURL      string        `mapstructure:"base_url"`
	ResultsDir   string        `mapstructure:"results_dir"`
	ReportDir    string        `mapstructure:"report_dir"`
	StageTimeout time.Duration `mapstructure:"stage_timeout"`
	// ScopeFile optionally lists in-scope and out-of-scope hosts; discovered
	// hosts outside it are dropped.
	ScopeFile string        `mapstructure:"scope_file"`
	Stages    []StageConfig `mapstructure:"stages"`
}

type StageConfig struct {
	Name     string        `mapstructure:"name"`
	Display  string        `mapstructure:"display"`
	Path     string        `mapstructure:"path"`
	Required bool          `mapstructure:"required"`
	Enabled  bool          `mapstructure:"enabled"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// URL joins the stage path onto base.
func (s StageConfig) URL(base string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(s.Path, "/")
}

type WorkerConfig struct {
	// MaxConcurrency of zero means one worker per CPU.
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	ItemTimeout    time.Duration `mapstructure:"item_timeout"`
	// SourceTimeout bounds one subdomain source as a whole. Zero disables it.
	SourceTimeout time.Duration `mapstructure:"source_timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
}

type HTTPConfig struct {
	Timeout            time.Duration   `mapstructure:"timeout"`
	UserAgent          string          `mapstructure:"user_agent"`
	MaxBodyBytes       int64           `mapstructure:"max_body_bytes"`
	InsecureSkipVerify bool            `mapstructure:"insecure_skip_verify"`
	RateLimit          RateLimitConfig `mapstructure:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `mapstructure:"requests_per_second"`
	BurstSize         int `mapstructure:"burst_size"`
}

type ToolsConfig struct {
	Sublist3r    ToolConfig `mapstructure:"sublist3r"`
	Dirsearch    ToolConfig `mapstructure:"dirsearch"`
	Nuclei       ToolConfig `mapstructure:"nuclei"`
	XNLinkFinder ToolConfig `mapstructure:"xnlinkfinder"`
	Arjun        ToolConfig `mapstructure:"arjun"`
	Wapiti       ToolConfig `mapstructure:"wapiti"`
	// NucleiTemplates are passed to nuclei with -t, relative to its
	// template directory. Empty means the built-in list.
	NucleiTemplates []string `mapstructure:"nuclei_templates"`
}

type ToolConfig struct {
	BinaryPath string        `mapstructure:"binary_path"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Required   bool          `mapstructure:"required"`
}

type BrowserConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Headless       bool          `mapstructure:"headless"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Wait           time.Duration `mapstructure:"wait"`
	UserAgent      string        `mapstructure:"user_agent"`
	ViewportWidth  int           `mapstructure:"viewport_width"`
	ViewportHeight int           `mapstructure:"viewport_height"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// APIKey, when set, must be sent as a Bearer token on every route
	// except /health.
	APIKey string `mapstructure:"api_key"`
	// RateLimit applies per client IP. A zero rate disables it.
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

type CacheConfig struct {
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	MaxRetries  int           `mapstructure:"max_retries"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

type RulesConfig struct {
	// DetectorsDir holds additional detector files (*.json, *.yaml).
	DetectorsDir string `mapstructure:"detectors_dir"`
	// PatternsFile replaces the built-in signature registry when set.
	PatternsFile string `mapstructure:"patterns_file"`
}

// Validate rejects configurations that would fail later in a less obvious place.
func (c *Config) Validate() error {
	var errs []error

	if c.Pipeline.BaseURL != "" {
		if _, err := url.ParseRequestURI(c.Pipeline.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("pipeline.base_url: %w", err))
		}
	}
	if c.Pipeline.ResultsDir == "" {
		errs = append(errs, errors.New("pipeline.results_dir must be set"))
	}
	if c.Pipeline.StageTimeout <= 0 {
		errs = append(errs, errors.New("pipeline.stage_timeout must be positive"))
	}

	seen := make(map[string]bool, len(c.Pipeline.Stages))
	for i, s := range c.Pipeline.Stages {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("pipeline.stages[%d]: name is required", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("pipeline.stages[%d]: duplicate stage %q", i, s.Name))
		}
		seen[s.Name] = true
		if s.Timeout < 0 {
			errs = append(errs, fmt.Errorf("pipeline.stages[%d]: negative timeout", i))
		}
	}

	if c.Worker.MaxConcurrency < 0 {
		errs = append(errs, errors.New("worker.max_concurrency must not be negative"))
	}
	if c.Worker.ItemTimeout <= 0 {
		errs = append(errs, errors.New("worker.item_timeout must be positive"))
	}
	if c.Worker.SourceTimeout < 0 {
		errs = append(errs, errors.New("worker.source_timeout must not be negative"))
	}
	if c.Worker.MaxRetries < 0 {
		errs = append(errs, errors.New("worker.max_retries must not be negative"))
	}
	if c.HTTP.Timeout <= 0 {
		errs = append(errs, errors.New("http.timeout must be positive"))
	}
	if c.HTTP.RateLimit.RequestsPerSecond < 0 || c.HTTP.RateLimit.BurstSize < 0 {
		errs = append(errs, errors.New("http.rate_limit values must not be negative"))
	}
	if c.Server.RateLimit.RequestsPerSecond < 0 || c.Server.RateLimit.BurstSize < 0 {
		errs = append(errs, errors.New("server.rate_limit values must not be negative"))
	}

	switch c.Cache.Backend {
	case "", "none", "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("cache.backend %q is not one of none, memory, redis", c.Cache.Backend))
	}

	return errors.Join(errs...)
}

// EnabledStages returns stages in declared order, skipping disabled ones.
func (c *Config) EnabledStages() []StageConfig {
	out := make([]StageConfig, 0, len(c.Pipeline.Stages))
	for _, s := range c.Pipeline.Stages {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) Stage(name string) (StageConfig, bool) {
	for _, s := range c.Pipeline.Stages {
		if s.Name == name {
			return s, true
		}
	}
	return StageConfig{}, false
}

func DefaultConfig() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:       "info",
			Format:      "console",
			OutputPaths: []string{"stderr"},
		},
		Pipeline: PipelineConfig{
			BaseURL:      "http://127.0.0.1:8088",
			ResultsDir:   "results",
			ReportDir:    "final_results",
			StageTimeout: 2 * time.Hour,
			Stages:       DefaultStages(),
		},
		Worker: WorkerConfig{
			MaxConcurrency: 0,
			ItemTimeout:    60 * time.Second,
			SourceTimeout:  10 * time.Minute,
			MaxRetries:     2,
			RetryDelay:     1 * time.Second,
		},
		HTTP: HTTPConfig{
			Timeout:      10 * time.Second,
			UserAgent:    "Mozilla/5.0 (compatible; doomscope/1.0)",
			MaxBodyBytes: 5 << 20,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 10,
				BurstSize:         20,
			},
		},
		Tools: ToolsConfig{
			Sublist3r:    ToolConfig{BinaryPath: "sublist3r", Timeout: 60 * time.Second},
			Dirsearch:    ToolConfig{BinaryPath: "dirsearch", Timeout: 30 * time.Minute, Required: true},
			Nuclei:       ToolConfig{BinaryPath: "nuclei", Timeout: 30 * time.Minute},
			XNLinkFinder: ToolConfig{BinaryPath: "xnLinkFinder", Timeout: 10 * time.Minute},
			Arjun:        ToolConfig{BinaryPath: "arjun", Timeout: 5 * time.Minute, Required: true},
			Wapiti:       ToolConfig{BinaryPath: "wapiti", Timeout: 30 * time.Minute},
		},
		Browser: BrowserConfig{
			Enabled:        true,
			Headless:       true,
			Timeout:        30 * time.Second,
			Wait:           2 * time.Second,
			UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
			ViewportWidth:  1366,
			ViewportHeight: 768,
		},
		Server: ServerConfig{
			Addr:         "127.0.0.1:8088",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 2 * time.Hour,
		},
		Cache: CacheConfig{
			Backend: "memory",
			TTL:     24 * time.Hour,
			Redis: RedisConfig{
				Addr:        "localhost:6379",
				MaxRetries:  3,
				DialTimeout: 5 * time.Second,
			},
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "doomscope",
			Endpoint:    "localhost:4318",
			SampleRate:  1.0,
		},
	}
}

// DefaultStages is the stage order every run follows unless configured otherwise.
func DefaultStages() []StageConfig {
	stage := func(name, display, path string, required bool) StageConfig {
		return StageConfig{Name: name, Display: display, Path: "/" + name + path, Required: required, Enabled: true}
	}
	return []StageConfig{
		stage("subdomain_enum", "Subdomain Enumeration", "/scan", true),
		stage("archived_contents", "Archived Contents", "/scan", false),
		stage("directory_search", "Directory Search", "/run", false),
		stage("tech_fingerprinting", "Tech Fingerprinting", "/techscan", false),
		stage("basic_security_scan", "Basic Security Scan", "/run", false),
		stage("api_enum", "API Enumeration", "/run", false),
		stage("public_parameters", "Public Parameters", "/scan", false),
		stage("secret_parameters", "Secret Parameters", "/scan", false),
		stage("archived_parameters", "Archived Parameters", "/scan", false),
		stage("sensitive_token_archived", "Sensitive Token Archived", "/scan", false),
		stage("sensitive_path_enum", "Sensitive Paths", "/scan", false),
		stage("sensitive_login_enum", "Sensitive Logins", "/scan", false),
		stage("page_identifier", "Page Identifier", "/scan", false),
		stage("public_page_identifier", "Public Page Identifier", "/scan", false),
		stage("reflected_parameter_check", "Reflected Params", "/reflect-scan", false),
		stage("public_reflected_parameter_check", "Public Reflected Params", "/scan", false),
		stage("archived_reflected_parameter_check", "Archived Reflected", "/reflect-scan", false),
		stage("js_analysis", "JS Analysis", "/run", false),
		stage("hidden_js_analysis", "Hidden JS Analysis", "/scan", false),
		stage("public_js_analysis", "Public JS Analysis", "/scan", false),
		stage("archived_js_analysis", "Archived JS Analysis", "/scan", false),
		stage("security_scanner", "Final Security Scanner", "/scan", false),
	}
}
