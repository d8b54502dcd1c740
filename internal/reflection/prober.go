// Package reflection probes whether a query parameter value is echoed back
// by a target page. Each probe injects a fresh marker, renders the page and
// searches both the markup and its visible text for the marker.
package reflection

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/fanout"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/logger"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/rules"
)

const MarkerPrefix = "MK_"

// Renderer returns the fully rendered markup for a URL.
type Renderer interface {
	Render(ctx context.Context, rawURL string) (string, error)
}

type Result struct {
	URL       string `json:"url"`
	TestedURL string `json:"tested_url"`
	Parameter string `json:"parameter"`
	Marker    string `json:"marker"`
	Reflected bool   `json:"reflected"`
	Error     string `json:"error,omitempty"`
}

// Target is one endpoint with the parameters to probe, in the shape the
// parameter discovery stages write.
type Target struct {
	URL        string   `json:"url"`
	Parameters []string `json:"parameters"`
}

type Prober struct {
	renderer  Renderer
	logger    *logger.Logger
	newMarker func() string
}

func NewProber(renderer Renderer, log *logger.Logger) *Prober {
	if log == nil {
		log = logger.Nop()
	}
	return &Prober{
		renderer:  renderer,
		logger:    log.WithComponent("reflection"),
		newMarker: NewMarker,
	}
}

// NewMarker returns MK_ followed by 12 lowercase hex characters taken from
// a random UUID. No two calls return the same marker in practice.
func NewMarker() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return MarkerPrefix + id[:12]
}

// Probe never returns an error: injection and render failures are reported
// on the Result with Reflected false.
func (p *Prober) Probe(ctx context.Context, rawURL, parameter string) Result {
	marker := p.newMarker()
	res := Result{URL: rawURL, Parameter: parameter, Marker: marker}

	tested, err := Inject(rawURL, parameter, marker)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.TestedURL = tested

	start := time.Now()
	markup, err := p.renderer.Render(ctx, tested)
	if err != nil {
		res.Error = fmt.Sprintf("render: %v", err)
		p.logger.Debugw("Render failed", "url", tested, "parameter", parameter, "error", err)
		return res
	}

	res.Reflected = Detect(markup, marker)
	p.logger.Debugw("Probe finished",
		"url", tested,
		"parameter", parameter,
		"reflected", res.Reflected,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res
}

// ProbeAll probes every (url, parameter) pair of targets through the fan-out
// executor. Results are returned in input order.
func (p *Prober) ProbeAll(ctx context.Context, targets []Target, opts fanout.Options) []Result {
	type pair struct{ url, param string }

	var pairs []pair
	for _, t := range targets {
		for _, param := range t.Parameters {
			if param == "" {
				continue
			}
			pairs = append(pairs, pair{t.URL, param})
		}
	}

	outcomes := fanout.InOrder(fanout.Run(ctx, pairs, func(ctx context.Context, pr pair) (Result, error) {
		return p.Probe(ctx, pr.url, pr.param), nil
	}, opts))

	results := make([]Result, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Err != nil {
			results = append(results, Result{URL: o.Item.url, Parameter: o.Item.param, Error: o.Err.Error()})
			continue
		}
		results = append(results, o.Value)
	}
	return results
}

// Detect reports whether marker occurs in the raw markup or in its
// extracted visible text.
func Detect(markup, marker string) bool {
	if marker == "" {
		return false
	}
	if strings.Contains(markup, marker) {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return false
	}
	return strings.Contains(rules.VisibleText(doc.Selection), marker)
}

// Inject sets parameter to value in rawURL's query. The first occurrence is
// replaced in place, later duplicates are dropped, and the parameter is
// appended when absent. Every other pair is kept byte for byte.
func Inject(rawURL, parameter, value string) (string, error) {
	if parameter == "" {
		return "", fmt.Errorf("empty parameter name")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse %q: %w", rawURL, err)
	}

	var pairs []string
	if u.RawQuery != "" {
		pairs = strings.Split(u.RawQuery, "&")
	}

	out := make([]string, 0, len(pairs)+1)
	replaced := false
	for _, pair := range pairs {
		rawKey, _, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(rawKey)
		if err != nil {
			key = rawKey
		}
		if key != parameter {
			out = append(out, pair)
			continue
		}
		if !replaced {
			out = append(out, rawKey+"="+url.QueryEscape(value))
			replaced = true
		}
	}
	if !replaced {
		out = append(out, url.QueryEscape(parameter)+"="+url.QueryEscape(value))
	}

	u.RawQuery = strings.Join(out, "&")
	u.ForceQuery = false
	return u.String(), nil
}
