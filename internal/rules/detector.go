// Package rules scores content against weighted detectors. A detector's
// score is the plain sum of the weights of every signal present; every
// signal is evaluated, forbidden ones included, and a detector matches
// when the sum reaches its threshold.
package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
)

// View names the normalized form of the content a signal is tested against.
type View string

const (
	// ViewHTML matches CSS selectors against the parsed document.
	ViewHTML View = "html"
	// ViewText matches substrings or a pattern against case-folded visible text.
	ViewText View = "text"
	// ViewURL matches substrings or a pattern against the case-folded URL.
	ViewURL View = "url"
)

type Category string

const (
	Required  Category = "required"
	Optional  Category = "optional"
	Forbidden Category = "forbidden"
)

// Signal is present when any entry of Any matches, or when Pattern matches.
type Signal struct {
	Name     string   `json:"name" yaml:"name"`
	View     View     `json:"view" yaml:"view"`
	Category Category `json:"category" yaml:"category"`
	Any      []string `json:"any,omitempty" yaml:"any,omitempty"`
	Pattern  string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Weight   int      `json:"weight" yaml:"weight"`

	selectors []cascadia.Selector
	needles   []string
	re        *regexp.Regexp
}

type Detector struct {
	Name      string   `json:"name" yaml:"name"`
	Threshold int      `json:"threshold" yaml:"threshold"`
	Signals   []Signal `json:"signals" yaml:"signals"`

	compiled bool
}

// Compile validates the detector and prepares its matchers. Forbidden
// signals must carry a negative weight, required and optional ones a
// non-negative weight.
func (d *Detector) Compile() error {
	if strings.TrimSpace(d.Name) == "" {
		return errors.New("detector name is required")
	}
	if len(d.Signals) == 0 {
		return fmt.Errorf("detector %q has no signals", d.Name)
	}

	var errs []error
	for i := range d.Signals {
		if err := d.Signals[i].compile(); err != nil {
			errs = append(errs, fmt.Errorf("detector %q signal %d (%s): %w", d.Name, i, d.Signals[i].Name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	d.compiled = true
	return nil
}

func (s *Signal) compile() error {
	switch s.Category {
	case Required, Optional:
		if s.Weight < 0 {
			return fmt.Errorf("%s weight must not be negative, got %d", s.Category, s.Weight)
		}
	case Forbidden:
		if s.Weight >= 0 {
			return fmt.Errorf("forbidden weight must be negative, got %d", s.Weight)
		}
	default:
		return fmt.Errorf("unknown category %q", s.Category)
	}

	if len(s.Any) == 0 && s.Pattern == "" {
		return errors.New("signal needs at least one of any or pattern")
	}

	s.selectors, s.needles, s.re = nil, nil, nil

	switch s.View {
	case ViewHTML:
		if s.Pattern != "" {
			return errors.New("html signals match selectors, not patterns")
		}
		for _, sel := range s.Any {
			m, err := cascadia.Compile(sel)
			if err != nil {
				return fmt.Errorf("invalid selector %q: %w", sel, err)
			}
			s.selectors = append(s.selectors, m)
		}
	case ViewText, ViewURL:
		for _, n := range s.Any {
			if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
				s.needles = append(s.needles, n)
			}
		}
		if s.Pattern != "" {
			re, err := regexp.Compile("(?i)" + s.Pattern)
			if err != nil {
				return fmt.Errorf("invalid pattern: %w", err)
			}
			s.re = re
		}
	default:
		return fmt.Errorf("unknown view %q", s.View)
	}
	return nil
}

func (s *Signal) present(c *Content) bool {
	switch s.View {
	case ViewHTML:
		for _, m := range s.selectors {
			if c.doc.FindMatcher(goquery.SingleMatcher(m)).Length() > 0 {
				return true
			}
		}
		return false
	case ViewURL:
		return s.matchString(c.url)
	default:
		return s.matchString(c.text)
	}
}

func (s *Signal) matchString(v string) bool {
	for _, n := range s.needles {
		if strings.Contains(v, n) {
			return true
		}
	}
	return s.re != nil && s.re.MatchString(v)
}

type Hit struct {
	Signal   string   `json:"signal"`
	Category Category `json:"category"`
	Weight   int      `json:"weight"`
}

type Evaluation struct {
	Detector  string `json:"detector"`
	Score     int    `json:"score"`
	Threshold int    `json:"threshold"`
	Matched   bool   `json:"matched"`
	Hits      []Hit  `json:"hits,omitempty"`
}

// Evaluate scores c. It never short-circuits: a forbidden hit only lowers
// the sum. Panics if the detector was not compiled.
func (d *Detector) Evaluate(c *Content) Evaluation {
	if !d.compiled {
		panic(fmt.Sprintf("rules: detector %q evaluated before Compile", d.Name))
	}

	ev := Evaluation{Detector: d.Name, Threshold: d.Threshold}
	for i := range d.Signals {
		s := &d.Signals[i]
		if !s.present(c) {
			continue
		}
		ev.Score += s.Weight
		ev.Hits = append(ev.Hits, Hit{Signal: s.Name, Category: s.Category, Weight: s.Weight})
	}
	ev.Matched = ev.Score >= d.Threshold
	return ev
}
