package rules

import (
	"fmt"
)

// Engine evaluates a fixed, ordered set of compiled detectors. It is
// immutable after construction and safe for concurrent use.
type Engine struct {
	detectors []*Detector
}

func NewEngine(detectors ...*Detector) (*Engine, error) {
	seen := make(map[string]bool, len(detectors))
	for _, d := range detectors {
		if seen[d.Name] {
			return nil, fmt.Errorf("duplicate detector %q", d.Name)
		}
		seen[d.Name] = true
		if !d.compiled {
			if err := d.Compile(); err != nil {
				return nil, err
			}
		}
	}
	return &Engine{detectors: detectors}, nil
}

// Evaluate returns one evaluation per detector, in detector order.
func (e *Engine) Evaluate(c *Content) []Evaluation {
	out := make([]Evaluation, 0, len(e.detectors))
	for _, d := range e.detectors {
		out = append(out, d.Evaluate(c))
	}
	return out
}

// Classify returns the names of every matching detector, in detector order.
// The result is empty, not nil, when nothing matches.
func (e *Engine) Classify(c *Content) []string {
	matched := []string{}
	for _, d := range e.detectors {
		if d.Evaluate(c).Matched {
			matched = append(matched, d.Name)
		}
	}
	return matched
}

// ClassifyHTML is Classify over freshly parsed markup.
func (e *Engine) ClassifyHTML(rawURL, markup string) ([]string, error) {
	c, err := NewContent(rawURL, markup)
	if err != nil {
		return nil, err
	}
	return e.Classify(c), nil
}

func (e *Engine) Detectors() []string {
	names := make([]string, 0, len(e.detectors))
	for _, d := range e.detectors {
		names = append(names, d.Name)
	}
	return names
}

func (e *Engine) Len() int { return len(e.detectors) }
