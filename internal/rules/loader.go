package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// legacyDetector is the flat per-page detector format: selector and word
// lists per category with one weight per list.
type legacyDetector struct {
	Name string      `json:"name" yaml:"name"`
	HTML legacyLists `json:"html" yaml:"html"`
	Text legacyLists `json:"text" yaml:"text"`

	Scoring struct {
		HTMLRequired     int `json:"html_required" yaml:"html_required"`
		HTMLOptional     int `json:"html_optional" yaml:"html_optional"`
		TextRequired     int `json:"text_required" yaml:"text_required"`
		TextOptional     int `json:"text_optional" yaml:"text_optional"`
		ForbiddenPenalty int `json:"forbidden_penalty" yaml:"forbidden_penalty"`
	} `json:"scoring" yaml:"scoring"`

	Logic struct {
		MinTotalScore *int `json:"min_total_score" yaml:"min_total_score"`
	} `json:"logic" yaml:"logic"`
}

type legacyLists struct {
	Required  []string `json:"required" yaml:"required"`
	Optional  []string `json:"optional" yaml:"optional"`
	Forbidden []string `json:"forbidden" yaml:"forbidden"`
}

func (l legacyDetector) detector() *Detector {
	d := &Detector{Name: l.Name, Threshold: 1}
	if l.Logic.MinTotalScore != nil {
		d.Threshold = *l.Logic.MinTotalScore
	}

	penalty := l.Scoring.ForbiddenPenalty
	if penalty > 0 {
		penalty = -penalty
	}

	add := func(view View, cat Category, weight int, entries []string) {
		for _, e := range entries {
			d.Signals = append(d.Signals, Signal{
				Name:     string(view) + ":" + e,
				View:     view,
				Category: cat,
				Any:      []string{e},
				Weight:   weight,
			})
		}
	}
	add(ViewHTML, Required, l.Scoring.HTMLRequired, l.HTML.Required)
	add(ViewHTML, Optional, l.Scoring.HTMLOptional, l.HTML.Optional)
	add(ViewHTML, Forbidden, penalty, l.HTML.Forbidden)
	add(ViewText, Required, l.Scoring.TextRequired, l.Text.Required)
	add(ViewText, Optional, l.Scoring.TextOptional, l.Text.Optional)
	add(ViewText, Forbidden, penalty, l.Text.Forbidden)
	return d
}

// Parse decodes one detector. Both the signal-list form and the legacy
// flat form (recognised by its "scoring" key) are accepted.
func Parse(data []byte, format string) (*Detector, error) {
	unmarshal := json.Unmarshal
	if format == "yaml" || format == "yml" {
		unmarshal = yaml.Unmarshal
	}

	var probe map[string]any
	if err := unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("decode detector: %w", err)
	}

	var d *Detector
	if _, legacy := probe["scoring"]; legacy {
		var l legacyDetector
		if err := unmarshal(data, &l); err != nil {
			return nil, fmt.Errorf("decode legacy detector: %w", err)
		}
		d = l.detector()
	} else {
		d = &Detector{}
		if err := unmarshal(data, d); err != nil {
			return nil, fmt.Errorf("decode detector: %w", err)
		}
	}

	if err := d.Compile(); err != nil {
		return nil, err
	}
	return d, nil
}

func LoadFile(path string) (*Detector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	d, err := Parse(data, strings.TrimPrefix(filepath.Ext(path), "."))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// LoadDir loads every *.json, *.yaml and *.yml file in dir, sorted by file
// name so detector order is stable between runs.
func LoadDir(dir string) ([]*Detector, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".json", ".yaml", ".yml":
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)

	detectors := make([]*Detector, 0, len(names))
	for _, name := range names {
		d, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		detectors = append(detectors, d)
	}
	return detectors, nil
}
