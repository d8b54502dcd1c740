// Package aggregator fuses entity reports from independent discovery
// sources into one deduplicated set with provenance.
package aggregator

import (
	"maps"
	"slices"
	"strings"
	"sync"
)

const SourceRoot = "root"

// Kind selects the canonical key function applied to incoming records.
type Kind int

const (
	KindHost Kind = iota
	KindURL
)

type Record struct {
	Key    string
	Source string
}

// Aggregator is safe for concurrent use. All mutation goes through its
// mutex; the provenance map is never exposed directly.
type Aggregator struct {
	mu       sync.Mutex
	target   string
	kind     Kind
	entities map[string]map[string]struct{}
	rejected int
}

// New returns an aggregator scoped to target. For host aggregation the
// target itself is seeded with provenance {root}.
func New(target string, kind Kind) *Aggregator {
	a := &Aggregator{
		target:   NormalizeHost(target),
		kind:     kind,
		entities: make(map[string]map[string]struct{}),
	}
	if kind == KindHost && a.target != "" {
		a.entities[a.target] = map[string]struct{}{SourceRoot: {}}
	}
	return a
}

func (a *Aggregator) Target() string { return a.target }

func (a *Aggregator) canonical(raw string) (key, host string) {
	switch a.kind {
	case KindURL:
		key = NormalizeURL(raw)
		if key == "" {
			return "", ""
		}
		host, _, _ = strings.Cut(key, "/")
		host, _, _ = strings.Cut(host, "?")
		if i := strings.LastIndex(host, ":"); i >= 0 {
			host = host[:i]
		}
		return key, host
	default:
		key = NormalizeHost(raw)
		return key, key
	}
}

// Add merges a single record. It returns false when the record was
// discarded because it is malformed or outside the target domain.
func (a *Aggregator) Add(raw, source string) bool {
	key, host := a.canonical(raw)
	source = strings.TrimSpace(source)

	a.mu.Lock()
	defer a.mu.Unlock()

	if key == "" || source == "" || !InDomain(host, a.target) {
		a.rejected++
		return false
	}
	a.addLocked(key, source)
	return true
}

func (a *Aggregator) addLocked(key, source string) {
	set, ok := a.entities[key]
	if !ok {
		set = make(map[string]struct{}, 1)
		a.entities[key] = set
	}
	set[source] = struct{}{}
}

// Records tags every key with the same source.
func Records(keys []string, source string) []Record {
	out := make([]Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, Record{Key: k, Source: source})
	}
	return out
}

// Merge adds every record and returns how many were accepted.
func (a *Aggregator) Merge(records []Record) int {
	accepted := 0
	for _, r := range records {
		if a.Add(r.Key, r.Source) {
			accepted++
		}
	}
	return accepted
}

// MergeFrom folds a provenance map, as produced by Snapshot, into a.
func (a *Aggregator) MergeFrom(other map[string][]string) int {
	accepted := 0
	for key, sources := range other {
		for _, s := range sources {
			if a.Add(key, s) {
				accepted++
			}
		}
	}
	return accepted
}

// Snapshot returns a copy of the canonical key to sorted provenance map.
func (a *Aggregator) Snapshot() map[string][]string {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string][]string, len(a.entities))
	for key, set := range a.entities {
		out[key] = slices.Sorted(maps.Keys(set))
	}
	return out
}

// Keys returns the canonical keys in sorted order.
func (a *Aggregator) Keys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Sorted(maps.Keys(a.entities))
}

// Sources returns every provenance label seen, sorted.
func (a *Aggregator) Sources() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	all := make(map[string]struct{})
	for _, set := range a.entities {
		for s := range set {
			all[s] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(all))
}

func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entities)
}

// Rejected counts records discarded so far.
func (a *Aggregator) Rejected() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rejected
}

// Merge is the pure form: it folds records into a fresh host aggregator for
// target and returns the resulting provenance map.
func Merge(target string, records []Record) map[string][]string {
	a := New(target, KindHost)
	a.Merge(records)
	return a.Snapshot()
}
