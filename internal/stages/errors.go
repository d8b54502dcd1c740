package stages

import (
	"fmt"
	"strings"
	"sync"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/logger"
)

// ErrorAggregator collects per-item failures inside one stage so the stage
// can log a single summary line. Safe for concurrent use.
type ErrorAggregator struct {
	mu     sync.Mutex
	errors []itemError
}

type itemError struct {
	item string
	err  error
}

func NewErrorAggregator() *ErrorAggregator {
	return &ErrorAggregator{}
}

// Add records a failure for item. A nil error is ignored.
func (ea *ErrorAggregator) Add(item string, err error) {
	if err == nil {
		return
	}
	ea.mu.Lock()
	defer ea.mu.Unlock()
	ea.errors = append(ea.errors, itemError{item: item, err: err})
}

func (ea *ErrorAggregator) HasErrors() bool {
	return ea.Count() > 0
}

func (ea *ErrorAggregator) Count() int {
	ea.mu.Lock()
	defer ea.mu.Unlock()
	return len(ea.errors)
}

// Errors returns the collected failures keyed by item. Later failures for
// the same item replace earlier ones.
func (ea *ErrorAggregator) Errors() map[string]string {
	ea.mu.Lock()
	defer ea.mu.Unlock()
	out := make(map[string]string, len(ea.errors))
	for _, e := range ea.errors {
		out[e.item] = e.err.Error()
	}
	return out
}

func (ea *ErrorAggregator) Error() string {
	ea.mu.Lock()
	defer ea.mu.Unlock()

	switch len(ea.errors) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("%s: %v", ea.errors[0].item, ea.errors[0].err)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d errors occurred:\n", len(ea.errors))
	for i, e := range ea.errors {
		fmt.Fprintf(&sb, "  %d. %s: %v\n", i+1, e.item, e.err)
	}
	return sb.String()
}

// ShouldFail reports whether more than thresholdPercent of total items
// failed.
func (ea *ErrorAggregator) ShouldFail(total int, thresholdPercent float64) bool {
	if total == 0 {
		return false
	}
	return float64(ea.Count())/float64(total)*100 > thresholdPercent
}

func (ea *ErrorAggregator) Summary(total int) string {
	failed := ea.Count()
	if failed == 0 {
		return fmt.Sprintf("All %d operations succeeded", total)
	}
	rate := 0.0
	if total > 0 {
		rate = float64(failed) / float64(total) * 100
	}
	return fmt.Sprintf("%d/%d operations failed (%.1f%% failure rate)", failed, total, rate)
}

// Log writes the summary at debug, or at warn when anything failed.
func (ea *ErrorAggregator) Log(log *logger.Logger, stage string, total int) {
	if !ea.HasErrors() {
		log.Debugw(ea.Summary(total), "stage", stage)
		return
	}
	log.Warnw(ea.Summary(total),
		"stage", stage,
		"failed", ea.Count(),
		"total", total)
}
