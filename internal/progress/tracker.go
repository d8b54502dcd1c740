// Package progress follows a pipeline run through its stage events and
// estimates how long the rest will take.
package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

// Tracker counts finished stages and times the ones that actually ran.
// Skipped stages count as done but do not feed the estimate.
type Tracker struct {
	mu        sync.Mutex
	total     int
	done      int
	startTime time.Time
	running   map[string]time.Time
	durations []time.Duration
	now       func() time.Time
}

type Snapshot struct {
	Done    int
	Total   int
	Percent int
	Elapsed time.Duration
	// ETA is negative until at least one stage has run to completion.
	ETA time.Duration
}

func New(total int) *Tracker {
	return newTracker(total, time.Now)
}

func newTracker(total int, now func() time.Time) *Tracker {
	return &Tracker{
		total:     total,
		startTime: now(),
		running:   make(map[string]time.Time),
		now:       now,
	}
}

// Observe records one stage transition.
func (t *Tracker) Observe(stage string, status types.StageStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case status == types.StageStatusRunning:
		t.running[stage] = t.now()
	case status.Terminal():
		t.done++
		if started, ok := t.running[stage]; ok {
			t.durations = append(t.durations, t.now().Sub(started))
			delete(t.running, stage)
		}
	}
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{Done: t.done, Total: t.total, Elapsed: t.now().Sub(t.startTime), ETA: -1}
	if t.total > 0 {
		s.Percent = min(t.done*100/t.total, 100)
	}
	if len(t.durations) > 0 {
		var sum time.Duration
		for _, d := range t.durations {
			sum += d
		}
		remaining := max(t.total-t.done, 0)
		s.ETA = sum / time.Duration(len(t.durations)) * time.Duration(remaining)
	}
	return s
}

// String renders "3/14 (21%) | elapsed 2m 5s | ETA 8m 10s".
func (s Snapshot) String() string {
	eta := "calculating..."
	if s.ETA >= 0 {
		eta = formatDuration(s.ETA)
	}
	return fmt.Sprintf("%d/%d (%d%%) | elapsed %s | ETA %s",
		s.Done, s.Total, s.Percent, formatDuration(s.Elapsed), eta)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "< 1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}
