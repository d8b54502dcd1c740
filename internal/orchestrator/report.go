package orchestrator

import (
	"os"
	"path/filepath"
	"time"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/artifacts"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

// Report is the consolidated outcome of one run.
type Report struct {
	RunID       string                    `json:"run_id"`
	Domain      string                    `json:"domain"`
	GeneratedAt time.Time                 `json:"generated_at"`
	Completed   bool                      `json:"completed"`
	Interrupted bool                      `json:"interrupted"`
	Pipeline    []string                  `json:"pipeline"`
	Stages      []StageEntry              `json:"stages"`
	Results     map[string]map[string]any `json:"results"`

	// Path is where the report was written.
	Path string `json:"-"`
}

// StageEntry is a stage result as it appears in the report.
type StageEntry struct {
	types.StageResult
	Artifact string `json:"artifact,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Counts tallies stage entries by status.
func (r *Report) Counts() map[types.StageStatus]int {
	counts := make(map[types.StageStatus]int)
	for _, s := range r.Stages {
		counts[s.Status]++
	}
	return counts
}

// ReportPath is <dir>/<domain_key>_doomscope_report.json.
func ReportPath(dir, domain string) string {
	return filepath.Join(dir, artifacts.Key(domain)+"_doomscope_report.json")
}

// WriteReport writes the report atomically and records its path.
func WriteReport(dir string, r *Report) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := ReportPath(dir, r.Domain)
	if err := artifacts.WriteJSONFile(path, r, 0o644); err != nil {
		return "", err
	}
	r.Path = path
	return path, nil
}

// artifactOf picks the artifact path a stage reported in its response.
func artifactOf(payload map[string]any) string {
	for _, key := range []string{"artifact", "saved_file"} {
		if s, ok := payload[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
