// Package display formats pipeline progress and summaries for the CLI.
// Structured logs go through the logger; this is the human-facing output.
package display

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

var (
	info    = color.New(color.FgCyan)
	success = color.New(color.FgGreen)
	warning = color.New(color.FgYellow)
	failure = color.New(color.FgRed)
	bold    = color.New(color.FgCyan, color.Bold)
)

const banner = `
     _                                            
  __| | ___   ___  _ __ ___  ___  ___ ___  _ __   ___ 
 / _' |/ _ \ / _ \| '_ ' _ \/ __|/ __/ _ \| '_ \ / _ \
| (_| | (_) | (_) | | | | | \__ \ (_| (_) | |_) |  __/
 \__,_|\___/ \___/|_| |_| |_|___/\___\___/| .__/ \___|
                                          |_|         
`

func Banner(w io.Writer, version string) {
	bold.Fprint(w, banner)
	fmt.Fprintf(w, "  staged reconnaissance pipeline  %s\n\n", version)
}

// StatusIcon returns the bracketed marker used on progress lines.
func StatusIcon(status types.StageStatus) string {
	switch status {
	case types.StageStatusSucceeded:
		return success.Sprint("[✓]")
	case types.StageStatusRunning:
		return info.Sprint("[*]")
	case types.StageStatusFailed:
		return failure.Sprint("[✗]")
	case types.StageStatusSkipped:
		return warning.Sprint("[!]")
	default:
		return "[ ]"
	}
}

// ColorStatus returns a colorized status word.
func ColorStatus(status types.StageStatus) string {
	switch status {
	case types.StageStatusSucceeded:
		return success.Sprint(status)
	case types.StageStatusRunning:
		return info.Sprint(status)
	case types.StageStatusFailed:
		return failure.Sprint(status)
	case types.StageStatusSkipped:
		return warning.Sprint(status)
	default:
		return string(status)
	}
}

// StageLine is one progress line: "[*] (3/14) Directory Search running".
func StageLine(w io.Writer, index, total int, name string, status types.StageStatus, errText string) {
	line := fmt.Sprintf("%s (%d/%d) %s %s", StatusIcon(status), index+1, total, name, ColorStatus(status))
	if errText != "" {
		line += ": " + errText
	}
	fmt.Fprintln(w, line)
}

func Info(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "%s %s\n", info.Sprint("[*]"), fmt.Sprintf(format, args...))
}

func Success(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "%s %s\n", success.Sprint("[✓]"), fmt.Sprintf(format, args...))
}

func Warn(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "%s %s\n", warning.Sprint("[!]"), fmt.Sprintf(format, args...))
}

func Error(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "%s %s\n", failure.Sprint("[✗]"), fmt.Sprintf(format, args...))
}

func Heading(w io.Writer, title string) {
	fmt.Fprintln(w)
	bold.Fprintln(w, title)
	fmt.Fprintln(w, strings.Repeat("─", len([]rune(title))))
}

// Counts renders status counts in a fixed order, omitting zeros:
// "3 succeeded, 1 failed".
func Counts(counts map[types.StageStatus]int) string {
	order := []types.StageStatus{
		types.StageStatusSucceeded,
		types.StageStatusFailed,
		types.StageStatusSkipped,
	}
	var parts []string
	for _, s := range order {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s))
		}
	}
	var rest []string
	for s, n := range counts {
		if n > 0 && s != types.StageStatusSucceeded && s != types.StageStatusFailed && s != types.StageStatusSkipped {
			rest = append(rest, fmt.Sprintf("%d %s", n, s))
		}
	}
	sort.Strings(rest)
	parts = append(parts, rest...)
	if len(parts) == 0 {
		return "no stages"
	}
	return strings.Join(parts, ", ")
}

// Age formats a duration coarsely: 45s, 12m, 3h, 2d.
func Age(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
