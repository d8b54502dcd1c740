// Package tools runs the external scanning binaries (sublist3r, dirsearch,
// nuclei, xnLinkFinder, arjun, wapiti) and parses their output.
package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/config"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/logger"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

const (
	Sublist3r    = "sublist3r"
	Dirsearch    = "dirsearch"
	Nuclei       = "nuclei"
	XNLinkFinder = "xnlinkfinder"
	Arjun        = "arjun"
	Wapiti       = "wapiti"
)

var installHints = map[string]string{
	Sublist3r:    "pip install sublist3r",
	Dirsearch:    "pip install dirsearch",
	Nuclei:       "go install github.com/projectdiscovery/nuclei/v3/cmd/nuclei@latest",
	XNLinkFinder: "pip install xnLinkFinder",
	Arjun:        "pip install arjun",
	Wapiti:       "pip install wapiti3",
}

type Tool struct {
	Name     string
	Binary   string
	Timeout  time.Duration
	Required bool
}

// FromConfig lists the configured tools in pipeline order.
func FromConfig(cfg config.ToolsConfig) []Tool {
	mk := func(name string, tc config.ToolConfig) Tool {
		bin := tc.BinaryPath
		if bin == "" {
			bin = name
		}
		return Tool{Name: name, Binary: bin, Timeout: tc.Timeout, Required: tc.Required}
	}
	return []Tool{
		mk(Sublist3r, cfg.Sublist3r),
		mk(Dirsearch, cfg.Dirsearch),
		mk(Nuclei, cfg.Nuclei),
		mk(XNLinkFinder, cfg.XNLinkFinder),
		mk(Arjun, cfg.Arjun),
		mk(Wapiti, cfg.Wapiti),
	}
}

type Check struct {
	Tool  Tool
	Path  string
	Found bool
	Hint  string
}

// Preflight resolves every tool binary. lookPath is exec.LookPath outside
// tests.
func Preflight(tools []Tool, lookPath func(string) (string, error)) []Check {
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	checks := make([]Check, 0, len(tools))
	for _, t := range tools {
		path, err := lookPath(t.Binary)
		checks = append(checks, Check{Tool: t, Path: path, Found: err == nil, Hint: installHints[t.Name]})
	}
	return checks
}

// MissingRequired returns a validation error naming every required tool
// that was not found.
func MissingRequired(checks []Check) error {
	var missing []string
	for _, c := range checks {
		if c.Tool.Required && !c.Found {
			missing = append(missing, c.Tool.Name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return types.Validation("preflight", "required tools not found: "+strings.Join(missing, ", "))
}

type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Combined is stdout followed by stderr; several tools print results on
// either stream.
func (o Output) Combined() string {
	if o.Stderr == "" {
		return o.Stdout
	}
	return o.Stdout + "\n" + o.Stderr
}

type Runner interface {
	Run(ctx context.Context, tool Tool, args ...string) (Output, error)
}

type ExecRunner struct {
	logger *logger.Logger
}

func NewExecRunner(log *logger.Logger) *ExecRunner {
	if log == nil {
		log = logger.Nop()
	}
	return &ExecRunner{logger: log.WithComponent("tools")}
}

// Run executes the tool with its configured timeout. A non-zero exit is not
// an error on its own: the output is still returned for parsing, since
// several scanners exit non-zero when they find something.
func (r *ExecRunner) Run(ctx context.Context, tool Tool, args ...string) (Output, error) {
	if tool.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, tool.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, tool.Binary, args...)
	// Children of the tool may keep the output pipes open after it is killed.
	cmd.WaitDelay = 5 * time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	r.logger.Debugw("Running tool", "tool", tool.Name, "args", args)
	err := cmd.Run()

	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		out.ExitCode = cmd.ProcessState.ExitCode()
	}

	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		return out, types.SourceUnavailable(tool.Name, fmt.Errorf("timed out after %v: %w", time.Since(start).Round(time.Millisecond), ctx.Err()))
	case errors.As(err, &exitErr):
		r.logger.Debugw("Tool exited non-zero", "tool", tool.Name, "exit_code", out.ExitCode)
	case err != nil:
		return out, types.SourceUnavailable(tool.Name, err)
	}

	r.logger.Debugw("Tool finished", "tool", tool.Name, "exit_code", out.ExitCode, "duration_ms", time.Since(start).Milliseconds())
	return out, nil
}
