package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/doomscope/cmd/internal/display"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/tools"
)

var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Check that the external scanning tools are installed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runPreflight(cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(preflightCmd)
}

// runPreflight prints one line per configured tool and returns an error
// naming the required tools that are missing.
func runPreflight(out io.Writer) error {
	checks := tools.Preflight(tools.FromConfig(cfg.Tools), nil)
	printChecks(out, checks)
	return tools.MissingRequired(checks)
}

func printChecks(out io.Writer, checks []tools.Check) {
	display.Heading(out, "Preflight")
	for _, c := range checks {
		switch {
		case c.Found:
			display.Success(out, "%-10s %s", c.Tool.Name, c.Path)
		case c.Tool.Required:
			display.Error(out, "%-10s not found (%s)", c.Tool.Name, hint(c))
		default:
			display.Warn(out, "%-10s not found, optional (%s)", c.Tool.Name, hint(c))
		}
	}
	fmt.Fprintln(out)
}

func hint(c tools.Check) string {
	if c.Hint == "" {
		return "install " + c.Tool.Binary
	}
	return c.Hint
}
