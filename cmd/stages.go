package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/doomscope/cmd/internal/display"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/config"
)

var stagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "List the configured pipeline stages in run order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		printStages(cmd.OutOrStdout(), cfg.Pipeline.Stages, cfg.Pipeline.BaseURL)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(stagesCmd)
}

func printStages(out io.Writer, stageList []config.StageConfig, baseURL string) {
	display.Heading(out, "Pipeline stages")
	for i, s := range stageList {
		flags := ""
		if s.Required {
			flags += " required"
		}
		if !s.Enabled {
			flags += " disabled"
		}
		fmt.Fprintf(out, "%2d. %-34s %s%s\n", i+1, s.Display, s.URL(baseURL), flags)
	}
}
