package cmd

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/doomscope/cmd/internal/display"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/validation"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/checkpoint"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

var resumeCmd = &cobra.Command{
	Use:   "resume [domain]",
	Short: "Resume an interrupted or partly failed run",
	Long: `Load the checkpoint saved for a domain and run only the stages that did
not succeed. Stages that already succeeded keep their earlier response in
the new report.

  doomscope resume example.com
  doomscope resume --list`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		manager, err := checkpoint.NewManager("")
		if err != nil {
			return fmt.Errorf("failed to initialize checkpoint manager: %w", err)
		}

		if list, _ := cmd.Flags().GetBool("list"); list {
			states, err := manager.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list checkpoints: %w", err)
			}
			printCheckpoints(out, states, time.Now())
			return nil
		}

		if len(args) == 0 {
			return errors.New("domain required (use --list to see saved checkpoints)")
		}
		domain, err := validation.ValidateDomain(args[0])
		if err != nil {
			return err
		}

		state, err := manager.Load(cmd.Context(), domain)
		if err != nil {
			if errors.Is(err, checkpoint.ErrNotFound) {
				display.Info(out, "Saved checkpoints: doomscope resume --list")
			}
			return err
		}

		if age := time.Since(state.UpdatedAt); age > 24*time.Hour {
			display.Warn(out, "Checkpoint is %s old; the target may have changed", display.Age(age))
		}
		succeeded := len(state.Succeeded())
		display.Info(out, "Resuming run %s: %d of %d recorded stages already succeeded",
			state.RunID, succeeded, len(state.Stages))

		inProcess, _ := cmd.Flags().GetBool("in-process")
		return runPipeline(cmd.Context(), out, pipelineRun{Domain: state.Domain, InProcess: inProcess, Resume: state})
	},
}

func init() {
	resumeCmd.Flags().BoolP("list", "l", false, "list saved checkpoints")
	resumeCmd.Flags().Bool("in-process", false, "run the stages in this process instead of calling the stage server")
	rootCmd.AddCommand(resumeCmd)
}

func printCheckpoints(out io.Writer, states []checkpoint.State, now time.Time) {
	if len(states) == 0 {
		display.Warn(out, "No saved checkpoints")
		return
	}
	display.Heading(out, "Saved checkpoints")
	for i, s := range states {
		counts := make(map[types.StageStatus]int)
		for _, r := range s.Stages {
			counts[r.Status]++
		}
		state := "stopped"
		if s.Interrupted {
			state = "interrupted"
		}
		fmt.Fprintf(out, "%d. %s\n", i+1, s.Domain)
		fmt.Fprintf(out, "   Run ID:  %s\n", s.RunID)
		fmt.Fprintf(out, "   Stages:  %s (%s)\n", display.Counts(counts), state)
		fmt.Fprintf(out, "   Updated: %s ago\n", display.Age(now.Sub(s.UpdatedAt)))
		fmt.Fprintf(out, "   Resume:  doomscope resume %s\n", s.Domain)
	}
}
