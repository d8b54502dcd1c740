// Package cmd is the doomscope command line: an interactive pipeline run by
// default, plus the stage server and housekeeping subcommands.
package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/CodeMonkeyCybersecurity/doomscope/cmd/internal/display"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/config"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/logger"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/validation"
)

var (
	cfg     *config.Config
	log     *logger.Logger
	cfgFile string
)

var errNoDomain = errors.New("no target domain supplied")

var rootCmd = &cobra.Command{
	Use:   "doomscope",
	Short: "Staged reconnaissance pipeline for a single domain",
	Long: `doomscope runs a fixed sequence of reconnaissance stages against one
domain and writes a consolidated report.

By default every stage is called over HTTP on the stage server started with
'doomscope serve'. With --in-process the stages run inside this process.

  doomscope                       # prompt for a domain and run every stage
  doomscope --domain example.com  # non-interactive run
  doomscope serve                 # start the stage server
  doomscope resume example.com    # re-run the stages that did not succeed
  doomscope preflight             # check the external scanning tools
  doomscope stages                # list configured stages

Ctrl+C stops the run after the current stage and still writes the report.
A second Ctrl+C exits immediately.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log == nil {
			return
		}
		// Sync on a terminal fails with EINVAL on Linux and is harmless.
		if err := log.Sync(); err != nil && !strings.Contains(err.Error(), "invalid argument") {
			fmt.Fprintf(os.Stderr, "Warning: failed to sync logger: %v\n", err)
		}
	},
	RunE: runRoot,
}

// Execute runs the command tree and prints a failing command's error.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		display.Error(os.Stderr, "%v", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./doomscope.yaml or ~/.doomscope/doomscope.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (json, console)")
	rootCmd.PersistentFlags().String("base-url", "", "base URL of the stage server")
	viper.BindPFlag("logger.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("logger.format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("pipeline.base_url", rootCmd.PersistentFlags().Lookup("base-url"))

	rootCmd.Flags().StringP("domain", "d", "", "target domain (prompted for when omitted)")
	rootCmd.Flags().Bool("in-process", false, "run the stages in this process instead of calling the stage server")
}

func initConfig() error {
	var err error
	cfg, err = config.Load(viper.GetViper(), cfgFile)
	if err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}
	log, err = logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

func runRoot(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	display.Banner(out, logger.Version)

	domain, _ := cmd.Flags().GetString("domain")
	if strings.TrimSpace(domain) == "" {
		domain = promptDomain(os.Stdin, out, term.IsTerminal(int(os.Stdin.Fd())))
	}
	if strings.TrimSpace(domain) == "" {
		return errNoDomain
	}
	domain, err := validation.ValidateDomain(domain)
	if err != nil {
		return err
	}

	// Missing tools fail their own stages; the run still goes ahead.
	if err := runPreflight(out); err != nil {
		display.Warn(out, "%v", err)
	}

	inProcess, _ := cmd.Flags().GetBool("in-process")
	return runPipeline(cmd.Context(), out, pipelineRun{Domain: domain, InProcess: inProcess})
}

// promptDomain reads one line from in. The prompt is only printed when in
// is a terminal, so piped input stays quiet.
func promptDomain(in io.Reader, out io.Writer, interactive bool) string {
	if interactive {
		fmt.Fprint(out, "Enter target domain (example.com): ")
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return ""
	}
	return strings.TrimSpace(line)
}
