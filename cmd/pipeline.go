package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/CodeMonkeyCybersecurity/doomscope/cmd/internal/display"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/config"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/orchestrator"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/progress"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/stages"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/checkpoint"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/shutdown"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

const shutdownTimeout = 10 * time.Second

type pipelineRun struct {
	Domain    string
	InProcess bool
	// Resume, when set, continues this checkpoint instead of starting over.
	Resume *checkpoint.State
}

// runPipeline runs every configured stage for one domain and prints the
// outcome. An interrupted run still writes its partial report and returns
// nil.
func runPipeline(ctx context.Context, out io.Writer, run pipelineRun) error {
	handler := shutdown.NewHandler(log)
	defer func() {
		if err := handler.Shutdown(shutdownTimeout); err != nil {
			log.Warnw("Shutdown did not complete cleanly", "error", err)
		}
	}()

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		log.Warnw("Telemetry disabled", "error", err)
		tel = telemetry.Noop()
	}
	handler.Register("telemetry", func(context.Context) error { return tel.Close() })

	client, err := stageClient(ctx, run.InProcess, tel, handler)
	if err != nil {
		return err
	}

	checkpoints, err := checkpoint.NewManager("")
	if err != nil {
		log.Warnw("Checkpointing disabled", "error", err)
		checkpoints = nil
	}

	opts := orchestrator.OptionsFromConfig(cfg)
	if checkpoints != nil {
		opts.Checkpoints = checkpoints
	}
	opts.Telemetry = tel
	opts.Observer = progressPrinter(out, cfg.Pipeline.Stages)
	orch := orchestrator.New(client, opts, log)

	watchCtx, stopWatching := context.WithCancel(ctx)
	defer stopWatching()
	go handler.Watch(watchCtx)
	go func() {
		select {
		case <-handler.Stopping():
			display.Warn(out, "Stopping after the current stage (press Ctrl+C again to force exit)")
			orch.RequestStop()
		case <-watchCtx.Done():
		}
	}()

	display.Info(out, "Target: %s", run.Domain)
	var report *orchestrator.Report
	if run.Resume != nil {
		report, err = orch.Resume(ctx, run.Resume)
	} else {
		report, err = orch.Run(ctx, run.Domain)
	}
	if report == nil {
		return err
	}

	printSummary(out, report)
	if err != nil {
		return err
	}
	finishCheckpoint(ctx, out, checkpoints, report)
	return nil
}

// stageClient calls the stage server, or runs the stages in process when
// asked to. The in-process service is closed on shutdown.
func stageClient(ctx context.Context, inProcess bool, tel telemetry.Telemetry, handler *shutdown.Handler) (orchestrator.StageClient, error) {
	if !inProcess {
		log.Infow("Calling stage server", "base_url", cfg.Pipeline.BaseURL)
		return orchestrator.NewHTTPStageClient(nil, cfg.Pipeline.BaseURL).WithAPIKey(cfg.Server.APIKey), nil
	}
	svc, closeStages, err := stages.NewFromConfig(ctx, cfg, tel, log)
	if err != nil {
		return nil, fmt.Errorf("failed to build stages: %w", err)
	}
	handler.Register("stages", func(context.Context) error { return closeStages() })
	return svc, nil
}

// progressPrinter prints a line per stage transition and, after each
// finished stage, the overall progress with an estimate of the time left.
func progressPrinter(out io.Writer, stageList []config.StageConfig) func(orchestrator.Event) {
	names := make(map[string]string, len(stageList))
	for _, s := range stageList {
		names[s.Name] = s.Display
	}
	tracker := progress.New(len(stageList))
	return func(ev orchestrator.Event) {
		name := names[ev.Stage]
		if name == "" {
			name = ev.Stage
		}
		tracker.Observe(ev.Stage, ev.Status)
		display.StageLine(out, ev.Index, ev.Total, name, ev.Status, ev.Error)
		if ev.Status.Terminal() {
			fmt.Fprintf(out, "    %s\n", tracker.Snapshot())
		}
	}
}

func printSummary(out io.Writer, report *orchestrator.Report) {
	display.Heading(out, "Run summary")
	fmt.Fprintf(out, "  Run ID:  %s\n", report.RunID)
	fmt.Fprintf(out, "  Domain:  %s\n", report.Domain)
	fmt.Fprintf(out, "  Stages:  %s\n", display.Counts(report.Counts()))
	fmt.Fprintln(out)

	switch {
	case report.Interrupted:
		display.Warn(out, "Run interrupted; partial report written")
		display.Info(out, "Resume with: doomscope resume %s", report.Domain)
	case !report.Completed:
		display.Warn(out, "A required stage failed; later stages did not run")
	default:
		display.Success(out, "All stages finished")
	}
	if report.Path != "" {
		display.Success(out, "Report written to %s", report.Path)
	}
}

// finishCheckpoint drops the checkpoint once every stage succeeded. Any
// other outcome keeps it for resume.
func finishCheckpoint(ctx context.Context, out io.Writer, checkpoints *checkpoint.Manager, report *orchestrator.Report) {
	if checkpoints == nil || report.Interrupted || !report.Completed {
		return
	}
	counts := report.Counts()
	if counts[types.StageStatusFailed] > 0 {
		display.Info(out, "Re-run failed stages with: doomscope resume %s", report.Domain)
		return
	}
	if err := checkpoints.Delete(ctx, report.Domain); err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
		log.Warnw("Failed to remove checkpoint", "domain", report.Domain, "error", err)
	}
}
