// Package orchestrator sequences pipeline stages for one target domain.
//
// Stages run strictly in declared order. A failed stage is recorded and the
// run moves on unless the stage is required. A stop request (RequestStop or
// a cancelled context) is observed only between stages: the in-flight stage
// always runs to completion. The run state is checkpointed after every
// stage and the consolidated report is written exactly once at the end.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/config"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/logger"
	"github.com/CodeMonkeyCybersecurity/doomscope/internal/telemetry"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/checkpoint"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

const (
	reasonDisabled  = "disabled"
	reasonCompleted = "completed in a previous run"
)

// Event is published on every stage transition.
type Event struct {
	RunID  string            `json:"run_id"`
	Domain string            `json:"domain"`
	Stage  string            `json:"stage"`
	Status types.StageStatus `json:"status"`
	Index  int               `json:"index"`
	Total  int               `json:"total"`
	Error  string            `json:"error,omitempty"`
	Time   time.Time         `json:"time"`
}

type Options struct {
	Stages       []config.StageConfig
	StageTimeout time.Duration
	ReportDir    string

	// Checkpoints is optional. When set the run state is saved after every
	// stage.
	Checkpoints *checkpoint.Manager
	Telemetry   telemetry.Telemetry
	Observer    func(Event)
	Now         func() time.Time
}

// OptionsFromConfig fills stage list, timeouts and report location.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Stages:       cfg.Pipeline.Stages,
		StageTimeout: cfg.Pipeline.StageTimeout,
		ReportDir:    cfg.Pipeline.ReportDir,
	}
}

type Orchestrator struct {
	client StageClient
	opts   Options
	logger *logger.Logger

	stopOnce sync.Once
	stop     chan struct{}
}

func New(client StageClient, opts Options, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Nop()
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Noop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.StageTimeout <= 0 {
		opts.StageTimeout = 2 * time.Hour
	}
	return &Orchestrator{
		client: client,
		opts:   opts,
		logger: log.WithComponent("orchestrator"),
		stop:   make(chan struct{}),
	}
}

// RequestStop asks the run to stop at the next stage boundary. Safe to call
// more than once and from any goroutine.
func (o *Orchestrator) RequestStop() {
	o.stopOnce.Do(func() {
		close(o.stop)
		o.logger.Infow("Stop requested, finishing the current stage")
	})
}

func (o *Orchestrator) StopRequested() bool {
	select {
	case <-o.stop:
		return true
	default:
		return false
	}
}

// Run executes every configured stage for domain.
func (o *Orchestrator) Run(ctx context.Context, domain string) (*Report, error) {
	if domain == "" {
		return nil, types.Validation("run", "domain is required")
	}
	now := o.opts.Now().UTC()
	state := &checkpoint.State{
		RunID:     uuid.NewString(),
		Domain:    domain,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return o.execute(ctx, state, nil)
}

// Resume continues a checkpointed run. Stages that already succeeded are
// reported as skipped and keep their previous response.
func (o *Orchestrator) Resume(ctx context.Context, state *checkpoint.State) (*Report, error) {
	if state == nil {
		return nil, types.Validation("resume", "no checkpoint")
	}
	if err := state.Validate(); err != nil {
		return nil, types.Validation("resume", err.Error())
	}
	previous := make(map[string]types.StageResult)
	for name := range state.Succeeded() {
		if res, ok := state.Result(name); ok {
			previous[name] = res
		}
	}
	state.Interrupted = false
	return o.execute(ctx, state, previous)
}

func (o *Orchestrator) execute(ctx context.Context, state *checkpoint.State, previous map[string]types.StageResult) (*Report, error) {
	log := o.logger.WithRunID(state.RunID).WithDomain(state.Domain)
	ctx, span := log.StartOperation(ctx, "pipeline.run", "stages", len(o.opts.Stages))
	start := time.Now()

	report := &Report{
		RunID:   state.RunID,
		Domain:  state.Domain,
		Results: make(map[string]map[string]any),
	}
	for _, st := range o.opts.Stages {
		report.Pipeline = append(report.Pipeline, displayName(st))
	}

	total := len(o.opts.Stages)
	completed := true

	for i, stage := range o.opts.Stages {
		if o.interrupted(ctx) {
			report.Interrupted = true
			completed = false
			log.Infow("Run interrupted at stage boundary",
				"next_stage", stage.Name,
				"remaining", total-i)
			break
		}

		var entry StageEntry
		switch prev, done := previous[stage.Name]; {
		case done:
			entry = o.carryOver(stage, prev)
		case !stage.Enabled:
			entry = o.skipped(stage, reasonDisabled)
		default:
			o.publish(state, stage, types.StageStatusRunning, i, total, "")
			log.LogStageEvent(ctx, stage.Name, string(types.StageStatusRunning), "index", i+1, "total", total)
			entry = o.runStage(ctx, stage, state.Domain)
		}

		report.Stages = append(report.Stages, entry)
		if entry.Payload != nil {
			report.Results[stage.Name] = entry.Payload
		}
		o.record(ctx, state, entry.StageResult)
		o.publish(state, stage, entry.Status, i, total, entry.Error)
		log.LogStageEvent(ctx, stage.Name, string(entry.Status),
			"elapsed_ms", entry.ElapsedMS,
			"error", entry.Error,
			"reason", entry.Reason)

		if entry.Status == types.StageStatusFailed && stage.Required {
			completed = false
			log.Errorw("Required stage failed, stopping run",
				"stage", stage.Name,
				"error", entry.Error)
			break
		}
	}

	report.Completed = completed
	report.GeneratedAt = o.opts.Now().UTC()
	state.Interrupted = report.Interrupted
	o.saveCheckpoint(ctx, state)

	var err error
	if o.opts.ReportDir != "" {
		_, err = WriteReport(o.opts.ReportDir, report)
		if err != nil {
			err = fmt.Errorf("write report: %w", err)
		}
	}

	counts := report.Counts()
	log.FinishOperation(ctx, span, "pipeline.run", start, err,
		"completed", report.Completed,
		"interrupted", report.Interrupted,
		"succeeded", counts[types.StageStatusSucceeded],
		"failed", counts[types.StageStatusFailed],
		"skipped", counts[types.StageStatusSkipped],
		"report", report.Path)
	return report, err
}

// runStage invokes one stage. Cancellation of ctx does not reach the call;
// only the stage timeout bounds it.
func (o *Orchestrator) runStage(ctx context.Context, stage config.StageConfig, domain string) StageEntry {
	timeout := stage.Timeout
	if timeout <= 0 {
		timeout = o.opts.StageTimeout
	}
	stageCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	started := o.opts.Now().UTC()
	begin := time.Now()
	payload, err := o.client.Invoke(stageCtx, stage, domain)
	elapsed := time.Since(begin)

	entry := StageEntry{StageResult: types.StageResult{
		Name:      stage.Name,
		Display:   displayName(stage),
		StartedAt: started,
		ElapsedMS: elapsed.Milliseconds(),
	}}
	if err != nil {
		entry.Status = types.StageStatusFailed
		entry.Error = err.Error()
	} else {
		entry.Status = types.StageStatusSucceeded
		entry.Payload = payload
		entry.Artifact = artifactOf(payload)
	}
	o.opts.Telemetry.RecordStage(stage.Name, entry.Status, elapsed)
	return entry
}

func (o *Orchestrator) carryOver(stage config.StageConfig, prev types.StageResult) StageEntry {
	entry := o.skipped(stage, reasonCompleted)
	entry.Payload = prev.Payload
	entry.Artifact = artifactOf(prev.Payload)
	return entry
}

func (o *Orchestrator) skipped(stage config.StageConfig, reason string) StageEntry {
	o.opts.Telemetry.RecordStage(stage.Name, types.StageStatusSkipped, 0)
	return StageEntry{
		StageResult: types.StageResult{
			Name:      stage.Name,
			Display:   displayName(stage),
			Status:    types.StageStatusSkipped,
			StartedAt: o.opts.Now().UTC(),
		},
		Reason: reason,
	}
}

func (o *Orchestrator) interrupted(ctx context.Context) bool {
	return o.StopRequested() || ctx.Err() != nil
}

// record keeps a carried-over stage as succeeded in the checkpoint so a
// later resume still skips it.
func (o *Orchestrator) record(ctx context.Context, state *checkpoint.State, result types.StageResult) {
	if result.Status == types.StageStatusSkipped && result.Payload != nil {
		if prev, ok := state.Result(result.Name); ok && prev.Status == types.StageStatusSucceeded {
			result = prev
		}
	}
	state.Record(result)
	state.UpdatedAt = o.opts.Now().UTC()
	o.saveCheckpoint(ctx, state)
}

func (o *Orchestrator) saveCheckpoint(ctx context.Context, state *checkpoint.State) {
	if o.opts.Checkpoints == nil {
		return
	}
	if err := o.opts.Checkpoints.Save(ctx, state); err != nil {
		o.logger.LogError(ctx, err, "checkpoint.save", "domain", state.Domain)
	}
}

func (o *Orchestrator) publish(state *checkpoint.State, stage config.StageConfig, status types.StageStatus, index, total int, errText string) {
	if o.opts.Observer == nil {
		return
	}
	o.opts.Observer(Event{
		RunID:  state.RunID,
		Domain: state.Domain,
		Stage:  stage.Name,
		Status: status,
		Index:  index + 1,
		Total:  total,
		Error:  errText,
		Time:   o.opts.Now().UTC(),
	})
}

func displayName(stage config.StageConfig) string {
	if stage.Display != "" {
		return stage.Display
	}
	return stage.Name
}
