package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/CodeMonkeyCybersecurity/doomscope/internal/config"
	"github.com/CodeMonkeyCybersecurity/doomscope/pkg/types"
)

// Telemetry records pipeline-level metrics. The no-op implementation is
// returned when telemetry is disabled so callers never nil-check.
type Telemetry interface {
	RecordStage(stage string, status types.StageStatus, elapsed time.Duration)
	RecordItems(stage string, succeeded, failed int)
	RecordFinding(stage string, severity types.Severity)
	Close() error
}

type telemetry struct {
	meter          metric.Meter
	tracerProvider *sdktrace.TracerProvider

	stageCounter   metric.Int64Counter
	stageDuration  metric.Float64Histogram
	itemCounter    metric.Int64Counter
	findingCounter metric.Int64Counter
}

func New(ctx context.Context, cfg config.TelemetryConfig) (Telemetry, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	client := otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithInsecure(),
	)
	exporter, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SampleRate)),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	meter := otel.Meter(cfg.ServiceName)
	t := &telemetry{meter: meter, tracerProvider: tp}

	if t.stageCounter, err = meter.Int64Counter("doomscope.stages.total",
		metric.WithDescription("Stages finished, by status"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if t.stageDuration, err = meter.Float64Histogram("doomscope.stage.duration",
		metric.WithDescription("Stage duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if t.itemCounter, err = meter.Int64Counter("doomscope.items.total",
		metric.WithDescription("Fan-out items processed, by outcome"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if t.findingCounter, err = meter.Int64Counter("doomscope.findings.total",
		metric.WithDescription("Pattern findings, by severity"),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}

	return t, nil
}

func (t *telemetry) RecordStage(stage string, status types.StageStatus, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("status", string(status)),
	)
	t.stageCounter.Add(context.Background(), 1, attrs)
	t.stageDuration.Record(context.Background(), elapsed.Seconds(), attrs)
}

func (t *telemetry) RecordItems(stage string, succeeded, failed int) {
	ctx := context.Background()
	t.itemCounter.Add(ctx, int64(succeeded), metric.WithAttributes(
		attribute.String("stage", stage), attribute.String("outcome", "success")))
	t.itemCounter.Add(ctx, int64(failed), metric.WithAttributes(
		attribute.String("stage", stage), attribute.String("outcome", "failure")))
}

func (t *telemetry) RecordFinding(stage string, severity types.Severity) {
	t.findingCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("severity", string(severity)),
	))
}

func (t *telemetry) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.tracerProvider.Shutdown(ctx)
}

func Noop() Telemetry { return noopTelemetry{} }

type noopTelemetry struct{}

func (noopTelemetry) RecordStage(string, types.StageStatus, time.Duration) {}
func (noopTelemetry) RecordItems(string, int, int)                         {}
func (noopTelemetry) RecordFinding(string, types.Severity)                 {}
func (noopTelemetry) Close() error                                         { return nil }

// Multi records to every t in order. Nil entries are skipped.
func Multi(ts ...Telemetry) Telemetry {
	var out multi
	for _, t := range ts {
		if t != nil {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return Noop()
	}
	return out
}

type multi []Telemetry

func (m multi) RecordStage(stage string, status types.StageStatus, elapsed time.Duration) {
	for _, t := range m {
		t.RecordStage(stage, status, elapsed)
	}
}

func (m multi) RecordItems(stage string, succeeded, failed int) {
	for _, t := range m {
		t.RecordItems(stage, succeeded, failed)
	}
}

func (m multi) RecordFinding(stage string, severity types.Severity) {
	for _, t := range m {
		t.RecordFinding(stage, severity)
	}
}

func (m multi) Close() error {
	var errs []error
	for _, t := range m {
		errs = append(errs, t.Close())
	}
	return errors.Join(errs...)
}
