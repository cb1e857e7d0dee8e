// Package telemetry defines the observability facade used across the
// pipeline: structured logging, metrics, and tracing. Production wiring
// delegates to Clue and OpenTelemetry; tests use the no-op variants.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger is the structured logger used by services, activities, and
// adapters. Workflow bodies never log; they must stay deterministic.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter, timer, and gauge helpers. Tags are flat
// key/value string pairs.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so pipeline code stays agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span is an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Metric names recorded by the pipeline.
const (
	MetricWorkflowsStarted = "pipeline_workflows_started"
	MetricStepsCompleted   = "pipeline_steps_completed"
	MetricStepsFailed      = "pipeline_steps_failed"
	MetricStepDuration     = "pipeline_step_duration"
	MetricBatchesCreated   = "pipeline_batches_created"
	MetricDownstreamCalls  = "downstream_requests"
)
