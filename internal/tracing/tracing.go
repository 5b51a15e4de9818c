// Package tracing emits OpenTelemetry spans for simulation runs.
package tracing

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ch0002ic/balanced-corridor-planner/internal/domain"
)

const instrumentationName = "github.com/ch0002ic/balanced-corridor-planner/supervisor"

// Tracer creates one span per run.
type Tracer struct {
	tracer trace.Tracer
}

// New creates a tracer from tp. A nil provider yields a noop tracer.
func New(tp trace.TracerProvider) *Tracer {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	return &Tracer{tracer: tp.Tracer(instrumentationName)}
}

// RunSpan is the span of one run, open from start until the exit is handled.
type RunSpan struct {
	span trace.Span
}

// StartRun opens the span for run.
func (t *Tracer) StartRun(ctx context.Context, run *domain.RunRecord) (context.Context, *RunSpan) {
	ctx, span := t.tracer.Start(ctx, "simulation.run",
		trace.WithTimestamp(run.StartedAt),
		trace.WithAttributes(
			attribute.String("simulation.run.id", run.RunID),
			attribute.String("simulation.dataset.id", run.DatasetID),
			attribute.String("simulation.features", strings.Join(run.Features, ",")),
		))
	return ctx, &RunSpan{span: span}
}

// Transition records a lifecycle change.
func (s *RunSpan) Transition(state domain.RunState) {
	s.span.AddEvent("state", trace.WithAttributes(attribute.String("simulation.state", string(state))))
}

// Error records an error reported by the process.
func (s *RunSpan) Error(message string) {
	s.span.AddEvent("simulation.error", trace.WithAttributes(attribute.String("simulation.message", message)))
}

// End closes the span with the run outcome.
func (s *RunSpan) End(run *domain.RunRecord, final domain.CanonicalState) {
	s.span.SetAttributes(
		attribute.String("simulation.state", string(run.State)),
		attribute.Int("simulation.completed", final.Completed),
		attribute.Int("simulation.total", final.Total),
		attribute.Float64("simulation.elapsed", final.Elapsed),
	)
	if run.Exit != nil {
		s.span.SetAttributes(attribute.Int("simulation.exit_code", run.Exit.Code))
	}

	switch run.State {
	case domain.RunStateCompleted:
		s.span.SetStatus(codes.Ok, "")
	case domain.RunStateFailed:
		msg := "run failed"
		if run.Exit != nil && run.Exit.Error != "" {
			msg = run.Exit.Error
		}
		s.span.SetStatus(codes.Error, msg)
	}

	var opts []trace.SpanEndOption
	if run.EndedAt != nil {
		opts = append(opts, trace.WithTimestamp(*run.EndedAt))
	}
	s.span.End(opts...)
}
