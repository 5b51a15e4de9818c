package tracing

import (
	"context"

	"github.com/rs/zerolog"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// LogExporter writes finished spans to a zerolog logger, one entry per span.
type LogExporter struct {
	logger zerolog.Logger
}

// NewLogExporter creates an exporter logging to logger.
func NewLogExporter(logger zerolog.Logger) *LogExporter {
	return &LogExporter{logger: logger.With().Str("component", "tracing").Logger()}
}

// ExportSpans logs spans.
func (e *LogExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		event := e.logger.Info().
			Str("trace_id", span.SpanContext().TraceID().String()).
			Str("span_id", span.SpanContext().SpanID().String()).
			Str("span", span.Name()).
			Dur("duration", span.EndTime().Sub(span.StartTime())).
			Str("status", span.Status().Code.String()).
			Int("events", len(span.Events()))
		if desc := span.Status().Description; desc != "" {
			event = event.Str("status_message", desc)
		}
		for _, attr := range span.Attributes() {
			event = event.Str(string(attr.Key), attr.Value.Emit())
		}
		event.Msg("span finished")
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter.
func (e *LogExporter) Shutdown(context.Context) error {
	return nil
}

// NewLogProvider returns an SDK provider that batches spans into a LogExporter.
// Callers own the provider and must Shutdown it to flush.
func NewLogProvider(logger zerolog.Logger) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(sdktrace.WithBatcher(NewLogExporter(logger)))
}
