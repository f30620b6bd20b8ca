package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the router tracer.
const tracerName = "github.com/tars-assistant/router"

// Tracer returns the package-level [trace.Tracer] for the router. It uses
// the globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartDispatchSpan starts a span covering the dispatch of one bus message.
// The envelope correlate is attached as an attribute when non-empty. The
// caller must call span.End() when done.
func StartDispatchSpan(ctx context.Context, topic, correlate string) (context.Context, trace.Span) {
	opts := []trace.SpanStartOption{
		trace.WithAttributes(attribute.String("bus.topic", topic)),
	}
	if correlate != "" {
		opts = append(opts, trace.WithAttributes(attribute.String("bus.correlate", correlate)))
	}
	return Tracer().Start(ctx, "dispatch "+topic, opts...)
}

// Logger returns an [slog.Logger] carrying the correlation id of the message
// being handled. Every log line emitted while handling a message goes through
// this so the correlate is never lost.
func Logger(correlate string) *slog.Logger {
	l := slog.Default()
	if correlate != "" {
		l = l.With(slog.String("correlate", correlate))
	}
	return l
}
