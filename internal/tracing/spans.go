package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const domainTracerName = "fragserver"

func domainTracer() trace.Tracer {
	return Tracer(domainTracerName)
}

// TraceCommand creates a span around one supervisor command
// (restart/interrupt/state_change). The caller must call span.End().
func TraceCommand(ctx context.Context, command string) (context.Context, trace.Span) {
	ctx, span := domainTracer().Start(ctx, "supervisor.command",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(attribute.String("command", command))
	return ctx, span
}

// TraceForward creates a span around one proxied request to the
// subprocess. The caller must call span.End().
func TraceForward(ctx context.Context, method, path string) (context.Context, trace.Span) {
	ctx, span := domainTracer().Start(ctx, "proxy.forward",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("http.method", method),
		attribute.String("http.path", path),
	)
	return ctx, span
}
