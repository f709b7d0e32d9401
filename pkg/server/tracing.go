package server

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation name of the runtime's spans.
const tracerName = "github.com/vango-dev/shiny/pkg/server"

// tracer resolves the tracer from the global provider on each call so a
// provider installed after the server is built is still used.
func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// startSpan starts a span for one runtime operation of an instance.
func startSpan(ctx context.Context, name, sessionID, instanceID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("shiny.session_id", sessionID),
		attribute.String("shiny.instance_id", instanceID),
	)
	return tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan records err on span and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
