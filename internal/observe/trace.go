package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/voxbridge"

// Span attributes shared by relay spans.
const (
	AttrSessionID = attribute.Key("voxbridge.session.id")
	AttrCharacter = attribute.Key("voxbridge.character")
)

// StartSpan starts a span on the globally registered tracer provider. The
// caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// StartSessionSpan starts a span for work done on behalf of one relay session
// and tags it with the session id and persona.
func StartSessionSpan(ctx context.Context, name, sessionID, character string) (context.Context, trace.Span) {
	return StartSpan(ctx, name, trace.WithAttributes(
		AttrSessionID.String(sessionID),
		AttrCharacter.String(character),
	))
}

// EndSpan marks span failed when err is non-nil and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID returns the trace id of the span in ctx, or "" without one.
// The HTTP middleware echoes it as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// SessionLogger returns the default logger with session_id set, plus trace_id
// when ctx carries a span, so session logs join up with their traces.
func SessionLogger(ctx context.Context, sessionID string) *slog.Logger {
	l := slog.Default().With(slog.String("session_id", sessionID))
	if cid := CorrelationID(ctx); cid != "" {
		l = l.With(slog.String("trace_id", cid))
	}
	return l
}
