package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// PropagateToLogger adds tracing context to a zerolog logger
func PropagateToLogger(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)

	fields := logger.With()
	if tc.TraceID != "" {
		fields = fields.Str("trace_id", tc.TraceID)
	}
	if tc.ThreadID != "" {
		fields = fields.Str("thread_id", tc.ThreadID)
	}
	if tc.SessionID != "" {
		fields = fields.Str("session_id", tc.SessionID)
	}
	if tc.ExecutionID != "" {
		fields = fields.Str("execution_id", tc.ExecutionID)
	}
	if tc.CorrelationID != "" {
		fields = fields.Str("correlation_id", tc.CorrelationID)
	}

	return fields.Logger()
}

// LoggerFromContext creates a logger with tracing context from the given context
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	return PropagateToLogger(ctx, baseLogger)
}

// Detach returns a background context carrying only the tracing values of ctx.
// Work that must outlive the caller (shared single-flight results, retry
// timers) uses it so cancellation of one caller does not leak into others.
func Detach(ctx context.Context) context.Context {
	return NewContext(context.Background(), FromContext(ctx))
}
