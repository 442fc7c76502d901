package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// ThreadIDKey is the context key for the logical conversation thread
	ThreadIDKey ContextKey = "thread_id"
	// SessionIDKey is the context key for the durable session ID
	SessionIDKey ContextKey = "session_id"
	// ExecutionIDKey is the context key for a plan execution
	ExecutionIDKey ContextKey = "execution_id"
	// CorrelationIDKey is the context key for producer-supplied correlation IDs
	CorrelationIDKey ContextKey = "correlation_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID       string
	ThreadID      string
	SessionID     string
	ExecutionID   string
	CorrelationID string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewExecutionID generates a new execution ID
func NewExecutionID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithThreadID adds a thread ID to the context
func WithThreadID(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, ThreadIDKey, threadID)
}

// WithSessionID adds a session ID to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// WithExecutionID adds an execution ID to the context
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, ExecutionIDKey, executionID)
}

// WithCorrelationID adds a correlation ID to the context
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, CorrelationIDKey, correlationID)
}

func getString(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return getString(ctx, TraceIDKey)
}

// GetThreadID retrieves the thread ID from the context
func GetThreadID(ctx context.Context) string {
	return getString(ctx, ThreadIDKey)
}

// GetSessionID retrieves the session ID from the context
func GetSessionID(ctx context.Context) string {
	return getString(ctx, SessionIDKey)
}

// GetExecutionID retrieves the execution ID from the context
func GetExecutionID(ctx context.Context) string {
	return getString(ctx, ExecutionIDKey)
}

// GetCorrelationID retrieves the correlation ID from the context
func GetCorrelationID(ctx context.Context) string {
	return getString(ctx, CorrelationIDKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:       GetTraceID(ctx),
		ThreadID:      GetThreadID(ctx),
		SessionID:     GetSessionID(ctx),
		ExecutionID:   GetExecutionID(ctx),
		CorrelationID: GetCorrelationID(ctx),
	}
}

// NewContext creates a new context with tracing information
func NewContext(ctx context.Context, tc *TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.ThreadID != "" {
		ctx = WithThreadID(ctx, tc.ThreadID)
	}
	if tc.SessionID != "" {
		ctx = WithSessionID(ctx, tc.SessionID)
	}
	if tc.ExecutionID != "" {
		ctx = WithExecutionID(ctx, tc.ExecutionID)
	}
	if tc.CorrelationID != "" {
		ctx = WithCorrelationID(ctx, tc.CorrelationID)
	}
	return ctx
}

// NewExecutionContext derives a context for a plan execution. The trace ID is
// kept (or created). An empty executionID gets a fresh one.
func NewExecutionContext(ctx context.Context, threadID, executionID string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	if executionID == "" {
		executionID = NewExecutionID()
	}
	ctx = WithExecutionID(ctx, executionID)
	if threadID != "" {
		ctx = WithThreadID(ctx, threadID)
	}
	return ctx
}
