package observability

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AuditEvent is a durable record of an operator-relevant state change:
// dead-lettering, reprocessing, breaker transitions, session recovery.
type AuditEvent struct {
	Category  string         `json:"category"`
	Action    string         `json:"action"`
	Subject   string         `json:"subject,omitempty"` // event ID, session ID or thread ID
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	TraceID   string         `json:"trace_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// AuditLogger writes audit events as JSON lines.
type AuditLogger struct {
	mu     sync.Mutex
	logger zerolog.Logger
	closer io.Closer
}

var (
	auditMu   sync.RWMutex
	auditInst = NewAuditLogger(io.Discard)
)

// NewAuditLogger creates an audit logger that writes to w.
func NewAuditLogger(w io.Writer) *AuditLogger {
	return &AuditLogger{logger: zerolog.New(w).With().Timestamp().Logger()}
}

// InitAuditLogger points the global audit logger at a file.
func InitAuditLogger(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	a := NewAuditLogger(file)
	a.closer = file
	SetAuditLogger(a)
	return nil
}

// SetAuditLogger replaces the global audit logger.
func SetAuditLogger(a *AuditLogger) {
	auditMu.Lock()
	auditInst = a
	auditMu.Unlock()
}

// GetAuditLogger returns the global audit logger instance
func GetAuditLogger() *AuditLogger {
	auditMu.RLock()
	defer auditMu.RUnlock()
	return auditInst
}

// Record writes the event and mirrors it as a span event when a span is active.
func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		event.TraceID = span.SpanContext().TraceID().String()
		span.AddEvent(event.Category+"."+event.Action, trace.WithAttributes(
			attribute.String("audit.subject", event.Subject),
			attribute.String("audit.status", event.Status),
		))
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	entry := a.logger.Log().
		Str("category", event.Category).
		Str("action", event.Action).
		Str("subject", event.Subject).
		Str("status", event.Status).
		Time("at", event.Timestamp)
	if event.TraceID != "" {
		entry = entry.Str("trace_id", event.TraceID)
	}
	if len(event.Details) > 0 {
		entry = entry.Interface("details", event.Details)
	}
	entry.Msg("")
}

// Close closes the audit logger's file handle
func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closer != nil {
		return a.closer.Close()
	}
	return nil
}

func RecordDLQAudit(ctx context.Context, action, eventID, reason string) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Category: "dlq",
		Action:   action,
		Subject:  eventID,
		Status:   "success",
		Details:  map[string]any{"reason": reason},
	})
}

func RecordCircuitAudit(ctx context.Context, open bool, failures int) {
	action := "closed"
	if open {
		action = "opened"
	}
	GetAuditLogger().Record(ctx, AuditEvent{
		Category: "circuit",
		Action:   action,
		Status:   "success",
		Details:  map[string]any{"consecutive_failures": failures},
	})
}

func RecordSessionAudit(ctx context.Context, action, sessionID, status string, details map[string]any) {
	GetAuditLogger().Record(ctx, AuditEvent{
		Category: "session",
		Action:   action,
		Subject:  sessionID,
		Status:   status,
		Details:  details,
	})
}
