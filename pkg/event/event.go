// Package event defines the immutable event value carried by the queue.
package event

import (
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Well-known event types.
const (
	TypeAgentThinking       = "agent.thinking"
	TypeToolCall            = "tool.call"
	TypeToolResult          = "tool.result"
	TypePlanExecute         = "plan.execute"
	TypePlanCompleted       = "plan.completed"
	TypePlanReplanRequested = "plan.replan_requested"
	TypePlanDeadlocked      = "plan.deadlocked"
	TypePlanWaitingInput    = "plan.waiting_input"
	TypeSessionCreated      = "session.created"
	TypeSessionRecovered    = "session.recovered"
)

// Event is a typed message with an optional payload. Values are treated as
// immutable once enqueued; the With*/Next* helpers return modified copies.
type Event struct {
	ID        string    `json:"id,omitempty"`
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp int64     `json:"ts"` // unix milliseconds
	Metadata  *Metadata `json:"metadata,omitempty"`
}

// Metadata carries retry bookkeeping and producer context.
type Metadata struct {
	Retry         *RetryInfo     `json:"retry,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Source        string         `json:"source,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// RetryInfo is attached when an event is re-enqueued after a handler failure.
type RetryInfo struct {
	RetryCount   int            `json:"retryCount"`
	RetryHistory []RetryAttempt `json:"retryHistory,omitempty"`
	IsRetry      bool           `json:"isRetry"`
}

// RetryAttempt records one failed handling attempt.
type RetryAttempt struct {
	Attempt  int    `json:"attempt"`
	Error    string `json:"error"`
	FailedAt int64  `json:"failedAt"`
}

var lastTimestamp atomic.Int64

// Now returns the current unix-millisecond time, never smaller than a value
// previously returned in this process.
func Now() int64 {
	for {
		now := time.Now().UnixMilli()
		last := lastTimestamp.Load()
		if now < last {
			now = last
		}
		if lastTimestamp.CompareAndSwap(last, now) {
			return now
		}
	}
}

// New creates an event with a fresh ID and timestamp.
func New(eventType string, data any) Event {
	return Event{
		ID:        gonanoid.Must(),
		Type:      eventType,
		Data:      data,
		Timestamp: Now(),
	}
}

// WithCorrelationID returns a copy carrying the given correlation ID.
func (e Event) WithCorrelationID(id string) Event {
	md := e.metadataCopy()
	md.CorrelationID = id
	e.Metadata = md
	return e
}

// WithSource returns a copy tagged with the producing component.
func (e Event) WithSource(source string) Event {
	md := e.metadataCopy()
	md.Source = source
	e.Metadata = md
	return e
}

// CorrelationID returns the correlation ID, if any.
func (e Event) CorrelationID() string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata.CorrelationID
}

// RetryCount is zero for first attempts.
func (e Event) RetryCount() int {
	if e.Metadata == nil || e.Metadata.Retry == nil {
		return 0
	}
	return e.Metadata.Retry.RetryCount
}

// RetryHistory returns a copy of the recorded failures.
func (e Event) RetryHistory() []RetryAttempt {
	if e.Metadata == nil || e.Metadata.Retry == nil {
		return nil
	}
	return append([]RetryAttempt(nil), e.Metadata.Retry.RetryHistory...)
}

// NextRetry returns the copy to enqueue after a failed attempt. The receiver
// and its history slice are left untouched.
func (e Event) NextRetry(cause error, at time.Time) Event {
	count := e.RetryCount()
	history := e.RetryHistory()

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	history = append(history, RetryAttempt{
		Attempt:  count + 1,
		Error:    msg,
		FailedAt: at.UnixMilli(),
	})

	md := e.metadataCopy()
	md.Retry = &RetryInfo{
		RetryCount:   count + 1,
		RetryHistory: history,
		IsRetry:      true,
	}
	e.Metadata = md
	return e
}

// WithoutRetry returns a copy with retry bookkeeping cleared.
func (e Event) WithoutRetry() Event {
	if e.Metadata == nil || e.Metadata.Retry == nil {
		return e
	}
	md := e.metadataCopy()
	md.Retry = nil
	if md.CorrelationID == "" && md.Source == "" && len(md.Extra) == 0 {
		md = nil
	}
	e.Metadata = md
	return e
}

func (e Event) metadataCopy() *Metadata {
	if e.Metadata == nil {
		return &Metadata{}
	}
	md := *e.Metadata
	if e.Metadata.Extra != nil {
		md.Extra = make(map[string]any, len(e.Metadata.Extra))
		for k, v := range e.Metadata.Extra {
			md.Extra[k] = v
		}
	}
	if e.Metadata.Retry != nil {
		r := *e.Metadata.Retry
		r.RetryHistory = append([]RetryAttempt(nil), e.Metadata.Retry.RetryHistory...)
		md.Retry = &r
	}
	return &md
}

// DataAs returns the payload as T when it holds one.
func DataAs[T any](e Event) (T, bool) {
	v, ok := e.Data.(T)
	return v, ok
}
