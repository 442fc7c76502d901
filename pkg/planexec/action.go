package planexec

import (
	"context"
	"reflect"
)

// ResultKind tags an ActionResult.
type ResultKind string

const (
	KindToolResult        ResultKind = "tool_result"
	KindFinalAnswer       ResultKind = "final_answer"
	KindError             ResultKind = "error"
	KindNeedsReplan       ResultKind = "needs_replan"
	KindLLMResult         ResultKind = "llm_result"
	KindConditionalResult ResultKind = "conditional_result"
)

// Action is one step handed to the action executor.
type Action struct {
	PlanID   string         `json:"planId"`
	StepID   string         `json:"stepId"`
	Tool     string         `json:"tool"`
	Args     map[string]any `json:"args"`
	ThreadID string         `json:"threadId,omitempty"`
}

// ToolEnvelope is the success/error wrapper some tools return.
type ToolEnvelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ActionResult is the tagged outcome of an action.
type ActionResult struct {
	Kind     ResultKind    `json:"kind"`
	Content  any           `json:"content,omitempty"`
	Error    string        `json:"error,omitempty"`
	Envelope *ToolEnvelope `json:"envelope,omitempty"`
}

// Payload returns the envelope data for wrapped results and Content otherwise.
func (r ActionResult) Payload() any {
	if r.Envelope != nil {
		return r.Envelope.Data
	}
	return r.Content
}

// ActionExecutor performs plan steps.
type ActionExecutor interface {
	Act(ctx context.Context, action Action) (ActionResult, error)
}

// ActionExecutorFunc adapts a function to ActionExecutor.
type ActionExecutorFunc func(ctx context.Context, action Action) (ActionResult, error)

func (f ActionExecutorFunc) Act(ctx context.Context, action Action) (ActionResult, error) {
	return f(ctx, action)
}

// isEmpty reports whether v carries no usable payload.
func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []byte:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	case []any:
		return len(t) == 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
