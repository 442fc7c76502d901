package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/agentcore/internal/tracing"
	"github.com/harun/agentcore/pkg/event"
	"github.com/harun/agentcore/pkg/planexec"
	"github.com/harun/agentcore/pkg/session"
)

// followUpPriority is used for events the engine emits about its own work.
const followUpPriority = 5

// PlanRequest is the payload of a plan.execute event.
type PlanRequest struct {
	ThreadID      string        `json:"threadId"`
	TenantID      string        `json:"tenantId,omitempty"`
	Plan          planexec.Plan `json:"plan"`
	CorrelationID string        `json:"correlationId,omitempty"`
}

// PlanOutcome is the payload of the follow-up event emitted after a run.
type PlanOutcome struct {
	ThreadID      string                  `json:"threadId"`
	SessionID     string                  `json:"sessionId"`
	ExecutionID   string                  `json:"executionId,omitempty"`
	PlanID        string                  `json:"planId"`
	Result        planexec.ResultType     `json:"result"`
	Summary       string                  `json:"summary"`
	MissingInputs []string                `json:"missingInputs,omitempty"`
	Replan        *planexec.ReplanContext `json:"replan,omitempty"`
	SnapshotID    string                  `json:"snapshotId,omitempty"`
	Plan          planexec.Plan           `json:"plan"`
}

var followUpTypes = map[planexec.ResultType]string{
	planexec.ResultExecutionComplete: event.TypePlanCompleted,
	planexec.ResultNeedsReplan:       event.TypePlanReplanRequested,
	planexec.ResultDeadlock:          event.TypePlanDeadlocked,
	planexec.ResultWaitingInput:      event.TypePlanWaitingInput,
}

var resultPhases = map[planexec.ResultType]string{
	planexec.ResultExecutionComplete: session.PhaseCompleted,
	planexec.ResultNeedsReplan:       session.PhasePlanning,
	planexec.ResultDeadlock:          session.PhasePlanning,
	planexec.ResultWaitingInput:      session.PhaseWaitingInput,
}

func (e *Engine) handlePlanExecute(ctx context.Context, ev event.Event) error {
	req, err := decodePayload[PlanRequest](ev)
	if err != nil {
		return fmt.Errorf("failed to decode plan request: %w", err)
	}
	if req.CorrelationID == "" {
		req.CorrelationID = ev.CorrelationID()
	}
	_, err = e.ExecutePlan(ctx, req)
	return err
}

// decodePayload converts event data to T through JSON. Payloads that came in
// over HTTP arrive as generic maps, and the round trip also keeps the handler
// from mutating the queued event.
func decodePayload[T any](ev event.Event) (T, error) {
	var out T
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return out, err
	}
	err = json.Unmarshal(data, &out)
	return out, err
}

// ExecutePlan runs req.Plan against the thread's session, records progress in
// the session, saves a snapshot and enqueues the follow-up event. The caller's
// plan is not modified. Step failures are reported in the result; an error is
// returned for invalid requests, storage failures and cancellation.
func (e *Engine) ExecutePlan(ctx context.Context, req PlanRequest) (*planexec.ExecutionResult, error) {
	if req.ThreadID == "" {
		return nil, errors.New("thread id is required")
	}
	ctx = tracing.WithThreadID(ctx, req.ThreadID)
	if req.CorrelationID != "" {
		ctx = tracing.WithCorrelationID(ctx, req.CorrelationID)
	}
	ctx, span := tracing.StartSpan(ctx, tracerName, "engine.execute_plan",
		attribute.String("thread_id", req.ThreadID),
		attribute.String("plan.id", req.Plan.ID),
	)
	defer span.End()

	fail := func(err error) (*planexec.ExecutionResult, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	rc, err := e.loadContext(ctx, req)
	if err != nil {
		return fail(fmt.Errorf("failed to load session: %w", err))
	}
	ctx = tracing.WithSessionID(ctx, rc.SessionID)
	ctx = tracing.NewExecutionContext(ctx, req.ThreadID, rc.ExecutionID)
	logger := tracing.LoggerFromContext(ctx, e.logger)

	if err := e.sessions.UpdateExecution(ctx, req.ThreadID, session.ExecutionUpdate{
		Phase:          session.PhaseExecuting,
		IterationDelta: 1,
		CorrelationID:  req.CorrelationID,
	}); err != nil {
		return fail(fmt.Errorf("failed to mark session executing: %w", err))
	}

	plan := req.Plan
	plan.Steps = slices.Clone(req.Plan.Steps)
	res, runErr := e.executor.Run(ctx, &plan, rc)
	if res == nil {
		return fail(runErr)
	}

	// progress is persisted even when the run was cancelled
	persistCtx := context.WithoutCancel(ctx)
	if err := e.recordRun(persistCtx, req.ThreadID, res); err != nil {
		return fail(fmt.Errorf("failed to record plan progress: %w", err))
	}

	outcome := PlanOutcome{
		ThreadID:      req.ThreadID,
		SessionID:     rc.SessionID,
		ExecutionID:   rc.ExecutionID,
		PlanID:        plan.ID,
		Result:        res.Type,
		Summary:       res.Summary,
		MissingInputs: res.MissingInputs,
		Replan:        res.Replan,
		Plan:          plan,
	}
	snap := planexec.SnapshotFromRun(&plan, res)
	snap.ExecutionID = rc.ExecutionID
	if saved, err := e.sessions.SaveSnapshot(persistCtx, req.ThreadID, snap); err != nil {
		logger.Warn().Err(err).Msg("Failed to save execution snapshot")
	} else {
		outcome.SnapshotID = saved.ID
	}

	e.publish(persistCtx, followUpTypes[res.Type], outcome, req.CorrelationID)

	span.SetAttributes(attribute.String("plan.result", string(res.Type)))
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}
	return res, runErr
}

// loadContext recovers the thread's session, creating one when none exists
// or the previous one expired.
func (e *Engine) loadContext(ctx context.Context, req PlanRequest) (*session.RuntimeContext, error) {
	rec, err := e.sessions.Recover(ctx, req.ThreadID)
	switch {
	case err == nil:
		if rec.WasRecovered {
			e.publish(ctx, event.TypeSessionRecovered, map[string]any{
				"threadId":    req.ThreadID,
				"sessionId":   rec.Context.SessionID,
				"snapshotId":  rec.SnapshotID,
				"gapMs":       rec.GapDuration.Milliseconds(),
				"inferences":  rec.Inferences,
				"executionId": rec.Context.ExecutionID,
			}, req.CorrelationID)
		}
		return rec.Context, nil
	case errors.Is(err, session.ErrSessionNotFound):
		rc, err := e.sessions.GetOrCreate(ctx, req.ThreadID, req.TenantID)
		if err != nil {
			return nil, err
		}
		e.publish(ctx, event.TypeSessionCreated, map[string]any{
			"threadId":  req.ThreadID,
			"sessionId": rc.SessionID,
			"tenantId":  req.TenantID,
		}, req.CorrelationID)
		return rc, nil
	default:
		return nil, err
	}
}

// recordRun writes one journal entry per attempted step and then the run's
// step sets, replan count and phase.
func (e *Engine) recordRun(ctx context.Context, threadID string, res *planexec.ExecutionResult) error {
	for _, sr := range res.StepResults {
		if err := e.sessions.UpdateExecution(ctx, threadID, session.ExecutionUpdate{
			CurrentTool: sr.Step.Tool,
			Journal: &session.JournalEntry{
				StepID:  sr.StepID,
				Tool:    sr.Step.Tool,
				Status:  string(sr.Step.Status),
				Summary: journalSummary(sr),
				At:      sr.ExecutedAt,
			},
		}); err != nil {
			return err
		}
	}

	u := session.ExecutionUpdate{
		CompletedSteps: res.SuccessfulSteps,
		FailedSteps:    res.FailedSteps,
		SkippedSteps:   res.SkippedSteps,
		Phase:          resultPhases[res.Type],
	}
	if res.Type == planexec.ResultNeedsReplan {
		u.ReplanDelta = 1
	}
	return e.sessions.UpdateExecution(ctx, threadID, u)
}

func journalSummary(sr planexec.StepExecutionResult) string {
	if sr.Success {
		return fmt.Sprintf("completed in %s", sr.Duration.Round(time.Millisecond))
	}
	return sr.Error
}

// publish enqueues an engine-generated event. A full queue drops it with a warning.
func (e *Engine) publish(ctx context.Context, eventType string, data any, correlationID string) {
	if eventType == "" {
		return
	}
	ev := event.New(eventType, data).WithSource("engine")
	if correlationID != "" {
		ev = ev.WithCorrelationID(correlationID)
	}
	if !e.queue.Enqueue(ev, followUpPriority) {
		logger := tracing.LoggerFromContext(ctx, e.logger)
		logger.Warn().
			Str("event_type", eventType).
			Msg("Follow-up event dropped, queue full")
	}
}
