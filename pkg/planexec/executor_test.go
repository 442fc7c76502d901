package planexec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentcore/pkg/session"
)

// recordingActor returns a tool_result for every step unless a response is
// registered for the step id.
type recordingActor struct {
	mu        sync.Mutex
	calls     []Action
	responses map[string]ActionResult
	errs      map[string]error
}

func newRecordingActor() *recordingActor {
	return &recordingActor{responses: map[string]ActionResult{}, errs: map[string]error{}}
}

func (a *recordingActor) Act(_ context.Context, action Action) (ActionResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, action)
	if err, ok := a.errs[action.StepID]; ok {
		return ActionResult{}, err
	}
	if r, ok := a.responses[action.StepID]; ok {
		return r, nil
	}
	return ActionResult{Kind: KindToolResult, Content: "ok:" + action.StepID}, nil
}

func (a *recordingActor) stepIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, len(a.calls))
	for i, c := range a.calls {
		ids[i] = c.StepID
	}
	return ids
}

func (a *recordingActor) args(stepID string) map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.calls {
		if c.StepID == stepID {
			return c.Args
		}
	}
	return nil
}

func step(id, tool string, deps ...string) PlanStep {
	return PlanStep{ID: id, Tool: tool, Dependencies: deps, Status: StepPending}
}

func TestRun_IndependentStepsComplete(t *testing.T) {
	actor := newRecordingActor()
	e := NewExecutor(actor, DefaultConfig())

	plan := &Plan{ID: "p1", Goal: "fetch", Steps: []PlanStep{
		step("a", "search"), step("b", "search"), step("c", "search"),
	}}
	res, err := e.Run(t.Context(), plan, nil)
	require.NoError(t, err)

	assert.Equal(t, ResultExecutionComplete, res.Type)
	assert.Equal(t, PlanCompleted, plan.Status)
	assert.Equal(t, []string{"a", "b", "c"}, res.SuccessfulSteps)
	assert.Empty(t, res.FailedSteps)
	assert.Empty(t, res.SkippedSteps)
	assert.Nil(t, res.Replan)
	assert.Equal(t, 1, res.Rounds)
	assert.Equal(t, []string{"a", "b", "c"}, actor.stepIDs())
	for _, s := range plan.Steps {
		require.NotNil(t, s.Result)
	}
}

func TestRun_DependencyOrdering(t *testing.T) {
	actor := newRecordingActor()
	e := NewExecutor(actor, DefaultConfig())

	plan := &Plan{ID: "p1", Steps: []PlanStep{
		step("c", "write", "b"), step("b", "transform", "a"), step("a", "read"),
	}}
	res, err := e.Run(t.Context(), plan, nil)
	require.NoError(t, err)

	assert.Equal(t, ResultExecutionComplete, res.Type)
	assert.Equal(t, []string{"a", "b", "c"}, actor.stepIDs())
	assert.Equal(t, 3, res.Rounds)
}

func TestRun_DependencyBlocking(t *testing.T) {
	actor := newRecordingActor()
	actor.responses["a"] = ActionResult{Kind: KindError, Error: "record not found"}
	e := NewExecutor(actor, DefaultConfig())

	plan := &Plan{ID: "p1", Goal: "update record", Steps: []PlanStep{
		step("a", "lookup"), step("b", "update", "a"),
	}}
	res, err := e.Run(t.Context(), plan, nil)
	require.NoError(t, err)

	assert.Equal(t, ResultNeedsReplan, res.Type)
	assert.Equal(t, PlanFailed, plan.Status)
	assert.Equal(t, []string{"a"}, actor.stepIDs())
	assert.Equal(t, []string{"a"}, res.FailedSteps)
	assert.Equal(t, []string{"b"}, res.SkippedSteps)
	assert.Equal(t, StepPending, plan.Steps[1].Status)

	require.NotNil(t, res.Replan)
	assert.True(t, res.Replan.IsReplan)
	data := res.Replan.ExecutedPlan.ExecutionData
	assert.Empty(t, data.ToolsThatWorked)
	require.Len(t, data.ToolsThatFailed, 1)
	assert.Equal(t, "lookup", data.ToolsThatFailed[0].Tool)
	assert.Equal(t, "record not found", data.ToolsThatFailed[0].Error)
	require.Len(t, data.ToolsNotExecuted, 1)
	assert.Equal(t, "b", data.ToolsNotExecuted[0].StepID)

	signals := res.Replan.ExecutedPlan.Signals
	assert.Equal(t, []string{"not found"}, signals.FailurePatterns)
	assert.True(t, signals.NoDiscoveryPath)
	assert.Equal(t, []string{"a: record not found"}, signals.Errors)
	assert.Equal(t, "revise step a (lookup)", signals.SuggestedNextStep)
	assert.Equal(t, 2, res.Replan.ExecutedPlan.Summary.TotalSteps)
}

func TestRun_Deadlock(t *testing.T) {
	actor := newRecordingActor()
	e := NewExecutor(actor, Config{MaxExecutionRounds: 5})

	plan := &Plan{ID: "p1", Steps: []PlanStep{
		step("a", "x", "b"), step("b", "y", "a"),
	}}
	res, err := e.Run(t.Context(), plan, nil)
	require.NoError(t, err)

	assert.Equal(t, ResultDeadlock, res.Type)
	assert.Equal(t, PlanBlocked, plan.Status)
	assert.Empty(t, actor.stepIDs())
	assert.Equal(t, 0, res.Rounds)
	assert.Contains(t, res.Summary, "cycle a -> b -> a")
	assert.Nil(t, res.Replan)
}

func TestRun_DeadlockOnUnknownDependency(t *testing.T) {
	e := NewExecutor(newRecordingActor(), DefaultConfig())

	plan := &Plan{ID: "p1", Steps: []PlanStep{step("a", "x"), step("b", "y", "ghost")}}
	res, err := e.Run(t.Context(), plan, nil)
	require.NoError(t, err)

	assert.Equal(t, ResultDeadlock, res.Type)
	assert.Equal(t, []string{"a"}, res.SuccessfulSteps)
	assert.Contains(t, res.Summary, "b -> ghost")
}

func TestRun_RoundLimit(t *testing.T) {
	actor := newRecordingActor()
	e := NewExecutor(actor, Config{MaxExecutionRounds: 2})

	plan := &Plan{ID: "p1", Steps: []PlanStep{
		step("a", "x"), step("b", "x", "a"), step("c", "x", "b"),
	}}
	res, err := e.Run(t.Context(), plan, nil)
	require.NoError(t, err)

	assert.Equal(t, ResultExecutionComplete, res.Type)
	assert.Equal(t, PlanExecuting, plan.Status)
	assert.Equal(t, 2, res.Rounds)
	assert.Equal(t, []string{"c"}, res.SkippedSteps)
	assert.Contains(t, res.Summary, "stopped after 2 rounds")
}

func TestRun_InvalidPlan(t *testing.T) {
	e := NewExecutor(newRecordingActor(), DefaultConfig())

	_, err := e.Run(t.Context(), nil, nil)
	require.Error(t, err)

	_, err = e.Run(t.Context(), &Plan{ID: "p", Steps: []PlanStep{step("a", "x"), step("a", "y")}}, nil)
	require.ErrorContains(t, err, "duplicate step id")

	_, err = e.Run(t.Context(), &Plan{ID: "p", Steps: []PlanStep{{Tool: "x"}}}, nil)
	require.ErrorContains(t, err, "has no id")
}

func TestRun_NormalizesInterruptedSteps(t *testing.T) {
	actor := newRecordingActor()
	e := NewExecutor(actor, DefaultConfig())

	prior := ActionResult{Kind: KindToolResult, Content: "partial"}
	plan := &Plan{ID: "p1", Status: PlanExecuting, Steps: []PlanStep{
		{ID: "a", Tool: "x", Status: StepExecuting, Result: &prior},
		{ID: "b", Tool: "y", Status: StepExecuting},
		{ID: "c", Tool: "z"},
	}}
	res, err := e.Run(t.Context(), plan, nil)
	require.NoError(t, err)

	assert.Equal(t, StepFailed, plan.Steps[0].Status)
	assert.Equal(t, "interrupted during execution", plan.Steps[0].Error)
	assert.Equal(t, StepCompleted, plan.Steps[1].Status)
	assert.Equal(t, StepCompleted, plan.Steps[2].Status)
	assert.Equal(t, []string{"b", "c"}, actor.stepIDs())
	assert.Equal(t, ResultNeedsReplan, res.Type)
}

func TestNormalize(t *testing.T) {
	plan := &Plan{Steps: []PlanStep{
		{ID: "a", Status: StepCompleted},
		{ID: "b", Status: StepExecuting},
		{ID: "c"},
	}}
	normalize(plan)

	assert.Equal(t, PlanPending, plan.Status)
	assert.Equal(t, StepPending, plan.Steps[1].Status)
	assert.Equal(t, StepPending, plan.Steps[2].Status)
	assert.Equal(t, 1, plan.CurrentStepIndex)
}

func TestRun_MissingInputsSkipActionExecutor(t *testing.T) {
	actor := newRecordingActor()
	e := NewExecutor(actor, DefaultConfig())

	plan := &Plan{ID: "p1", Steps: []PlanStep{
		{ID: "a", Tool: "email", Arguments: map[string]any{
			"to":   "NOT_FOUND",
			"opts": map[string]any{"cc": []any{"ok@example.com", " missing "}},
		}},
	}}
	res, err := e.Run(t.Context(), plan, nil)
	require.NoError(t, err)

	assert.Empty(t, actor.stepIDs())
	assert.Equal(t, StepFailed, plan.Steps[0].Status)
	assert.Equal(t, "missing inputs: opts.cc[1] (missing), to (NOT_FOUND)", plan.Steps[0].Error)
	assert.Equal(t, ResultNeedsReplan, res.Type)
	assert.Equal(t, []string{"opts.cc[1] (missing)", "to (NOT_FOUND)"}, res.MissingInputs)

	signals := res.Replan.ExecutedPlan.Signals
	assert.Equal(t, []string{"missing inputs"}, signals.FailurePatterns)
	assert.Equal(t, res.MissingInputs, signals.Needs)
	assert.Equal(t, "gather missing inputs: opts.cc[1] (missing), to (NOT_FOUND)", signals.SuggestedNextStep)
	assert.False(t, signals.NoDiscoveryPath)
}

func TestRun_ResolvesStepReferences(t *testing.T) {
	actor := newRecordingActor()
	actor.responses["a"] = ActionResult{Kind: KindToolResult, Content: map[string]any{
		"user": map[string]any{"id": "u1", "tags": []any{"admin"}},
	}}
	e := NewExecutor(actor, DefaultConfig())

	plan := &Plan{ID: "p1", Steps: []PlanStep{
		step("a", "lookup"),
		{ID: "b", Tool: "notify", Dependencies: []string{"a"}, Arguments: map[string]any{
			"user":    "{{steps.a.user}}",
			"message": "hello {{ steps.a.user.id }}",
			"tag":     "{{steps.a.user.tags.0}}",
		}},
	}}
	res, err := e.Run(t.Context(), plan, nil)
	require.NoError(t, err)
	require.Equal(t, ResultExecutionComplete, res.Type)

	args := actor.args("b")
	assert.Equal(t, map[string]any{"id": "u1", "tags": []any{"admin"}}, args["user"])
	assert.Equal(t, "hello u1", args["message"])
	assert.Equal(t, "admin", args["tag"])
}

func TestRun_ResolvesEntities(t *testing.T) {
	actor := newRecordingActor()
	e := NewExecutor(actor, DefaultConfig())

	now := time.Now()
	rc := &session.RuntimeContext{
		SessionID: "s1",
		ThreadID:  "t1",
		Entities: map[string][]session.EntityRef{
			"ticket": {
				{ID: "T-1", Type: "ticket", LastUsedAt: now.Add(-time.Minute)},
				{ID: "T-2", Type: "ticket", Name: "Login bug", LastUsedAt: now,
					Attributes: map[string]any{"priority": "high"}},
			},
		},
	}
	plan := &Plan{ID: "p1", Steps: []PlanStep{
		{ID: "a", Tool: "comment", Arguments: map[string]any{
			"ticket":   "{{entities.ticket}}",
			"title":    "{{entities.ticket.name}}",
			"priority": "{{entities.ticket.priority}}",
		}},
	}}
	res, err := e.Run(t.Context(), plan, rc)
	require.NoError(t, err)
	require.Equal(t, ResultExecutionComplete, res.Type)

	args := actor.args("a")
	assert.Equal(t, "T-2", args["ticket"])
	assert.Equal(t, "Login bug", args["title"])
	assert.Equal(t, "high", args["priority"])

	calls := actor.calls
	require.Len(t, calls, 1)
	assert.Equal(t, "t1", calls[0].ThreadID)
	assert.Equal(t, "p1", calls[0].PlanID)
}

func TestRun_WaitingInputResume(t *testing.T) {
	actor := newRecordingActor()
	e := NewExecutor(actor, DefaultConfig())

	plan := &Plan{ID: "p1", Status: PlanWaitingInput, Steps: []PlanStep{
		{ID: "a", Tool: "close", Status: StepWaitingInput,
			Arguments: map[string]any{"ticket": "{{entities.ticket.id}}"}},
	}}
	rc := &session.RuntimeContext{Entities: map[string][]session.EntityRef{}}

	res, err := e.Run(t.Context(), plan, rc)
	require.NoError(t, err)
	assert.Equal(t, ResultWaitingInput, res.Type)
	assert.Equal(t, []string{"ticket"}, res.MissingInputs)
	assert.Equal(t, StepWaitingInput, plan.Steps[0].Status)
	assert.Empty(t, actor.stepIDs())

	rc.Entities["ticket"] = []session.EntityRef{{ID: "T-9", Type: "ticket", LastUsedAt: time.Now()}}
	res, err = e.Run(t.Context(), plan, rc)
	require.NoError(t, err)
	assert.Equal(t, ResultExecutionComplete, res.Type)
	assert.Equal(t, "T-9", actor.args("a")["ticket"])
}

func TestRun_PlanSignalsForceReplan(t *testing.T) {
	actor := newRecordingActor()
	actor.responses["b"] = ActionResult{Kind: KindNeedsReplan}
	e := NewExecutor(actor, DefaultConfig())

	plan := &Plan{ID: "p1", Steps: []PlanStep{step("a", "x"), step("b", "y")},
		Metadata: PlanMetadata{Signals: &PlanSignals{
			Needs:             []string{"customer email"},
			SuggestedNextStep: "ask the user",
		}},
	}
	res, err := e.Run(t.Context(), plan, nil)
	require.NoError(t, err)

	assert.Equal(t, ResultNeedsReplan, res.Type)
	signals := res.Replan.ExecutedPlan.Signals
	assert.Equal(t, []string{"customer email"}, signals.Needs)
	assert.Equal(t, "ask the user", signals.SuggestedNextStep)
	assert.Equal(t, []string{"action requested replanning"}, signals.FailurePatterns)
	assert.Len(t, res.Replan.ExecutedPlan.ExecutionData.ToolsThatWorked, 1)
	assert.False(t, signals.NoDiscoveryPath)

	require.Len(t, res.StepResults, 2)
	assert.True(t, res.StepResults[1].ShouldReplan)
}

func TestRun_SignalsWithPendingWorkReplan(t *testing.T) {
	e := NewExecutor(newRecordingActor(), Config{MaxExecutionRounds: 1})

	plan := &Plan{ID: "p1", Steps: []PlanStep{step("a", "x"), step("b", "x", "a")},
		Metadata: PlanMetadata{Signals: &PlanSignals{NoDiscoveryPath: true}},
	}
	res, err := e.Run(t.Context(), plan, nil)
	require.NoError(t, err)
	assert.Equal(t, ResultNeedsReplan, res.Type)
	assert.True(t, res.Replan.ExecutedPlan.Signals.NoDiscoveryPath)
}

func TestRun_ActionErrorsAreCaptured(t *testing.T) {
	actor := newRecordingActor()
	actor.errs["a"] = errors.New("connection refused")
	actor.responses["b"] = ActionResult{Kind: KindToolResult}
	e := NewExecutor(actor, DefaultConfig())

	plan := &Plan{ID: "p1", Steps: []PlanStep{step("a", "http"), step("b", "http")}}
	res, err := e.Run(t.Context(), plan, nil)
	require.NoError(t, err)

	require.Len(t, res.StepResults, 2)
	assert.Equal(t, "connection refused", res.StepResults[0].Error)
	assert.True(t, res.StepResults[0].ShouldReplan)
	assert.Equal(t, "tool_result was empty", res.StepResults[1].Error)
	assert.False(t, res.StepResults[1].ShouldReplan)
	assert.Equal(t, []string{"connection refused", "tool_result was empty"},
		res.Replan.ExecutedPlan.Signals.FailurePatterns)
}

func TestRun_ActionPanicIsIsolated(t *testing.T) {
	actor := ActionExecutorFunc(func(_ context.Context, a Action) (ActionResult, error) {
		if a.StepID == "a" {
			panic("boom")
		}
		return ActionResult{Kind: KindFinalAnswer}, nil
	})
	e := NewExecutor(actor, DefaultConfig())

	plan := &Plan{ID: "p1", Steps: []PlanStep{step("a", "x"), step("b", "y")}}
	res, err := e.Run(t.Context(), plan, nil)
	require.NoError(t, err)

	assert.Equal(t, StepFailed, plan.Steps[0].Status)
	assert.Equal(t, "action executor panic: boom", plan.Steps[0].Error)
	assert.Equal(t, StepCompleted, plan.Steps[1].Status)
	assert.Len(t, res.StepResults, 2)
}

func TestRun_NilActor(t *testing.T) {
	e := NewExecutor(nil, DefaultConfig())

	plan := &Plan{ID: "p1", Steps: []PlanStep{step("a", "x")}}
	res, err := e.Run(t.Context(), plan, nil)
	require.NoError(t, err)
	assert.Equal(t, "no action executor configured", plan.Steps[0].Error)
	assert.Equal(t, ResultNeedsReplan, res.Type)
}

func TestRun_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	actor := ActionExecutorFunc(func(_ context.Context, a Action) (ActionResult, error) {
		if a.StepID == "a" {
			cancel()
		}
		return ActionResult{Kind: KindToolResult, Content: a.StepID}, nil
	})
	e := NewExecutor(actor, DefaultConfig())

	plan := &Plan{ID: "p1", Steps: []PlanStep{step("a", "x"), step("b", "x"), step("c", "x")}}
	res, err := e.Run(ctx, plan, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, []string{"a"}, res.SuccessfulSteps)
	assert.Equal(t, []string{"b", "c"}, res.SkippedSteps)
}

func TestRun_CustomClassifierAndResolver(t *testing.T) {
	actor := newRecordingActor()
	actor.responses["a"] = ActionResult{Kind: KindError, Error: "quota exhausted"}

	var resolved int
	resolver := resolverFunc(func(_ context.Context, raw map[string]any, _ []PlanStep, _ *session.RuntimeContext) (Resolution, error) {
		resolved++
		return Resolution{Args: raw}, nil
	})
	e := NewExecutor(actor, DefaultConfig(),
		WithClassifier(NewSubstringClassifier("QUOTA")),
		WithResolver(resolver),
	)

	plan := &Plan{ID: "p1", Steps: []PlanStep{step("a", "x")}}
	res, err := e.Run(t.Context(), plan, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, resolved)
	assert.True(t, res.StepResults[0].ShouldReplan)
	assert.Equal(t, []string{"quota"}, res.Replan.ExecutedPlan.Signals.FailurePatterns)
}

func TestRun_ResolverError(t *testing.T) {
	resolver := resolverFunc(func(context.Context, map[string]any, []PlanStep, *session.RuntimeContext) (Resolution, error) {
		return Resolution{}, fmt.Errorf("resolver offline")
	})
	actor := newRecordingActor()
	e := NewExecutor(actor, DefaultConfig(), WithResolver(resolver))

	plan := &Plan{ID: "p1", Steps: []PlanStep{step("a", "x")}}
	_, err := e.Run(t.Context(), plan, nil)
	require.NoError(t, err)
	assert.Equal(t, "missing inputs: resolver offline", plan.Steps[0].Error)
	assert.Empty(t, actor.stepIDs())
}

type resolverFunc func(ctx context.Context, raw map[string]any, steps []PlanStep, rc *session.RuntimeContext) (Resolution, error)

func (f resolverFunc) ResolveArgs(ctx context.Context, raw map[string]any, steps []PlanStep, rc *session.RuntimeContext) (Resolution, error) {
	return f(ctx, raw, steps, rc)
}

func TestSnapshotFromRun(t *testing.T) {
	actor := newRecordingActor()
	actor.responses["b"] = ActionResult{Kind: KindError, Error: "boom"}
	e := NewExecutor(actor, DefaultConfig())

	plan := &Plan{ID: "p1", Goal: "g", Steps: []PlanStep{step("a", "x"), step("b", "y", "a")}}
	res, err := e.Run(t.Context(), plan, nil)
	require.NoError(t, err)

	snap := SnapshotFromRun(plan, res)
	assert.Equal(t, "p1", snap.PlanID)
	assert.Equal(t, "g", snap.Goal)
	assert.Equal(t, string(PlanFailed), snap.PlanStatus)
	assert.Equal(t, string(ResultNeedsReplan), snap.ResultType)
	require.Len(t, snap.Steps, 2)
	assert.Equal(t, []string{"a"}, snap.Steps[1].Dependencies)
	assert.True(t, snap.StepResults[0].Success)
	assert.Equal(t, "boom", snap.StepResults[1].Error)
}
