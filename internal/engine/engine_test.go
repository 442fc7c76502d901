package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/agentcore/internal/config"
	"github.com/harun/agentcore/internal/tracing"
	"github.com/harun/agentcore/pkg/event"
	"github.com/harun/agentcore/pkg/planexec"
	"github.com/harun/agentcore/pkg/storage"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.DataDir = ""
	cfg.Storage.Backend = "memory"
	cfg.Queue.PollIntervalMs = 10
	cfg.Queue.BaseRetryDelayMs = 1000
	return cfg
}

func okActor() planexec.ActionExecutor {
	return planexec.ActionExecutorFunc(func(_ context.Context, a planexec.Action) (planexec.ActionResult, error) {
		if a.Tool == "broken" {
			return planexec.ActionResult{}, errors.New("upstream not found")
		}
		return planexec.ActionResult{Kind: planexec.KindToolResult, Content: map[string]any{"step": a.StepID}}, nil
	})
}

func setupEngine(t *testing.T, actor planexec.ActionExecutor) (*Engine, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	e, err := New(testConfig(), store, actor)
	require.NoError(t, err)
	t.Cleanup(e.Queue().Close)
	return e, store
}

func twoStepPlan(secondTool string) planexec.Plan {
	return planexec.Plan{
		ID:   "plan-1",
		Goal: "summarize the latest report",
		Steps: []planexec.PlanStep{
			{ID: "fetch", Tool: "search", Status: planexec.StepPending},
			{ID: "sum", Tool: secondTool, Dependencies: []string{"fetch"}, Status: planexec.StepPending},
		},
	}
}

func drainEvents(e *Engine) []event.Event {
	var out []event.Event
	for {
		ev, ok := e.Queue().Dequeue()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(testConfig(), nil, nil)
	require.Error(t, err)
}

func TestExecutePlan_Completed(t *testing.T) {
	ctx := t.Context()
	e, _ := setupEngine(t, okActor())

	req := PlanRequest{ThreadID: "t1", TenantID: "acme", Plan: twoStepPlan("summarize"), CorrelationID: "corr-1"}
	res, err := e.ExecutePlan(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, planexec.ResultExecutionComplete, res.Type)
	assert.Equal(t, planexec.StepPending, req.Plan.Steps[0].Status, "caller's plan must not change")

	events := drainEvents(e)
	require.Len(t, events, 2)
	assert.Equal(t, event.TypeSessionCreated, events[0].Type)
	assert.Equal(t, event.TypePlanCompleted, events[1].Type)
	assert.Equal(t, "corr-1", events[1].CorrelationID())

	outcome, ok := event.DataAs[PlanOutcome](events[1])
	require.True(t, ok)
	assert.Equal(t, "plan-1", outcome.PlanID)
	assert.Equal(t, planexec.ResultExecutionComplete, outcome.Result)
	assert.NotEmpty(t, outcome.SnapshotID)
	assert.Nil(t, outcome.Replan)

	rec, err := e.Sessions().Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "acme", rec.TenantID)
	ex := rec.Context.Execution
	assert.Equal(t, []string{"fetch", "sum"}, ex.CompletedSteps)
	assert.Len(t, ex.StepsJournal, 2)
	assert.Equal(t, "completed", ex.StepsJournal[0].Status)
	assert.Equal(t, 2, ex.ToolCallCount)
	assert.Equal(t, []string{"search", "summarize"}, ex.LastToolsUsed)
	assert.Equal(t, 1, ex.IterationCount)
	assert.Equal(t, 0, ex.ReplanCount)
	assert.Equal(t, "completed", rec.Context.State.Phase)
	assert.Contains(t, rec.CorrelationIDHistory, "corr-1")

	snap, err := e.Sessions().LatestSnapshot(ctx, rec.SessionID)
	require.NoError(t, err)
	assert.Equal(t, outcome.SnapshotID, snap.ID)
	assert.Equal(t, "plan-1", snap.PlanID)
	assert.Equal(t, string(planexec.ResultExecutionComplete), snap.ResultType)
}

func TestExecutePlan_ActionContextCarriesExecution(t *testing.T) {
	var traceID, threadID, executionID string
	actor := planexec.ActionExecutorFunc(func(ctx context.Context, _ planexec.Action) (planexec.ActionResult, error) {
		traceID = tracing.GetTraceID(ctx)
		threadID = tracing.GetThreadID(ctx)
		executionID = tracing.GetExecutionID(ctx)
		return planexec.ActionResult{Kind: planexec.KindFinalAnswer}, nil
	})
	e, _ := setupEngine(t, actor)

	plan := planexec.Plan{ID: "p1", Steps: []planexec.PlanStep{{ID: "a", Tool: "answer", Status: planexec.StepPending}}}
	_, err := e.ExecutePlan(t.Context(), PlanRequest{ThreadID: "t1", Plan: plan})
	require.NoError(t, err)

	rec, err := e.Sessions().Get(t.Context(), "t1")
	require.NoError(t, err)
	assert.NotEmpty(t, traceID)
	assert.Equal(t, "t1", threadID)
	assert.Equal(t, rec.Context.ExecutionID, executionID)
}

func TestExecutePlan_NeedsReplan(t *testing.T) {
	ctx := t.Context()
	e, _ := setupEngine(t, okActor())

	_, err := e.ExecutePlan(ctx, PlanRequest{ThreadID: "t1", Plan: planexec.Plan{ID: "seed"}})
	require.NoError(t, err)
	drainEvents(e)

	res, err := e.ExecutePlan(ctx, PlanRequest{ThreadID: "t1", Plan: planexec.Plan{
		ID: "plan-2",
		Steps: []planexec.PlanStep{
			{ID: "a", Tool: "broken"},
			{ID: "b", Tool: "write", Dependencies: []string{"a"}},
		},
	}})
	require.NoError(t, err)
	assert.Equal(t, planexec.ResultNeedsReplan, res.Type)

	events := drainEvents(e)
	require.Len(t, events, 1, "existing session is not announced again")
	assert.Equal(t, event.TypePlanReplanRequested, events[0].Type)
	outcome, ok := event.DataAs[PlanOutcome](events[0])
	require.True(t, ok)
	require.NotNil(t, outcome.Replan)
	assert.Equal(t, []string{"not found"}, outcome.Replan.ExecutedPlan.Signals.FailurePatterns)

	rec, err := e.Sessions().Get(ctx, "t1")
	require.NoError(t, err)
	ex := rec.Context.Execution
	assert.Equal(t, 1, ex.ReplanCount)
	assert.Equal(t, []string{"a"}, ex.FailedSteps)
	assert.Equal(t, []string{"b"}, ex.SkippedSteps)
	assert.Equal(t, 2, ex.IterationCount)
	assert.Equal(t, "planning", rec.Context.State.Phase)
	require.Len(t, ex.StepsJournal, 1)
	assert.Equal(t, "upstream not found", ex.StepsJournal[0].Summary)
}

func TestExecutePlan_Deadlock(t *testing.T) {
	e, _ := setupEngine(t, okActor())

	res, err := e.ExecutePlan(t.Context(), PlanRequest{ThreadID: "t1", Plan: planexec.Plan{
		ID: "loop",
		Steps: []planexec.PlanStep{
			{ID: "a", Tool: "x", Dependencies: []string{"b"}},
			{ID: "b", Tool: "y", Dependencies: []string{"a"}},
		},
	}})
	require.NoError(t, err)
	assert.Equal(t, planexec.ResultDeadlock, res.Type)

	events := drainEvents(e)
	require.Len(t, events, 2)
	assert.Equal(t, event.TypePlanDeadlocked, events[1].Type)
}

func TestExecutePlan_Validation(t *testing.T) {
	e, _ := setupEngine(t, okActor())

	_, err := e.ExecutePlan(t.Context(), PlanRequest{Plan: twoStepPlan("x")})
	require.ErrorContains(t, err, "thread id is required")

	dup := planexec.Plan{ID: "p", Steps: []planexec.PlanStep{{ID: "a"}, {ID: "a"}}}
	_, err = e.ExecutePlan(t.Context(), PlanRequest{ThreadID: "t1", Plan: dup})
	require.ErrorContains(t, err, "duplicate step id")
}

func TestDrain_PlanExecuteEvent(t *testing.T) {
	ctx := t.Context()
	e, _ := setupEngine(t, okActor())

	// payload shaped like a decoded JSON request body
	payload := map[string]any{
		"threadId": "t2",
		"plan": map[string]any{
			"id":    "p",
			"steps": []any{map[string]any{"id": "a", "tool": "search"}},
		},
	}
	require.True(t, e.Enqueue(event.New(event.TypePlanExecute, payload).WithCorrelationID("corr-9"), 5))

	n := e.Drain(ctx)
	assert.Equal(t, 3, n, "plan.execute plus session.created and plan.completed")
	assert.Equal(t, 0, e.Queue().Size())
	assert.Equal(t, 0, e.Queue().DLQ().Size())

	rec, err := e.Sessions().Get(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, rec.Context.Execution.CompletedSteps)
	assert.Contains(t, rec.CorrelationIDHistory, "corr-9")
}

func TestDrain_BadRequestIsRetried(t *testing.T) {
	e, _ := setupEngine(t, okActor())

	require.True(t, e.Enqueue(event.New(event.TypePlanExecute, map[string]any{"plan": map[string]any{"id": "p"}}), 1))
	assert.Equal(t, 1, e.Drain(t.Context()))
	assert.Equal(t, 1, e.Queue().Stats().PendingRetries)

	e.Queue().Close()
	items := e.Queue().DLQ().List()
	require.Len(t, items, 1)
	assert.Equal(t, event.TypePlanExecute, items[0].Event.Type)
}

func TestStartStop(t *testing.T) {
	ctx := t.Context()
	e, _ := setupEngine(t, okActor())

	require.NoError(t, e.Start(ctx))
	require.Error(t, e.Start(ctx))
	assert.True(t, e.Status().Running)
	assert.Equal(t, []string{event.TypePlanExecute}, e.Status().Handlers)

	plan := twoStepPlan("summarize")
	require.True(t, e.Enqueue(event.New(event.TypePlanExecute, PlanRequest{ThreadID: "t3", Plan: plan}), 5))

	assert.Eventually(t, func() bool {
		rec, err := e.Sessions().Get(ctx, "t3")
		return err == nil && len(rec.Context.Execution.CompletedSteps) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, e.Stop())
	require.Error(t, e.Stop())
	assert.False(t, e.Status().Running)
}

func TestStart_RestoresDLQ(t *testing.T) {
	ctx := t.Context()
	store := storage.NewMemory()

	first, err := New(testConfig(), store, nil)
	require.NoError(t, err)
	first.Queue().DLQ().Send(ctx, event.New("tool.call", nil), errors.New("boom"), 4)

	second, err := New(testConfig(), store, nil)
	require.NoError(t, err)
	require.NoError(t, second.Start(ctx))
	t.Cleanup(func() { _ = second.Stop() })

	assert.Equal(t, 1, second.Queue().DLQ().Size())
}

func TestApplyConfig(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	e, _ := setupEngine(t, nil)
	cfg := testConfig()
	cfg.Circuit.Threshold = 9
	cfg.Logging.Level = "warn"
	e.ApplyConfig(cfg)

	assert.Equal(t, 9, e.Queue().Breaker().State().Threshold)
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
}

func TestRouter(t *testing.T) {
	r := NewRouter()
	var got []string
	r.Register("b.event", func(_ context.Context, ev event.Event) error {
		got = append(got, ev.ID)
		return nil
	})
	r.Register("a.event", func(context.Context, event.Event) error { return errors.New("nope") })

	assert.Equal(t, []string{"a.event", "b.event"}, r.Types())
	require.NoError(t, r.Handle(t.Context(), event.New("unknown", nil)))

	ev := event.New("b.event", nil)
	require.NoError(t, r.Handle(t.Context(), ev))
	assert.Equal(t, []string{ev.ID}, got)
	require.Error(t, r.Handle(t.Context(), event.New("a.event", nil)))

	r.Unregister("a.event")
	require.NoError(t, r.Handle(t.Context(), event.New("a.event", nil)))
}
