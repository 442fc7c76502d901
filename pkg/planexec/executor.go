package planexec

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/harun/agentcore/internal/observability"
	"github.com/harun/agentcore/internal/tracing"
	"github.com/harun/agentcore/pkg/session"
)

const tracerName = "agentcore.planexec"

// Config configures an Executor.
type Config struct {
	MaxExecutionRounds int
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{MaxExecutionRounds: 10}
}

// Option customizes an Executor.
type Option func(*Executor)

// WithResolver replaces the default StepRefResolver.
func WithResolver(r ArgumentResolver) Option {
	return func(e *Executor) { e.resolver = r }
}

// WithClassifier replaces the default replan classifier.
func WithClassifier(c ReplanClassifier) Option {
	return func(e *Executor) { e.classifier = c }
}

// Executor runs plans.
type Executor struct {
	cfg        Config
	actor      ActionExecutor
	resolver   ArgumentResolver
	classifier ReplanClassifier
	logger     zerolog.Logger
}

// NewExecutor creates an Executor. With a nil actor every attempted step fails.
func NewExecutor(actor ActionExecutor, cfg Config, opts ...Option) *Executor {
	if cfg.MaxExecutionRounds <= 0 {
		cfg.MaxExecutionRounds = DefaultConfig().MaxExecutionRounds
	}
	e := &Executor{
		cfg:        cfg,
		actor:      actor,
		resolver:   StepRefResolver{},
		classifier: NewSubstringClassifier(),
		logger:     log.With().Str("component", "planexec").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes plan in place against rc. It returns an error only for an
// invalid plan or when ctx is cancelled; step failures are reported in the result.
func (e *Executor) Run(ctx context.Context, plan *Plan, rc *session.RuntimeContext) (*ExecutionResult, error) {
	if err := ValidatePlan(plan); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	if rc != nil {
		ctx = tracing.WithThreadID(ctx, rc.ThreadID)
		ctx = tracing.WithSessionID(ctx, rc.SessionID)
	}
	ctx, span := tracing.StartSpan(ctx, tracerName, "planexec.run",
		attribute.String("plan.id", plan.ID),
		attribute.Int("plan.steps", len(plan.Steps)),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, e.logger).With().Str("plan_id", plan.ID).Logger()
	start := time.Now()

	normalize(plan)

	res := &ExecutionResult{Plan: plan}
	if plan.Status == PlanWaitingInput {
		if missing, ok := e.resume(ctx, plan, rc); !ok {
			partition(res)
			res.Type = ResultWaitingInput
			res.MissingInputs = missing
			res.Summary = "waiting for input: " + strings.Join(missing, ", ")
			e.finish(res, start)
			logger.Info().Strs("missing", missing).Msg("Plan still waiting for input")
			return res, nil
		}
	}
	plan.Status = PlanExecuting

	var runErr error
rounds:
	for round := 1; round <= e.cfg.MaxExecutionRounds; round++ {
		ready := readySteps(plan)
		if len(ready) == 0 {
			break
		}
		res.Rounds = round
		for _, idx := range ready {
			if err := ctx.Err(); err != nil {
				runErr = err
				break rounds
			}
			res.StepResults = append(res.StepResults, e.executeStep(ctx, plan, idx, rc))
		}
	}

	e.summarize(res)
	e.finish(res, start)

	span.SetAttributes(
		attribute.String("plan.result", string(res.Type)),
		attribute.Int("plan.rounds", res.Rounds),
	)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		return res, fmt.Errorf("plan %s interrupted: %w", plan.ID, runErr)
	}

	logger.Info().
		Str("result", string(res.Type)).
		Int("rounds", res.Rounds).
		Int("completed", len(res.SuccessfulSteps)).
		Int("failed", len(res.FailedSteps)).
		Int("not_executed", len(res.SkippedSteps)).
		Msg("Plan execution finished")
	return res, nil
}

// normalize reclassifies steps left executing by an interrupted run and
// points CurrentStepIndex at the first pending step.
func normalize(plan *Plan) {
	plan.CurrentStepIndex = len(plan.Steps)
	for i := range plan.Steps {
		s := &plan.Steps[i]
		if s.Status == "" {
			s.Status = StepPending
		}
		if s.Status == StepExecuting {
			if s.Result != nil {
				s.Status = StepFailed
				if s.Error == "" {
					s.Error = "interrupted during execution"
				}
			} else {
				s.Status = StepPending
			}
		}
		if s.Status == StepPending && plan.CurrentStepIndex == len(plan.Steps) {
			plan.CurrentStepIndex = i
		}
	}
	if plan.Status == "" {
		plan.Status = PlanPending
	}
}

// resume tries to unblock a plan waiting for input. It returns the missing
// inputs when the blocking step still cannot be resolved.
func (e *Executor) resume(ctx context.Context, plan *Plan, rc *session.RuntimeContext) ([]string, bool) {
	for i := range plan.Steps {
		s := &plan.Steps[i]
		if s.Status != StepWaitingInput {
			continue
		}
		plan.CurrentStepIndex = i
		if missing := e.missingInputs(ctx, plan, s, rc); len(missing) > 0 {
			return missing, false
		}
		s.Status = StepPending
		s.Error = ""
	}
	plan.Status = PlanExecuting
	return nil, true
}

func (e *Executor) missingInputs(ctx context.Context, plan *Plan, s *PlanStep, rc *session.RuntimeContext) []string {
	res, err := e.resolver.ResolveArgs(ctx, s.Arguments, plan.Steps, rc)
	return unresolved(res, err)
}

// unresolved merges resolver-reported gaps with sentinel values left in the args.
func unresolved(res Resolution, err error) []string {
	if err != nil {
		return []string{err.Error()}
	}
	missing := append(slices.Clone(res.Missing), FindSentinels(res.Args)...)
	slices.Sort(missing)
	return slices.Compact(missing)
}

func (e *Executor) executeStep(ctx context.Context, plan *Plan, idx int, rc *session.RuntimeContext) StepExecutionResult {
	s := &plan.Steps[idx]
	plan.CurrentStepIndex = idx
	start := time.Now()

	ctx, span := tracing.StartSpan(ctx, tracerName, "planexec.step",
		attribute.String("step.id", s.ID),
		attribute.String("step.tool", s.Tool),
	)
	defer span.End()

	out := StepExecutionResult{StepID: s.ID, ExecutedAt: start}
	finish := func() StepExecutionResult {
		out.Duration = time.Since(start)
		out.Step = *s
		if !out.Success {
			span.SetStatus(codes.Error, out.Error)
		}
		return out
	}

	resolution, err := e.resolver.ResolveArgs(ctx, s.Arguments, plan.Steps, rc)
	if missing := unresolved(resolution, err); len(missing) > 0 {
		s.Status = StepFailed
		s.Error = "missing inputs: " + strings.Join(missing, ", ")
		out.Error = s.Error
		out.MissingInputs = missing
		e.logger.Debug().Str("step_id", s.ID).Strs("missing", missing).Msg("Step inputs unresolved")
		return finish()
	}

	s.Status = StepExecuting
	result, actErr := e.act(ctx, Action{
		PlanID:   plan.ID,
		StepID:   s.ID,
		Tool:     s.Tool,
		Args:     resolution.Args,
		ThreadID: tracing.GetThreadID(ctx),
	})
	if actErr != nil {
		span.RecordError(actErr)
		result = ActionResult{Kind: KindError, Error: actErr.Error()}
	}

	outcome := Classify(result, e.classifier)
	s.Result = &result
	out.Result = &result
	out.Success = outcome.Success
	out.ShouldReplan = outcome.ShouldReplan
	if outcome.Success {
		s.Status = StepCompleted
		s.Error = ""
	} else {
		s.Status = StepFailed
		s.Error = outcome.Error
		out.Error = outcome.Error
		e.logger.Debug().
			Str("step_id", s.ID).
			Str("tool", s.Tool).
			Str("error", outcome.Error).
			Bool("replan", outcome.ShouldReplan).
			Msg("Step failed")
	}
	return finish()
}

// act calls the action executor, turning a panic into an error.
func (e *Executor) act(ctx context.Context, a Action) (res ActionResult, err error) {
	if e.actor == nil {
		return ActionResult{}, fmt.Errorf("no action executor configured")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action executor panic: %v", r)
		}
	}()
	return e.actor.Act(ctx, a)
}

func (e *Executor) finish(res *ExecutionResult, start time.Time) {
	res.Duration = time.Since(start)
	observability.RecordPlanExecution(string(res.Type), res.Duration, res.Rounds)
	observability.RecordPlanSteps(len(res.SuccessfulSteps), len(res.FailedSteps), len(res.SkippedSteps))
}
