package planexec

import "time"

// StepStatus is the lifecycle state of a plan step.
type StepStatus string

const (
	StepPending      StepStatus = "pending"
	StepExecuting    StepStatus = "executing"
	StepCompleted    StepStatus = "completed"
	StepFailed       StepStatus = "failed"
	StepSkipped      StepStatus = "skipped"
	StepWaitingInput StepStatus = "waiting_input"
)

// PlanStatus is the lifecycle state of a plan.
type PlanStatus string

const (
	PlanPending      PlanStatus = "pending"
	PlanExecuting    PlanStatus = "executing"
	PlanWaitingInput PlanStatus = "waiting_input"
	PlanCompleted    PlanStatus = "completed"
	PlanFailed       PlanStatus = "failed"
	PlanBlocked      PlanStatus = "blocked"
)

// ResultType classifies a run.
type ResultType string

const (
	ResultExecutionComplete ResultType = "execution_complete"
	ResultNeedsReplan       ResultType = "needs_replan"
	ResultDeadlock          ResultType = "deadlock"
	ResultWaitingInput      ResultType = "waiting_input"
)

// Plan is an ordered set of steps toward a goal.
type Plan struct {
	ID               string       `json:"id"`
	Goal             string       `json:"goal"`
	Strategy         string       `json:"strategy,omitempty"`
	Steps            []PlanStep   `json:"steps"`
	Status           PlanStatus   `json:"status"`
	CurrentStepIndex int          `json:"currentStepIndex"`
	Metadata         PlanMetadata `json:"metadata,omitzero"`
}

// PlanMetadata carries planner-supplied hints.
type PlanMetadata struct {
	Signals *PlanSignals `json:"signals,omitempty"`
}

// PlanSignals are planner-level reasons to replan regardless of step outcomes.
type PlanSignals struct {
	Needs             []string `json:"needs,omitempty"`
	NoDiscoveryPath   bool     `json:"noDiscoveryPath,omitempty"`
	Errors            []string `json:"errors,omitempty"`
	SuggestedNextStep string   `json:"suggestedNextStep,omitempty"`
}

func (s *PlanSignals) present() bool {
	return s != nil && (len(s.Needs) > 0 || s.NoDiscoveryPath || len(s.Errors) > 0 || s.SuggestedNextStep != "")
}

// PlanStep is one tool invocation.
type PlanStep struct {
	ID           string         `json:"id"`
	Tool         string         `json:"tool"`
	Description  string         `json:"description,omitempty"`
	Arguments    map[string]any `json:"arguments,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Status       StepStatus     `json:"status"`
	Result       *ActionResult  `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// StepExecutionResult records one attempted step.
type StepExecutionResult struct {
	StepID        string        `json:"stepId"`
	Step          PlanStep      `json:"step"`
	Result        *ActionResult `json:"result,omitempty"`
	Success       bool          `json:"success"`
	Error         string        `json:"error,omitempty"`
	ShouldReplan  bool          `json:"shouldReplan,omitempty"`
	MissingInputs []string      `json:"missingInputs,omitempty"`
	ExecutedAt    time.Time     `json:"executedAt"`
	Duration      time.Duration `json:"duration"`
}

// ExecutionResult is the outcome of Run.
type ExecutionResult struct {
	Type            ResultType            `json:"type"`
	Plan            *Plan                 `json:"plan"`
	StepResults     []StepExecutionResult `json:"stepResults"`
	SuccessfulSteps []string              `json:"successfulSteps"`
	FailedSteps     []string              `json:"failedSteps"`
	SkippedSteps    []string              `json:"skippedSteps"`
	MissingInputs   []string              `json:"missingInputs,omitempty"`
	Summary         string                `json:"summary"`
	Rounds          int                   `json:"rounds"`
	Replan          *ReplanContext        `json:"replan,omitempty"`
	Duration        time.Duration         `json:"duration"`
}

// ReplanContext is handed to a planner when a run needs a new plan.
type ReplanContext struct {
	IsReplan     bool         `json:"isReplan"`
	ExecutedPlan ExecutedPlan `json:"executedPlan"`
}

// ExecutedPlan describes what the previous plan achieved.
type ExecutedPlan struct {
	Summary       PlanSummary   `json:"summary"`
	ExecutionData ExecutionData `json:"executionData"`
	Signals       ReplanSignals `json:"signals"`
}

// PlanSummary identifies the executed plan.
type PlanSummary struct {
	ID         string     `json:"id"`
	Goal       string     `json:"goal"`
	Strategy   string     `json:"strategy,omitempty"`
	Status     PlanStatus `json:"status"`
	TotalSteps int        `json:"totalSteps"`
	Outcome    string     `json:"outcome"`
}

// ExecutionData partitions steps by outcome.
type ExecutionData struct {
	ToolsThatWorked  []StepOutcome `json:"toolsThatWorked"`
	ToolsThatFailed  []StepOutcome `json:"toolsThatFailed"`
	ToolsNotExecuted []StepOutcome `json:"toolsNotExecuted"`
}

// StepOutcome is a step reference in ExecutionData.
type StepOutcome struct {
	StepID      string `json:"stepId"`
	Tool        string `json:"tool"`
	Description string `json:"description,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ReplanSignals is the evidence a planner uses to revise the plan.
type ReplanSignals struct {
	FailurePatterns   []string `json:"failurePatterns"`
	Needs             []string `json:"needs"`
	NoDiscoveryPath   bool     `json:"noDiscoveryPath"`
	Errors            []string `json:"errors"`
	SuggestedNextStep string   `json:"suggestedNextStep,omitempty"`
}
