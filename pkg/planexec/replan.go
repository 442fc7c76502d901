package planexec

import (
	"fmt"
	"slices"
	"strings"
)

const maxPatternChars = 80

var discoveryPatterns = []string{"not found", "does not exist", "no such"}

func partition(res *ExecutionResult) {
	res.SuccessfulSteps = []string{}
	res.FailedSteps = []string{}
	res.SkippedSteps = []string{}
	for _, s := range res.Plan.Steps {
		switch s.Status {
		case StepCompleted:
			res.SuccessfulSteps = append(res.SuccessfulSteps, s.ID)
		case StepFailed:
			res.FailedSteps = append(res.FailedSteps, s.ID)
		default:
			res.SkippedSteps = append(res.SkippedSteps, s.ID)
		}
	}
}

// summarize decides the result type and updates the plan status.
func (e *Executor) summarize(res *ExecutionResult) {
	plan := res.Plan
	partition(res)
	for _, sr := range res.StepResults {
		res.MissingInputs = appendUnique(res.MissingInputs, sr.MissingInputs...)
	}

	total := len(plan.Steps)
	counts := fmt.Sprintf("%d completed, %d failed, %d not executed",
		len(res.SuccessfulSteps), len(res.FailedSteps), len(res.SkippedSteps))

	switch {
	case len(res.SuccessfulSteps) == total:
		res.Type = ResultExecutionComplete
		plan.Status = PlanCompleted
		res.Summary = fmt.Sprintf("all %d steps completed", total)

	case len(res.FailedSteps) > 0 || hasStatus(plan, StepSkipped) || plan.Metadata.Signals.present():
		res.Type = ResultNeedsReplan
		plan.Status = PlanFailed
		res.Summary = "replan needed: " + counts
		res.Replan = e.buildReplan(res)

	case hasStatus(plan, StepWaitingInput):
		res.Type = ResultWaitingInput
		plan.Status = PlanWaitingInput
		res.Summary = "waiting for input: " + counts

	case len(readySteps(plan)) == 0:
		res.Type = ResultDeadlock
		plan.Status = PlanBlocked
		res.Summary = deadlockSummary(plan, len(res.SkippedSteps))

	default:
		// round limit reached with work still schedulable
		res.Type = ResultExecutionComplete
		res.Summary = fmt.Sprintf("stopped after %d rounds: %s", res.Rounds, counts)
	}
}

func hasStatus(plan *Plan, status StepStatus) bool {
	return slices.ContainsFunc(plan.Steps, func(s PlanStep) bool { return s.Status == status })
}

func deadlockSummary(plan *Plan, blocked int) string {
	msg := fmt.Sprintf("deadlock: %d steps blocked on unmet dependencies", blocked)
	if cycle := findCycle(plan.Steps); len(cycle) > 0 {
		msg += " (cycle " + strings.Join(cycle, " -> ") + ")"
	}
	if unknown := unknownDependencies(plan.Steps); len(unknown) > 0 {
		msg += " (unknown " + strings.Join(unknown, ", ") + ")"
	}
	return msg
}

func (e *Executor) buildReplan(res *ExecutionResult) *ReplanContext {
	plan := res.Plan
	data := ExecutionData{
		ToolsThatWorked:  []StepOutcome{},
		ToolsThatFailed:  []StepOutcome{},
		ToolsNotExecuted: []StepOutcome{},
	}
	signals := ReplanSignals{
		FailurePatterns: []string{},
		Needs:           []string{},
		Errors:          []string{},
	}
	if ps := plan.Metadata.Signals; ps != nil {
		signals.Needs = appendUnique(signals.Needs, ps.Needs...)
		signals.Errors = appendUnique(signals.Errors, ps.Errors...)
		signals.NoDiscoveryPath = ps.NoDiscoveryPath
		signals.SuggestedNextStep = ps.SuggestedNextStep
	}

	var firstFailed *PlanStep
	for i, s := range plan.Steps {
		o := StepOutcome{StepID: s.ID, Tool: s.Tool, Description: s.Description}
		switch s.Status {
		case StepCompleted:
			data.ToolsThatWorked = append(data.ToolsThatWorked, o)
		case StepFailed:
			o.Error = s.Error
			data.ToolsThatFailed = append(data.ToolsThatFailed, o)
			signals.FailurePatterns = appendUnique(signals.FailurePatterns, e.failurePatterns(s.Error)...)
			signals.Errors = appendUnique(signals.Errors, s.ID+": "+s.Error)
			if firstFailed == nil {
				firstFailed = &plan.Steps[i]
			}
		default:
			data.ToolsNotExecuted = append(data.ToolsNotExecuted, o)
		}
	}
	for _, sr := range res.StepResults {
		signals.Needs = appendUnique(signals.Needs, sr.MissingInputs...)
	}

	if !signals.NoDiscoveryPath && len(data.ToolsThatWorked) == 0 {
		for _, p := range signals.FailurePatterns {
			if slices.Contains(discoveryPatterns, p) {
				signals.NoDiscoveryPath = true
				break
			}
		}
	}
	if signals.SuggestedNextStep == "" {
		switch {
		case len(signals.Needs) > 0:
			signals.SuggestedNextStep = "gather missing inputs: " + strings.Join(signals.Needs, ", ")
		case firstFailed != nil:
			signals.SuggestedNextStep = fmt.Sprintf("revise step %s (%s)", firstFailed.ID, firstFailed.Tool)
		}
	}

	return &ReplanContext{
		IsReplan: true,
		ExecutedPlan: ExecutedPlan{
			Summary: PlanSummary{
				ID:         plan.ID,
				Goal:       plan.Goal,
				Strategy:   plan.Strategy,
				Status:     plan.Status,
				TotalSteps: len(plan.Steps),
				Outcome:    res.Summary,
			},
			ExecutionData: data,
			Signals:       signals,
		},
	}
}

// failurePatterns returns lowercase patterns describing one step error.
func (e *Executor) failurePatterns(errText string) []string {
	if matched := e.classifier.Match(errText); len(matched) > 0 {
		out := make([]string, len(matched))
		for i, m := range matched {
			out[i] = strings.ToLower(m)
		}
		return out
	}
	if strings.HasPrefix(errText, "missing inputs") {
		return []string{"missing inputs"}
	}
	line, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(errText)), "\n")
	if line == "" {
		return nil
	}
	if len(line) > maxPatternChars {
		line = line[:maxPatternChars]
	}
	return []string{line}
}

func appendUnique(s []string, vals ...string) []string {
	for _, v := range vals {
		if v != "" && !slices.Contains(s, v) {
			s = append(s, v)
		}
	}
	return s
}
