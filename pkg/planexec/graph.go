package planexec

import (
	"errors"
	"fmt"
	"slices"
)

// ValidatePlan checks that every step has a unique, non-empty id.
// Unknown or cyclic dependencies are allowed; they surface as a deadlock.
func ValidatePlan(plan *Plan) error {
	if plan == nil {
		return errors.New("plan is nil")
	}
	seen := make(map[string]bool, len(plan.Steps))
	for i, step := range plan.Steps {
		if step.ID == "" {
			return fmt.Errorf("step %d has no id", i)
		}
		if seen[step.ID] {
			return fmt.Errorf("duplicate step id: %s", step.ID)
		}
		seen[step.ID] = true
	}
	return nil
}

// readySteps returns indexes of pending steps whose dependencies are all completed.
func readySteps(plan *Plan) []int {
	status := make(map[string]StepStatus, len(plan.Steps))
	for _, s := range plan.Steps {
		status[s.ID] = s.Status
	}
	var ready []int
	for i, s := range plan.Steps {
		if s.Status != StepPending {
			continue
		}
		ok := true
		for _, dep := range s.Dependencies {
			if dep != "" && status[dep] != StepCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, i)
		}
	}
	return ready
}

// unknownDependencies returns "step -> dep" pairs naming steps not in the plan.
func unknownDependencies(steps []PlanStep) []string {
	ids := make(map[string]bool, len(steps))
	for _, s := range steps {
		ids[s.ID] = true
	}
	var out []string
	for _, s := range steps {
		for _, dep := range s.Dependencies {
			if dep != "" && !ids[dep] {
				out = append(out, s.ID+" -> "+dep)
			}
		}
	}
	return out
}

// findCycle returns one dependency cycle as a path that starts and ends on
// the same step, or nil.
func findCycle(steps []PlanStep) []string {
	graph := make(map[string][]string, len(steps))
	order := make([]string, 0, len(steps))
	for _, s := range steps {
		graph[s.ID] = s.Dependencies
		order = append(order, s.ID)
	}

	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		visited[id] = true
		onStack[id] = true
		stack = append(stack, id)

		for _, dep := range graph[id] {
			if _, known := graph[dep]; !known {
				continue
			}
			if !visited[dep] {
				if visit(dep) {
					return true
				}
			} else if onStack[dep] {
				start := slices.Index(stack, dep)
				cycle = append(slices.Clone(stack[start:]), dep)
				return true
			}
		}

		onStack[id] = false
		stack = stack[:len(stack)-1]
		return false
	}

	for _, id := range order {
		if !visited[id] && visit(id) {
			return cycle
		}
	}
	return nil
}
