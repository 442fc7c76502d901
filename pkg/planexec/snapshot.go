package planexec

import "github.com/harun/agentcore/pkg/session"

// SnapshotFromRun converts a finished run into a session snapshot. The
// session manager trims it before storing.
func SnapshotFromRun(plan *Plan, res *ExecutionResult) session.ExecutionSnapshot {
	snap := session.ExecutionSnapshot{
		PlanID:     plan.ID,
		Goal:       plan.Goal,
		PlanStatus: string(plan.Status),
	}
	if res != nil {
		snap.ResultType = string(res.Type)
	}
	for _, s := range plan.Steps {
		snap.Steps = append(snap.Steps, session.SnapshotStep{
			ID:           s.ID,
			Tool:         s.Tool,
			Description:  s.Description,
			Status:       string(s.Status),
			Dependencies: s.Dependencies,
		})
		snap.StepResults = append(snap.StepResults, session.SnapshotStepResult{
			StepID:  s.ID,
			Status:  string(s.Status),
			Success: s.Status == StepCompleted,
			Error:   s.Error,
		})
	}
	return snap
}
