package session

import (
	"context"
	"slices"
	"time"
)

// UpdateExecution merges u into the thread's execution state.
func (m *Manager) UpdateExecution(ctx context.Context, threadID string, u ExecutionUpdate) error {
	return m.mutate(ctx, threadID, "session.update_execution", func(rec *Record, now time.Time) error {
		applyExecutionUpdate(rec, u, now)
		return nil
	})
}

func applyExecutionUpdate(rec *Record, u ExecutionUpdate, now time.Time) {
	ex := &rec.Context.Execution

	if u.CurrentTool != "" && u.CurrentTool != ex.CurrentTool {
		ex.CurrentTool = u.CurrentTool
		ex.ToolCallCount++
		ex.LastToolsUsed = appendCapped(dedupRemove(ex.LastToolsUsed, u.CurrentTool), u.CurrentTool, maxLastToolsUsed)
	}

	for _, id := range u.CompletedSteps {
		ex.CompletedSteps = appendUnique(ex.CompletedSteps, id)
		ex.FailedSteps = dedupRemove(ex.FailedSteps, id)
		ex.SkippedSteps = dedupRemove(ex.SkippedSteps, id)
	}
	for _, id := range u.FailedSteps {
		ex.FailedSteps = appendUnique(ex.FailedSteps, id)
	}
	for _, id := range u.SkippedSteps {
		ex.SkippedSteps = appendUnique(ex.SkippedSteps, id)
	}

	ex.ReplanCount += u.ReplanDelta
	ex.IterationCount += u.IterationDelta
	rec.Context.State.CurrentIteration += u.IterationDelta
	rec.Context.State.TotalIterations += u.IterationDelta

	if u.Journal != nil {
		entry := *u.Journal
		if entry.At.IsZero() {
			entry.At = now
		}
		ex.StepsJournal = appendCapped(ex.StepsJournal, entry, maxJournalEntries)
	}

	if u.CorrelationID != "" && !slices.Contains(rec.CorrelationIDHistory, u.CorrelationID) {
		rec.CorrelationIDHistory = appendCapped(rec.CorrelationIDHistory, u.CorrelationID, maxCorrelationIDs)
	}
	if u.Phase != "" {
		rec.Context.State.Phase = u.Phase
	}
}

func appendUnique(s []string, v string) []string {
	if slices.Contains(s, v) {
		return s
	}
	return append(s, v)
}

func dedupRemove(s []string, v string) []string {
	return slices.DeleteFunc(s, func(x string) bool { return x == v })
}

// appendCapped appends v and drops the oldest entries beyond limit.
func appendCapped[T any](s []T, v T, limit int) []T {
	s = append(s, v)
	if over := len(s) - limit; over > 0 {
		s = append(s[:0:0], s[over:]...)
	}
	return s
}
