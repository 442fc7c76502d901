// Package planexec runs dependency-ordered plans through an injected action
// executor and reports completion, deadlock or a replanning bundle.
//
// A run normalizes steps interrupted by a crash, resumes plans waiting for
// input, then executes up to MaxExecutionRounds scheduling rounds. Each round
// runs every ready step (pending, all dependencies completed) sequentially so
// later steps can reference earlier results. Failures are captured per step;
// Run only returns an error for an invalid plan or a cancelled context.
//
// Usage:
//
//	exec := planexec.NewExecutor(actor, planexec.DefaultConfig())
//	res, err := exec.Run(ctx, plan, runtimeCtx)
//	if err == nil && res.Type == planexec.ResultNeedsReplan {
//		replan(res.Replan)
//	}
package planexec
