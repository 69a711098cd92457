package engine

import (
	"context"
	"errors"

	"github.com/openfroyo/artisync/pkg/artifact"
	"github.com/openfroyo/artisync/pkg/policy"
)

// admit evaluates the admission policies for every pending definition and
// skips the rejected ones. Rejected artifacts keep their previous state and
// are evaluated again on the next cycle.
func (e *Engine) admit(ctx context.Context, run *Run) {
	if e.policies == nil {
		return
	}

	pctx := policy.Context{
		Group:     e.group.Name,
		RunID:     run.ID,
		DryRun:    run.DryRun,
		Timestamp: e.now(),
	}

	for _, it := range run.pending() {
		result, err := e.policies.Evaluate(ctx, it.def, it.class, pctx)
		if err != nil {
			e.reject(run, it, artifact.NewPolicyViolationError(it.def, "policy evaluation failed: "+err.Error()))
			continue
		}

		for _, v := range result.Violations {
			if !run.DryRun {
				_ = e.tel.Events.PublishPolicyViolation(run.ID, it.def.Location, v.Policy, v.Message)
			}
			if v.Severity.Blocks() {
				continue
			}
			e.logger.Warn().
				Str("run_id", run.ID).
				Str("location", it.def.Location).
				Str("policy", v.Policy).
				Str("severity", string(v.Severity)).
				Msg(v.Message)
		}

		if rejection := result.Rejection(it.def); rejection != nil {
			var perr *artifact.Error
			if !errors.As(rejection, &perr) {
				perr = artifact.NewPolicyViolationError(it.def, rejection.Error())
			}
			e.reject(run, it, perr)
		}
	}
}

func (e *Engine) reject(run *Run, it *item, err *artifact.Error) {
	it.skip = true
	run.addError(err)
	run.Counts[CountRejected]++
	_ = run.Statuses.Fail(it.def.Location)
	e.tel.Metrics.RecordError(err.Code)

	e.logger.Warn().
		Str("run_id", run.ID).
		Str("location", it.def.Location).
		Err(err).
		Msg("Definition rejected by policy")
}
