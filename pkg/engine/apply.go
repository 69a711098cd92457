package engine

import (
	"context"
	"fmt"

	"github.com/openfroyo/artisync/pkg/artifact"
)

// Target operations, as reported in errors, metrics and spans.
const (
	OpExists   = "exists"
	OpRowCount = "row_count"
	OpCreate   = "create"
	OpAlter    = "alter"
	OpDrop     = "drop"
)

// apply runs the drop phase in reverse order, then the create/alter phase
// in forward order. Per-artifact failures are recorded on the run and the
// remaining artifacts are still processed; only store failures are returned.
func (e *Engine) apply(ctx context.Context, run *Run) error {
	ordered := e.orderedPending(run)
	if len(ordered) == 0 {
		e.logger.Debug().Str("run_id", run.ID).Msg("Nothing to apply")
		return nil
	}

	if run.Degraded {
		e.logger.Warn().
			Str("run_id", run.ID).
			Msg("Cross-artifact ordering not guaranteed for the dependency cycle")
	}

	if err := e.phase(ctx, "drop", func(ctx context.Context) error {
		return e.dropDerived(ctx, run, ordered)
	}); err != nil {
		return err
	}

	return e.phase(ctx, "apply", func(ctx context.Context) error {
		e.logger.Info().Str("run_id", run.ID).Int("count", len(ordered)).Msg("Apply phase")
		for _, it := range ordered {
			if it.skip {
				continue
			}
			if err := e.applyOne(ctx, run, it); err != nil {
				return err
			}
		}
		return nil
	})
}

// orderedPending returns the pending items in resolved order.
func (e *Engine) orderedPending(run *Run) []*item {
	var out []*item
	for _, name := range run.Order {
		if it, ok := run.byName[name]; ok && it.changes() {
			out = append(out, it)
		}
	}
	return out
}

// dropDerived drops every new, modified or refreshed derived artifact,
// dependents first, so that the objects they depend on can be recreated. A renamed
// derived artifact also loses the object under its previous name.
func (e *Engine) dropDerived(ctx context.Context, run *Run, ordered []*item) error {
	dropped := 0
	for i := len(ordered) - 1; i >= 0; i-- {
		it := ordered[i]
		if it.def.Kind.Role() != artifact.RoleDerived {
			continue
		}

		refs := []artifact.Ref{it.def.Ref()}
		if it.previous != nil && it.previous.Name != it.def.Name {
			refs = append(refs, it.previous.Ref())
		}

		target := e.targets[it.def.Kind]
		for _, ref := range refs {
			err := e.call(ctx, ref.Kind, OpDrop, ref.Name, func(ctx context.Context) error {
				return target.Drop(ctx, ref)
			})
			if err != nil {
				if ferr := e.fail(ctx, run, it, artifact.NewApplyError(it.def.Ref(), OpDrop, err)); ferr != nil {
					return ferr
				}
				break
			}
			dropped++
		}
	}

	e.logger.Info().Str("run_id", run.ID).Int("dropped", dropped).Msg("Drop phase")
	return nil
}

// applyOne creates or alters one artifact and persists its state once the
// target accepted it.
func (e *Engine) applyOne(ctx context.Context, run *Run, it *item) error {
	def := it.def

	from, working := artifact.StatusUnsynced, artifact.StatusSynchronizing
	if it.class != artifact.ClassNew {
		from, working = artifact.StatusSynchronized, artifact.StatusResynchronizing
	}
	e.transition(run, def.Location, from, working)

	op, err := e.applyTarget(ctx, def)
	if err != nil {
		return e.fail(ctx, run, it, artifact.NewApplyError(def.Ref(), op, err))
	}

	if it.refresh {
		e.transition(run, def.Location, working, artifact.StatusSynchronized)
		run.Counts[CountRefreshed]++
		e.logger.Info().
			Str("run_id", run.ID).
			Str("location", def.Location).
			Str("name", def.Name).
			Msg("Dependent artifact recreated")
		return nil
	}

	state := artifact.StateFor(def, e.now())
	if it.class == artifact.ClassNew {
		err = e.store.Insert(ctx, state)
	} else {
		err = e.store.Update(ctx, state)
	}
	if err != nil {
		return fmt.Errorf("failed to persist state of %s: %w", def.Location, err)
	}

	e.transition(run, def.Location, working, artifact.StatusSynchronized)
	run.Counts[CountApplied]++

	if it.previous != nil && it.previous.Name != def.Name && def.Kind.Role() == artifact.RoleBase {
		e.logger.Warn().
			Str("run_id", run.ID).
			Str("location", def.Location).
			Str("previous_name", it.previous.Name).
			Msg("Artifact renamed, object under the previous name left in place")
	}

	e.logger.Info().
		Str("run_id", run.ID).
		Str("location", def.Location).
		Str("name", def.Name).
		Str("kind", string(def.Kind)).
		Str("operation", op).
		Msg("Artifact synchronized")

	return nil
}

// applyTarget performs the target calls for one definition and returns the
// last operation attempted.
//
// Derived artifacts were dropped in the drop phase and are simply created.
// A base artifact is created when absent, recreated when present but empty,
// and altered when it holds data or its target cannot count rows.
func (e *Engine) applyTarget(ctx context.Context, def *artifact.Definition) (string, error) {
	target := e.targets[def.Kind]
	ref := def.Ref()
	kind := def.Kind

	create := func() (string, error) {
		return OpCreate, e.call(ctx, kind, OpCreate, ref.Name, func(ctx context.Context) error {
			return target.Create(ctx, def)
		})
	}
	alter := func() (string, error) {
		return OpAlter, e.call(ctx, kind, OpAlter, ref.Name, func(ctx context.Context) error {
			return target.Alter(ctx, def)
		})
	}

	if kind.Role() == artifact.RoleDerived {
		return create()
	}

	var exists bool
	err := e.call(ctx, kind, OpExists, ref.Name, func(ctx context.Context) error {
		var err error
		exists, err = target.Exists(ctx, ref)
		return err
	})
	if err != nil {
		return OpExists, err
	}
	if !exists {
		return create()
	}

	counter, ok := target.(RowCounter)
	if !ok {
		return alter()
	}

	var rows int64
	err = e.call(ctx, kind, OpRowCount, ref.Name, func(ctx context.Context) error {
		var err error
		rows, err = counter.RowCount(ctx, ref)
		return err
	})
	if err != nil {
		return OpRowCount, err
	}
	if rows > 0 {
		return alter()
	}

	err = e.call(ctx, kind, OpDrop, ref.Name, func(ctx context.Context) error {
		return target.Drop(ctx, ref)
	})
	if err != nil {
		return OpDrop, err
	}
	return create()
}

// call runs one target operation inside a span and records its outcome.
func (e *Engine) call(ctx context.Context, kind artifact.Kind, op, name string, fn func(context.Context) error) error {
	return e.tel.RecordTargetOperation(ctx, string(kind), op, name, fn)
}

// transition moves an artifact between statuses and reports the change.
func (e *Engine) transition(run *Run, location string, from, to artifact.Status) {
	if err := run.Statuses.Transition(location, from, to); err != nil {
		e.logger.Error().Err(err).Str("run_id", run.ID).Msg("Invalid status transition")
		return
	}
	_ = e.tel.Events.PublishStateChanged(run.ID, location, string(from), string(to))

	e.logger.Debug().
		Str("run_id", run.ID).
		Str("location", location).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Status changed")
}

// fail records a per-artifact failure. The artifact keeps its previous
// state and is retried on the next cycle. A refreshed artifact may already
// be gone from its target while its state still matches the definition, so
// its stored hash is cleared to have the next cycle see it as modified.
// Only store failures are returned.
func (e *Engine) fail(ctx context.Context, run *Run, it *item, err *artifact.Error) error {
	it.skip = true
	e.failLocation(run, it.def.Location, err)

	if !it.refresh || it.previous == nil {
		return nil
	}
	stale := *it.previous
	stale.ContentHash = ""
	if uerr := e.store.Update(ctx, &stale); uerr != nil {
		return fmt.Errorf("failed to invalidate state of %s: %w", it.def.Location, uerr)
	}
	e.logger.Warn().
		Str("run_id", run.ID).
		Str("location", it.def.Location).
		Msg("Refresh failed, artifact marked for resynchronization")
	return nil
}

func (e *Engine) failLocation(run *Run, location string, err *artifact.Error) {
	run.addError(err)
	run.Counts[CountFailed]++
	if serr := run.Statuses.Fail(location); serr != nil {
		e.logger.Debug().Err(serr).Str("location", location).Msg("Status not tracked")
	}
	e.tel.Metrics.RecordError(err.Code)
	_ = e.tel.Events.PublishArtifactFailed(run.ID, location, err.Code, err.Error())

	e.logger.Error().
		Str("run_id", run.ID).
		Str("location", location).
		Str("code", err.Code).
		Str("operation", err.Operation).
		Err(err.Err).
		Msg("Artifact synchronization failed")
}
