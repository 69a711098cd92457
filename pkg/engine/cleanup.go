package engine

import (
	"context"
	"fmt"

	"github.com/openfroyo/artisync/pkg/artifact"
	"github.com/openfroyo/artisync/pkg/graph"
)

// cleanup removes artifacts whose definitions disappeared from every
// source. A location is only removed when the cycle neither synchronized
// nor saw it, and the sources confirm once more that nothing declares it,
// so a file restored between scan and cleanup survives. Orphans are dropped
// before the orphans they depended on when they were applied.
func (e *Engine) cleanup(ctx context.Context, run *Run) error {
	managed := make(map[artifact.Kind]int, len(e.group.Kinds))
	var orphans []*artifact.State
	for _, kind := range artifact.SortByRole(e.group.Kinds) {
		states, err := e.store.FindAll(ctx, kind)
		if err != nil {
			return fmt.Errorf("failed to list %s states: %w", kind, err)
		}

		managed[kind] = len(states)
		for _, state := range states {
			if e.orphaned(ctx, run, state) {
				orphans = append(orphans, state)
			}
		}
	}

	for _, state := range dropOrder(orphans) {
		if run.DryRun {
			run.Removed = append(run.Removed, state.Location)
			continue
		}

		removed, err := e.remove(ctx, run, state)
		if err != nil {
			return err
		}
		if removed {
			managed[state.Kind]--
		}
	}

	if !run.DryRun {
		for _, kind := range e.group.Kinds {
			e.tel.Metrics.SetManagedArtifacts(string(kind), float64(managed[kind]))
		}
	}

	e.logger.Info().
		Str("run_id", run.ID).
		Int("removed", len(run.Removed)).
		Bool("dry_run", run.DryRun).
		Msg("Cleanup phase")

	return nil
}

// dropOrder returns orphans in reverse dependency order. Orphans arrive
// derived kinds first, by location; independent orphans keep that order.
func dropOrder(orphans []*artifact.State) []*artifact.State {
	byName := make(map[string]*artifact.State, len(orphans))
	defs := make([]*artifact.Definition, 0, len(orphans))
	var shadowed []*artifact.State
	for i := len(orphans) - 1; i >= 0; i-- {
		state := orphans[i]
		if _, dup := byName[state.Name]; dup {
			shadowed = append(shadowed, state)
			continue
		}
		byName[state.Name] = state
		defs = append(defs, &artifact.Definition{
			Location:       state.Location,
			Name:           state.Name,
			Kind:           state.Kind,
			DependencyRefs: state.Dependencies,
		})
	}

	res, _ := graph.ResolveOrder(graph.Build(defs))

	ordered := make([]*artifact.State, 0, len(orphans))
	for i := len(res.Order) - 1; i >= 0; i-- {
		ordered = append(ordered, byName[res.Order[i]])
	}
	for i := len(shadowed) - 1; i >= 0; i-- {
		ordered = append(ordered, shadowed[i])
	}
	return ordered
}

func (e *Engine) orphaned(ctx context.Context, run *Run, state *artifact.State) bool {
	if run.Synchronized[state.Location] || run.Declared[state.Location] {
		return false
	}
	return !e.sources.Declares(ctx, state.Location)
}

// remove drops an orphaned artifact from its target and deletes its state.
// A failed drop keeps the state so the drop is retried on the next cycle.
func (e *Engine) remove(ctx context.Context, run *Run, state *artifact.State) (bool, error) {
	ref := state.Ref()
	run.Statuses.Set(state.Location, artifact.StatusSynchronized)

	target, ok := e.targets[state.Kind]
	if !ok {
		return false, fmt.Errorf("no target for kind %s", state.Kind)
	}

	err := e.call(ctx, state.Kind, OpDrop, ref.Name, func(ctx context.Context) error {
		return target.Drop(ctx, ref)
	})
	if err != nil {
		e.failLocation(run, state.Location, artifact.NewApplyError(ref, OpDrop, err))
		return false, nil
	}

	if err := e.store.Delete(ctx, state.Location); err != nil {
		return false, fmt.Errorf("failed to delete state of %s: %w", state.Location, err)
	}

	e.transition(run, state.Location, artifact.StatusSynchronized, artifact.StatusDeleted)
	run.Removed = append(run.Removed, state.Location)
	run.Counts[CountDeleted]++

	e.logger.Info().
		Str("run_id", run.ID).
		Str("location", state.Location).
		Str("name", state.Name).
		Str("kind", string(state.Kind)).
		Msg("Orphaned artifact removed")

	return true, nil
}
