package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/artisync/pkg/artifact"
	"github.com/openfroyo/artisync/pkg/source"
)

// loadSources classifies the predelivered entries, then the registry
// entries, so that bundled definitions win naming conflicts.
func (e *Engine) loadSources(ctx context.Context, run *Run) error {
	predelivered := e.sources.Predelivered(e.group.Kinds)
	for _, entry := range predelivered {
		if err := e.classify(ctx, run, entry); err != nil {
			return err
		}
	}

	registry, err := e.sources.ScanRegistry(ctx, e.group.Kinds)
	if err != nil {
		return fmt.Errorf("failed to scan registry: %w", err)
	}
	for _, entry := range registry {
		if err := e.classify(ctx, run, entry); err != nil {
			return err
		}
	}

	e.logger.Info().
		Str("run_id", run.ID).
		Int("predelivered", len(predelivered)).
		Int("registry", len(registry)).
		Int("new", run.Counts[string(artifact.ClassNew)]).
		Int("modified", run.Counts[string(artifact.ClassModified)]).
		Int("unchanged", run.Counts[string(artifact.ClassUnchanged)]).
		Msg("Sources loaded")

	return nil
}

// classify compares one declared entry with its persisted state. Only store
// failures are returned; everything else is recorded on the run.
func (e *Engine) classify(ctx context.Context, run *Run, entry source.Entry) error {
	run.Declared[entry.Location] = true

	if entry.Err != nil || entry.Def == nil {
		e.recordParseError(run, entry)
		return nil
	}
	def := entry.Def

	if owner, ok := run.claim(def.Name, def.Location); !ok {
		e.recordConflict(run, def, owner)
		return nil
	}

	state, found, err := e.store.Find(ctx, def.Location)
	if err != nil {
		return fmt.Errorf("failed to load state of %s: %w", def.Location, err)
	}

	if !found || state.Name != def.Name {
		owner, claimed, err := e.store.FindByName(ctx, e.group.Kinds, def.Name)
		if err != nil {
			return fmt.Errorf("failed to look up name %s: %w", def.Name, err)
		}
		if claimed && owner.Location != def.Location {
			delete(run.claims, def.Name)
			e.recordConflict(run, def, owner.Location)
			return nil
		}
	}

	it := &item{def: def, previous: state}
	switch {
	case !found:
		it.class = artifact.ClassNew
	case state.ContentHash != def.ContentHash || state.Name != def.Name:
		it.class = artifact.ClassModified
	default:
		it.class = artifact.ClassUnchanged
	}

	run.track(it)
	run.Statuses.Set(def.Location, artifact.InitialStatus(found))
	e.tel.Metrics.RecordClassification(string(def.Kind), string(it.class))

	e.logger.Debug().
		Str("run_id", run.ID).
		Str("location", def.Location).
		Str("name", def.Name).
		Str("kind", string(def.Kind)).
		Str("classification", string(it.class)).
		Msg("Definition classified")

	return nil
}

func (e *Engine) recordParseError(run *Run, entry source.Entry) {
	var perr *artifact.Error
	if !errors.As(entry.Err, &perr) {
		perr = artifact.NewParseError(entry.Location, entry.Err).WithArtifact(entry.Kind, "", entry.Location)
	}
	run.addError(perr)
	run.Counts[CountParseErrors]++
	e.tel.Metrics.RecordError(perr.Code)

	e.logger.Warn().
		Str("run_id", run.ID).
		Str("location", entry.Location).
		Err(entry.Err).
		Msg("Skipping definition that failed to parse")
}

func (e *Engine) recordConflict(run *Run, def *artifact.Definition, owner string) {
	cerr := artifact.NewNamingConflictError(def, owner)
	run.addError(cerr)
	run.Counts[string(artifact.ClassConflict)]++
	e.tel.Metrics.RecordClassification(string(def.Kind), string(artifact.ClassConflict))
	e.tel.Metrics.RecordError(cerr.Code)

	e.logger.Warn().
		Str("run_id", run.ID).
		Str("location", def.Location).
		Str("name", def.Name).
		Str("owner", owner).
		Msg("Naming conflict, definition skipped")
}
