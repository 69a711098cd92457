package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/artisync/pkg/artifact"
	"github.com/openfroyo/artisync/pkg/graph"
	"github.com/openfroyo/artisync/pkg/stores"
	"github.com/openfroyo/artisync/pkg/telemetry"
)

// Group is a set of artifact kinds synchronized together. Each group has
// its own engine and its cycles never overlap.
type Group struct {
	// Name identifies the group in logs, metrics and run history.
	Name string `json:"name"`

	// Kinds lists the artifact kinds the group owns.
	Kinds []artifact.Kind `json:"kinds"`

	// Interval is the time between scheduled cycles. Zero disables the schedule.
	Interval time.Duration `json:"interval"`
}

// Options configures an Engine.
type Options struct {
	Group Group

	// Targets maps every kind of the group to the target applying it.
	Targets map[artifact.Kind]Target

	Store   StateStore
	Sources Sources

	// Runs persists cycle summaries. Optional.
	Runs RunRecorder

	// Policies admits new and modified definitions. Optional.
	Policies Admitter

	// Telemetry receives metrics, spans and events. Optional.
	Telemetry *telemetry.Telemetry

	Logger zerolog.Logger

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// Engine synchronizes the definitions of one group with their targets.
type Engine struct {
	// mu serializes cycles; a second caller waits for the running cycle.
	mu sync.Mutex

	group    Group
	targets  map[artifact.Kind]Target
	store    StateStore
	sources  Sources
	runs     RunRecorder
	policies Admitter
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates an engine for one group.
func New(opts Options) (*Engine, error) {
	if opts.Group.Name == "" {
		return nil, errors.New("group name is required")
	}
	if len(opts.Group.Kinds) == 0 {
		return nil, fmt.Errorf("group %s has no kinds", opts.Group.Name)
	}
	if opts.Store == nil {
		return nil, errors.New("state store is required")
	}
	if opts.Sources == nil {
		return nil, errors.New("sources are required")
	}
	for _, kind := range opts.Group.Kinds {
		if !kind.Valid() {
			return nil, fmt.Errorf("group %s: unknown kind %q", opts.Group.Name, kind)
		}
		if opts.Targets[kind] == nil {
			return nil, fmt.Errorf("group %s: no target for kind %s", opts.Group.Name, kind)
		}
	}

	tel := opts.Telemetry
	if tel == nil {
		tel = telemetry.Nop()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Engine{
		group:    opts.Group,
		targets:  opts.Targets,
		store:    opts.Store,
		sources:  opts.Sources,
		runs:     opts.Runs,
		policies: opts.Policies,
		tel:      tel,
		logger: opts.Logger.With().
			Str("component", "sync-engine").
			Str("group", opts.Group.Name).
			Logger(),
		now: clock,
	}, nil
}

// Group returns the group the engine synchronizes.
func (e *Engine) Group() Group {
	return e.group
}

// Synchronize runs one cycle: load both sources, classify, admit, resolve
// the order, apply, clean up and record the run. Overlapping calls are
// serialized. The cycle ignores cancellation of ctx once started.
//
// Per-artifact failures are reported in the returned report. The error is
// non-nil only when the cycle aborted, in which case it is a coordinator
// error and the report is still returned.
func (e *Engine) Synchronize(ctx context.Context) (*Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.cycle(context.WithoutCancel(ctx), false)
}

// Plan classifies and orders the current definitions and lists the
// locations cleanup would remove, without calling any target or writing
// any state.
func (e *Engine) Plan(ctx context.Context) (*Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.cycle(context.WithoutCancel(ctx), true)
}

// Graph builds the dependency graph of every valid definition currently
// declared for the group. Naming conflicts within the sources keep the
// first definition.
func (e *Engine) Graph(ctx context.Context) (*graph.Graph, error) {
	entries := e.sources.Predelivered(e.group.Kinds)
	registry, err := e.sources.ScanRegistry(ctx, e.group.Kinds)
	if err != nil {
		return nil, fmt.Errorf("failed to scan registry: %w", err)
	}
	entries = append(entries, registry...)

	defs := make([]*artifact.Definition, 0, len(entries))
	for _, entry := range entries {
		if entry.Def != nil {
			defs = append(defs, entry.Def)
		}
	}
	return graph.Build(defs), nil
}

func (e *Engine) cycle(ctx context.Context, dryRun bool) (report *Report, err error) {
	run := newRun(e.group.Name, e.now(), dryRun)

	ctx, span := e.tel.Tracer.StartCycleSpan(ctx, run.ID, e.group.Name)
	if !dryRun {
		e.tel.Metrics.RecordCycleStarted(e.group.Name)
		_ = e.tel.Events.PublishCycleStarted(run.ID, e.group.Name)
		e.recordRun(ctx, &stores.Run{
			ID:        run.ID,
			Group:     run.Group,
			Status:    stores.RunStatusRunning,
			StartedAt: run.StartedAt,
		})
	}

	e.logger.Info().
		Str("run_id", run.ID).
		Str("trace_id", telemetry.TraceID(ctx)).
		Bool("dry_run", dryRun).
		Msg("Cycle started")

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			e.logger.Error().Str("run_id", run.ID).Str("stack", string(debug.Stack())).Msg("Cycle panicked")
		}
		if err != nil {
			var cerr *artifact.Error
			if !errors.As(err, &cerr) || cerr.Code != artifact.CodeCoordinator {
				cerr = artifact.NewCoordinatorError("synchronization cycle aborted", err)
			}
			err = cerr
			run.fatal = cerr
			run.addError(cerr)
			e.tel.Metrics.RecordError(cerr.Code)
		}
		report = e.finish(ctx, run)
		telemetry.EndSpan(span, err)
	}()

	if err := e.phase(ctx, "load", func(ctx context.Context) error {
		return e.loadSources(ctx, run)
	}); err != nil {
		return nil, err
	}

	e.step(ctx, "admit", func(ctx context.Context) {
		e.admit(ctx, run)
	})

	e.resolveOrder(run)

	if !dryRun {
		if err := e.apply(ctx, run); err != nil {
			return nil, err
		}
	}

	if err := e.phase(ctx, "cleanup", func(ctx context.Context) error {
		return e.cleanup(ctx, run)
	}); err != nil {
		return nil, err
	}

	return nil, nil
}

// resolveOrder sorts the cycle's definitions by dependency. A dependency
// cycle yields a best-effort order and the cycle goes on with a warning.
func (e *Engine) resolveOrder(run *Run) {
	g := graph.Build(run.definitions())
	res, degraded := graph.ResolveOrder(g)
	run.Order = res.Order
	run.External = res.External
	run.Degraded = degraded
	run.Cycle = res.Cycle

	if degraded {
		cycleErr := artifact.NewDependencyCycleError(res.Cycle)
		e.tel.Metrics.RecordError(cycleErr.Code)
		e.logger.Warn().
			Str("run_id", run.ID).
			Str("cycle", graph.FormatCycle(res.Cycle)).
			Err(cycleErr).
			Msg("Dependency cycle detected, using best-effort order")
	}

	markRefresh(run, g)

	e.logger.Info().
		Str("run_id", run.ID).
		Int("artifacts", len(res.Order)).
		Strs("external", res.External).
		Bool("degraded", degraded).
		Msg("Order resolved")
}

// markRefresh flags unchanged derived artifacts that depend, directly or
// through other changing artifacts, on something applied in this cycle.
// Dropping them first lets their dependencies be recreated.
func markRefresh(run *Run, g *graph.Graph) {
	changing := make(map[string]bool)
	for _, name := range run.Order {
		it, ok := run.byName[name]
		if !ok || it.skip {
			continue
		}
		if it.class == artifact.ClassUnchanged && it.def.Kind.Role() == artifact.RoleDerived {
			for _, dep := range g.Dependencies(name) {
				if changing[dep] {
					it.refresh = true
					break
				}
			}
		}
		if it.changes() {
			changing[name] = true
		}
	}
}

// phase runs fn inside a phase span.
func (e *Engine) phase(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := e.tel.Tracer.StartPhaseSpan(ctx, name)
	err := fn(ctx)
	telemetry.EndSpan(span, err)
	return err
}

// step runs fn, which cannot fail, inside a phase span.
func (e *Engine) step(ctx context.Context, name string, fn func(context.Context)) {
	ctx, span := e.tel.Tracer.StartPhaseSpan(ctx, name)
	fn(ctx)
	telemetry.EndSpan(span, nil)
}

// finish builds the report and records the outcome of the cycle.
func (e *Engine) finish(ctx context.Context, run *Run) *Report {
	report := newReport(run, e.now())

	if !run.DryRun {
		e.recordRun(ctx, report.toRun())
		e.tel.Metrics.RecordCycleCompleted(e.group.Name, string(report.Status), report.Duration())
		if run.fatal != nil {
			_ = e.tel.Events.PublishCycleFailed(run.ID, e.group.Name, run.fatal.Error())
		} else {
			_ = e.tel.Events.PublishCycleCompleted(run.ID, e.group.Name, string(report.Status), report.Duration(), report.Counts)
		}
	}

	event := e.logger.Info()
	if run.fatal != nil {
		event = e.logger.Error().Err(run.fatal)
	}
	event.
		Str("run_id", run.ID).
		Str("trace_id", telemetry.TraceID(ctx)).
		Str("status", string(report.Status)).
		Dur("duration", report.Duration()).
		Interface("counts", report.Counts).
		Int("errors", len(report.Errors)).
		Bool("dry_run", run.DryRun).
		Msg("Cycle completed")

	return report
}

func (e *Engine) recordRun(ctx context.Context, run *stores.Run) {
	if e.runs == nil {
		return
	}
	if err := e.runs.RecordRun(ctx, run); err != nil {
		e.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to record run")
	}
}
