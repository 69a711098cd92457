package commands

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/openfroyo/artisync/pkg/artifact"
	"github.com/openfroyo/artisync/pkg/config"
	"github.com/openfroyo/artisync/pkg/coordinator"
	"github.com/openfroyo/artisync/pkg/engine"
	"github.com/openfroyo/artisync/pkg/policy"
	"github.com/openfroyo/artisync/pkg/source"
	"github.com/openfroyo/artisync/pkg/source/builtin"
	"github.com/openfroyo/artisync/pkg/stores"
	"github.com/openfroyo/artisync/pkg/targets/catalog"
	"github.com/openfroyo/artisync/pkg/targets/sqlschema"
	"github.com/openfroyo/artisync/pkg/telemetry"
)

// app wires the components every command needs.
type app struct {
	cfg      *config.Config
	tel      *telemetry.Telemetry
	logger   zerolog.Logger
	store    *stores.SQLiteStore
	registry *source.Registry
	policies *policy.Engine
	sql      *sqlschema.Target
	catalog  *catalog.Catalog
	engines  map[string]*engine.Engine
	coord    *coordinator.Coordinator
}

// loadConfig reads the configuration named by --config or ARTISYNC_CONFIG.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv(config.EnvConfigFile)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	if level, err := zerolog.ParseLevel(cfg.Telemetry.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	return cfg, nil
}

// newApp opens the store and the targets and builds one engine per group.
// withMetrics keeps the metrics registry; one-shot commands drop it.
func newApp(ctx context.Context, withMetrics bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !withMetrics {
		cfg.Telemetry.Metrics.Enabled = false
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a := &app{
		cfg:     cfg,
		tel:     tel,
		logger:  tel.Logger.Zerolog(),
		engines: make(map[string]*engine.Engine),
	}

	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	store, err := stores.Open(ctx, stores.Config{Path: a.cfg.Store.Path})
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}
	a.store = store

	parser, err := source.NewParser()
	if err != nil {
		return fmt.Errorf("failed to create parser: %w", err)
	}
	a.registry = source.NewRegistry(parser, a.cfg.Registry.Root, a.logger)
	if a.cfg.Registry.Predelivered {
		if _, err := a.registry.RegisterBundle(builtin.FS, builtin.Root); err != nil {
			return fmt.Errorf("failed to register predelivered definitions: %w", err)
		}
	}

	if a.cfg.Policy.Enabled {
		policies, err := policy.NewEngine(a.logger)
		if err != nil {
			return fmt.Errorf("failed to create policy engine: %w", err)
		}
		if len(a.cfg.Policy.Paths) > 0 {
			if err := policies.LoadPolicies(ctx, a.cfg.Policy.Paths); err != nil {
				return err
			}
		}
		a.policies = policies
	}

	sqlTarget, err := sqlschema.Open(ctx, a.cfg.Target.DSN, a.logger)
	if err != nil {
		return err
	}
	a.sql = sqlTarget
	a.catalog = catalog.New(a.logger)
	a.registerHooks()

	targets := make(map[artifact.Kind]engine.Target)
	for _, kind := range artifact.AllKinds() {
		if kind == artifact.KindTable || kind == artifact.KindView {
			targets[kind] = a.sql
		} else {
			targets[kind] = a.catalog
		}
	}

	var admitter engine.Admitter
	if a.policies != nil {
		admitter = a.policies
	}

	a.coord = coordinator.New(a.logger, a.cfg.Coordinator.MaxParallel)
	for _, g := range a.cfg.Groups {
		kinds, err := g.ArtifactKinds()
		if err != nil {
			return err
		}
		e, err := engine.New(engine.Options{
			Group:     engine.Group{Name: g.Name, Kinds: kinds, Interval: g.Interval},
			Targets:   targets,
			Store:     a.store,
			Sources:   a.registry,
			Runs:      a.store,
			Policies:  admitter,
			Telemetry: a.tel,
			Logger:    a.logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create engine: %w", err)
		}
		if err := a.coord.Register(e); err != nil {
			return err
		}
		a.engines[g.Name] = e
	}

	return nil
}

// registerHooks logs catalog activations. Hosts embedding the engine
// replace these with their broker and scheduler bindings.
func (a *app) registerHooks() {
	for _, kind := range []artifact.Kind{artifact.KindListener, artifact.KindJob} {
		a.catalog.OnKind(kind, catalog.Hooks{
			Activate: func(_ context.Context, e catalog.Entry) error {
				a.logger.Info().Str("kind", string(e.Kind)).Str("name", e.Name).Msg("Activated")
				return nil
			},
			Deactivate: func(_ context.Context, e catalog.Entry) error {
				a.logger.Info().Str("kind", string(e.Kind)).Str("name", e.Name).Msg("Deactivated")
				return nil
			},
		})
	}
}

// engine returns the engine of a group.
func (a *app) engine(group string) (*engine.Engine, error) {
	e, ok := a.engines[group]
	if !ok {
		return nil, fmt.Errorf("%w: %s", coordinator.ErrUnknownGroup, group)
	}
	return e, nil
}

// groups returns the named groups, or every group when names is empty.
func (a *app) groups(names []string) ([]*engine.Engine, error) {
	if len(names) == 0 {
		names = a.coord.Groups()
	}
	out := make([]*engine.Engine, 0, len(names))
	for _, name := range names {
		e, err := a.engine(name)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Close releases everything newApp opened.
func (a *app) Close() {
	ctx := context.Background()
	var errs []error
	if a.tel != nil {
		errs = append(errs, a.tel.Shutdown(ctx))
	}
	if a.sql != nil {
		errs = append(errs, a.sql.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn().Err(err).Msg("Shutdown incomplete")
	}
}
