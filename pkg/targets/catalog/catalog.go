package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/artisync/pkg/artifact"
	"github.com/openfroyo/artisync/pkg/source"
)

// Entry is an artifact installed in the catalog.
type Entry struct {
	Kind     artifact.Kind `json:"kind"`
	Name     string        `json:"name"`
	Location string        `json:"location"`
	Spec     source.Spec   `json:"spec"`

	// Active is false for entries that are installed but must not run,
	// such as disabled jobs.
	Active bool `json:"active"`

	// Revision starts at 1 and grows with every alter.
	Revision    int       `json:"revision"`
	InstalledAt time.Time `json:"installed_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Hook is called when an entry is activated or deactivated. An error from
// an activation hook fails the operation and leaves the catalog unchanged.
// Hooks run with the catalog locked and must not call back into it.
type Hook func(ctx context.Context, entry Entry) error

// Hooks are the lifecycle callbacks of one kind.
type Hooks struct {
	Activate   Hook
	Deactivate Hook
}

type key struct {
	kind artifact.Kind
	name string
}

// Catalog is an in-process target for listeners, OData services, extension
// points, extensions and jobs.
type Catalog struct {
	// mu protects entries and hooks.
	mu sync.RWMutex

	// entries maps kind and name to the installed entry.
	entries map[key]*Entry

	// hooks maps a kind to its lifecycle callbacks.
	hooks map[artifact.Kind]Hooks

	logger zerolog.Logger
	now    func() time.Time
}

// New creates an empty catalog.
func New(logger zerolog.Logger) *Catalog {
	return &Catalog{
		entries: make(map[key]*Entry),
		hooks:   make(map[artifact.Kind]Hooks),
		logger:  logger.With().Str("component", "catalog-target").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// OnKind sets the lifecycle callbacks of a kind.
func (c *Catalog) OnKind(kind artifact.Kind, hooks Hooks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks[kind] = hooks
}

// Exists reports whether the artifact is installed.
func (c *Catalog) Exists(_ context.Context, ref artifact.Ref) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, ok := c.entries[key{ref.Kind, ref.Name}]
	return ok, nil
}

// Create installs and activates an artifact.
func (c *Catalog) Create(ctx context.Context, def *artifact.Definition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{def.Kind, def.Name}
	if _, ok := c.entries[k]; ok {
		return fmt.Errorf("%s %s is already installed", def.Kind, def.Name)
	}
	if err := c.checkReferences(def); err != nil {
		return err
	}

	spec, _ := def.Spec.(source.Spec)
	now := c.now()
	entry := Entry{
		Kind:        def.Kind,
		Name:        def.Name,
		Location:    def.Location,
		Spec:        spec,
		Active:      isActive(spec),
		Revision:    1,
		InstalledAt: now,
		UpdatedAt:   now,
	}
	if err := c.activate(ctx, entry); err != nil {
		return err
	}

	c.entries[k] = &entry
	c.logger.Info().
		Str("kind", string(def.Kind)).
		Str("name", def.Name).
		Bool("active", entry.Active).
		Msg("Catalog entry installed")
	return nil
}

// Alter replaces the definition of an installed artifact and activates it
// again.
func (c *Catalog) Alter(ctx context.Context, def *artifact.Definition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{def.Kind, def.Name}
	current, ok := c.entries[k]
	if !ok {
		return fmt.Errorf("%s %s is not installed", def.Kind, def.Name)
	}
	if err := c.checkReferences(def); err != nil {
		return err
	}

	if err := c.deactivate(ctx, *current); err != nil {
		return err
	}

	spec, _ := def.Spec.(source.Spec)
	entry := *current
	entry.Location = def.Location
	entry.Spec = spec
	entry.Active = isActive(spec)
	entry.Revision++
	entry.UpdatedAt = c.now()
	if err := c.activate(ctx, entry); err != nil {
		return err
	}

	c.entries[k] = &entry
	c.logger.Info().
		Str("kind", string(def.Kind)).
		Str("name", def.Name).
		Int("revision", entry.Revision).
		Msg("Catalog entry updated")
	return nil
}

// Drop deactivates and removes an artifact. Dropping an absent artifact is
// not an error.
func (c *Catalog) Drop(ctx context.Context, ref artifact.Ref) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{ref.Kind, ref.Name}
	current, ok := c.entries[k]
	if !ok {
		return nil
	}
	if err := c.deactivate(ctx, *current); err != nil {
		return err
	}

	delete(c.entries, k)
	c.logger.Info().
		Str("kind", string(ref.Kind)).
		Str("name", ref.Name).
		Msg("Catalog entry removed")
	return nil
}

// Get returns an installed entry.
func (c *Catalog) Get(kind artifact.Kind, name string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key{kind, name}]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// List returns the entries of a kind sorted by name.
func (c *Catalog) List(kind artifact.Kind) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Entry
	for k, entry := range c.entries {
		if k.kind == kind {
			out = append(out, *entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Extensions returns the extensions plugged into an extension point,
// ordered by their declared order and then by name.
func (c *Catalog) Extensions(point string) []Entry {
	var out []Entry
	for _, entry := range c.List(artifact.KindExtension) {
		if spec, ok := entry.Spec.(*source.ExtensionSpec); ok && spec.ExtensionPoint == point {
			out = append(out, entry)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Spec.(*source.ExtensionSpec).Order < out[j].Spec.(*source.ExtensionSpec).Order
	})
	return out
}

// checkReferences rejects an extension whose extension point is not
// installed. Callers hold mu.
func (c *Catalog) checkReferences(def *artifact.Definition) error {
	spec, ok := def.Spec.(*source.ExtensionSpec)
	if !ok {
		return nil
	}
	if _, installed := c.entries[key{artifact.KindExtensionPoint, spec.ExtensionPoint}]; !installed {
		return fmt.Errorf("extension %s: extension point %s is not installed", def.Name, spec.ExtensionPoint)
	}
	return nil
}

func (c *Catalog) activate(ctx context.Context, entry Entry) error {
	hook := c.hooks[entry.Kind].Activate
	if hook == nil || !entry.Active {
		return nil
	}
	if err := hook(ctx, entry); err != nil {
		return fmt.Errorf("failed to activate %s %s: %w", entry.Kind, entry.Name, err)
	}
	return nil
}

func (c *Catalog) deactivate(ctx context.Context, entry Entry) error {
	hook := c.hooks[entry.Kind].Deactivate
	if hook == nil || !entry.Active {
		return nil
	}
	if err := hook(ctx, entry); err != nil {
		return fmt.Errorf("failed to deactivate %s %s: %w", entry.Kind, entry.Name, err)
	}
	return nil
}

func isActive(spec source.Spec) bool {
	if job, ok := spec.(*source.JobSpec); ok {
		return job.IsEnabled()
	}
	return true
}
