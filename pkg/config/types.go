package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/artisync/pkg/artifact"
	"github.com/openfroyo/artisync/pkg/telemetry"
)

// Config is the configuration of the synchronization daemon.
type Config struct {
	Registry    RegistryConfig    `yaml:"registry"`
	Store       StoreConfig       `yaml:"store"`
	Target      TargetConfig      `yaml:"target"`
	Policy      PolicyConfig      `yaml:"policy"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`

	// Groups lists the artifact groups. Every kind belongs to at most one group.
	Groups []GroupConfig `yaml:"groups" validate:"required,min=1,dive"`

	Telemetry *telemetry.Config `yaml:"telemetry" validate:"required"`

	// SourceFile is the file the configuration was loaded from.
	SourceFile string `yaml:"-"`
}

// RegistryConfig configures the definition sources.
type RegistryConfig struct {
	// Root is the directory scanned for registry definitions.
	Root string `yaml:"root" validate:"required"`

	// Predelivered registers the built-in definitions bundled with the binary.
	Predelivered bool `yaml:"predelivered"`
}

// StoreConfig configures the state store.
type StoreConfig struct {
	// Path is the SQLite database file, or ":memory:".
	Path string `yaml:"path" validate:"required"`
}

// TargetConfig configures the SQL target tables and views are applied to.
type TargetConfig struct {
	// DSN is the SQLite database file, or ":memory:".
	DSN string `yaml:"dsn" validate:"required"`
}

// PolicyConfig configures admission policies.
type PolicyConfig struct {
	// Enabled turns admission on. Built-in policies always load when enabled.
	Enabled bool `yaml:"enabled"`

	// Paths lists policy files and directories.
	Paths []string `yaml:"paths,omitempty" validate:"dive,required"`

	// Watch reloads policies when files under Paths change.
	Watch bool `yaml:"watch"`
}

// CoordinatorConfig configures how groups are triggered.
type CoordinatorConfig struct {
	// MaxParallel bounds the groups a forced run synchronizes at once.
	MaxParallel int `yaml:"maxParallel" validate:"gte=0"`
}

// GroupConfig declares one artifact group.
type GroupConfig struct {
	Name string `yaml:"name" validate:"required"`

	// Kinds lists the artifact kinds of the group.
	Kinds []string `yaml:"kinds" validate:"required,min=1,dive,oneof=table view listener odata extensionpoint extension job"`

	// Interval is the time between scheduled cycles. Zero disables the schedule.
	Interval time.Duration `yaml:"interval" validate:"gte=0"`
}

// ArtifactKinds returns the group's kinds as artifact kinds.
func (g GroupConfig) ArtifactKinds() ([]artifact.Kind, error) {
	kinds := make([]artifact.Kind, 0, len(g.Kinds))
	for _, k := range g.Kinds {
		kind, err := artifact.ParseKind(k)
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", g.Name, err)
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}

// Group returns the group with the given name.
func (c *Config) Group(name string) (GroupConfig, bool) {
	for _, g := range c.Groups {
		if g.Name == name {
			return g, true
		}
	}
	return GroupConfig{}, false
}

// ValidationError is one invalid field of a configuration.
type ValidationError struct {
	// File is the configuration file, when known.
	File string `json:"file,omitempty"`

	// Path is the field path, e.g. "groups[1].kinds[0]".
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem found in a configuration.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.Error()
	}
	return fmt.Sprintf("invalid configuration: %s", strings.Join(msgs, "; "))
}
