package source

import (
	"fmt"

	"github.com/openfroyo/artisync/pkg/artifact"
)

// Spec is the typed body of a definition.
type Spec interface {
	// ArtifactName returns the logical name declared by the definition.
	ArtifactName() string

	// Dependencies returns the names the artifact requires to exist first.
	Dependencies() []string
}

// Column describes a table column.
type Column struct {
	Name       string `yaml:"name" json:"name" validate:"required"`
	Type       string `yaml:"type" json:"type" validate:"required"`
	PrimaryKey bool   `yaml:"primaryKey,omitempty" json:"primaryKey,omitempty"`
	NotNull    bool   `yaml:"notNull,omitempty" json:"notNull,omitempty"`
	Unique     bool   `yaml:"unique,omitempty" json:"unique,omitempty"`
	Default    string `yaml:"default,omitempty" json:"default,omitempty"`
}

// ForeignKey references columns of another table.
type ForeignKey struct {
	Columns    []string  `yaml:"columns" json:"columns,omitempty" validate:"required,min=1"`
	References Reference `yaml:"references" json:"references"`
	OnDelete   string    `yaml:"onDelete,omitempty" json:"onDelete,omitempty"`
}

// Reference is the target side of a foreign key.
type Reference struct {
	Table   string   `yaml:"table" json:"table" validate:"required"`
	Columns []string `yaml:"columns" json:"columns,omitempty" validate:"required,min=1"`
}

// TableSpec is the body of a .table definition.
type TableSpec struct {
	Name        string       `yaml:"name" json:"name" validate:"required"`
	Columns     []Column     `yaml:"columns" json:"columns,omitempty" validate:"required,min=1,dive"`
	ForeignKeys []ForeignKey `yaml:"foreignKeys,omitempty" json:"foreignKeys,omitempty" validate:"dive"`
}

func (s *TableSpec) ArtifactName() string { return s.Name }

// Dependencies returns the tables referenced by foreign keys. Self
// references are handled by the graph.
func (s *TableSpec) Dependencies() []string {
	deps := make([]string, 0, len(s.ForeignKeys))
	for _, fk := range s.ForeignKeys {
		deps = append(deps, fk.References.Table)
	}
	return deps
}

// ViewSpec is the body of a .view definition.
type ViewSpec struct {
	Name  string   `yaml:"name" json:"name" validate:"required"`
	Query string   `yaml:"query" json:"query" validate:"required"`
	From  []string `yaml:"from" json:"from,omitempty" validate:"required,min=1,dive,required"`
}

func (s *ViewSpec) ArtifactName() string   { return s.Name }
func (s *ViewSpec) Dependencies() []string { return s.From }

// ListenerSpec is the body of a .listener definition.
type ListenerSpec struct {
	Name        string   `yaml:"name" json:"name" validate:"required"`
	Destination string   `yaml:"destination" json:"destination" validate:"required"`
	Type        string   `yaml:"type" json:"type" validate:"required,oneof=queue topic"`
	Handler     string   `yaml:"handler" json:"handler" validate:"required"`
	DependsOn   []string `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`
}

func (s *ListenerSpec) ArtifactName() string   { return s.Name }
func (s *ListenerSpec) Dependencies() []string { return s.DependsOn }

// ODataEntity exposes a table as an entity set.
type ODataEntity struct {
	Name  string   `yaml:"name" json:"name" validate:"required"`
	Table string   `yaml:"table" json:"table" validate:"required"`
	Keys  []string `yaml:"keys,omitempty" json:"keys,omitempty"`
}

// ODataSpec is the body of a .odata definition.
type ODataSpec struct {
	Name      string        `yaml:"name" json:"name" validate:"required"`
	Namespace string        `yaml:"namespace" json:"namespace" validate:"required"`
	Entities  []ODataEntity `yaml:"entities" json:"entities,omitempty" validate:"required,min=1,dive"`
}

func (s *ODataSpec) ArtifactName() string { return s.Name }

func (s *ODataSpec) Dependencies() []string {
	deps := make([]string, 0, len(s.Entities))
	for _, e := range s.Entities {
		deps = append(deps, e.Table)
	}
	return deps
}

// ExtensionPointSpec is the body of a .extensionpoint definition.
type ExtensionPointSpec struct {
	Name        string   `yaml:"name" json:"name" validate:"required"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	DependsOn   []string `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`
}

func (s *ExtensionPointSpec) ArtifactName() string   { return s.Name }
func (s *ExtensionPointSpec) Dependencies() []string { return s.DependsOn }

// ExtensionSpec is the body of a .extension definition.
type ExtensionSpec struct {
	Name           string `yaml:"name" json:"name" validate:"required"`
	ExtensionPoint string `yaml:"extensionPoint" json:"extensionPoint" validate:"required"`
	Module         string `yaml:"module" json:"module" validate:"required"`
	Order          int    `yaml:"order,omitempty" json:"order,omitempty" validate:"gte=0"`
}

func (s *ExtensionSpec) ArtifactName() string   { return s.Name }
func (s *ExtensionSpec) Dependencies() []string { return []string{s.ExtensionPoint} }

// JobSpec is the body of a .job definition.
type JobSpec struct {
	Name       string   `yaml:"name" json:"name" validate:"required"`
	Expression string   `yaml:"expression" json:"expression" validate:"required"`
	Handler    string   `yaml:"handler" json:"handler" validate:"required"`
	Enabled    *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	DependsOn  []string `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`
}

func (s *JobSpec) ArtifactName() string   { return s.Name }
func (s *JobSpec) Dependencies() []string { return s.DependsOn }

// IsEnabled reports whether the job should be scheduled. Jobs are enabled
// unless they say otherwise.
func (s *JobSpec) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// newSpec returns an empty spec value for a kind.
func newSpec(kind artifact.Kind) (Spec, error) {
	switch kind {
	case artifact.KindTable:
		return &TableSpec{}, nil
	case artifact.KindView:
		return &ViewSpec{}, nil
	case artifact.KindListener:
		return &ListenerSpec{}, nil
	case artifact.KindOData:
		return &ODataSpec{}, nil
	case artifact.KindExtensionPoint:
		return &ExtensionPointSpec{}, nil
	case artifact.KindExtension:
		return &ExtensionSpec{}, nil
	case artifact.KindJob:
		return &JobSpec{}, nil
	default:
		return nil, fmt.Errorf("unsupported artifact kind: %q", kind)
	}
}
