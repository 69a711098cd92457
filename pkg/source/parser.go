package source

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/artisync/pkg/artifact"
)

// Parser turns raw definition documents into typed definitions. Documents
// are YAML; each kind decodes into its own spec type, which is then checked
// for required fields and against the kind's CUE schema.
type Parser struct {
	validator *validator.Validate
	schemas   *SchemaRegistry
}

// NewParser creates a parser with the built-in schemas.
func NewParser() (*Parser, error) {
	schemas, err := NewSchemaRegistry()
	if err != nil {
		return nil, err
	}
	return &Parser{
		validator: validator.New(),
		schemas:   schemas,
	}, nil
}

// Schemas returns the schema registry, for registering custom schemas.
func (p *Parser) Schemas() *SchemaRegistry {
	return p.schemas
}

// Parse decodes content declared at location as a definition of kind. Any
// failure is returned as an artifact parse error.
func (p *Parser) Parse(location string, kind artifact.Kind, origin artifact.Origin, content []byte) (*artifact.Definition, error) {
	spec, err := p.decode(kind, content)
	if err != nil {
		return nil, artifact.NewParseError(location, err).WithArtifact(kind, "", location)
	}

	hash, err := artifact.HashDefinition(kind, spec)
	if err != nil {
		return nil, artifact.NewParseError(location, err).WithArtifact(kind, spec.ArtifactName(), location)
	}

	return &artifact.Definition{
		Location:       location,
		Name:           spec.ArtifactName(),
		Kind:           kind,
		Origin:         origin,
		Content:        content,
		ContentHash:    hash,
		DependencyRefs: compact(spec.Dependencies()),
		Spec:           spec,
	}, nil
}

func (p *Parser) decode(kind artifact.Kind, content []byte) (Spec, error) {
	spec, err := newSpec(kind)
	if err != nil {
		return nil, err
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(spec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty definition")
		}
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if err := p.validator.Struct(spec); err != nil {
		return nil, fmt.Errorf("missing or invalid field: %w", err)
	}

	if err := p.schemas.Validate(kind, spec); err != nil {
		return nil, err
	}

	return spec, nil
}

// compact drops empty and repeated names, keeping first occurrences.
func compact(names []string) []string {
	if len(names) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
