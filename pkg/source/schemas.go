package source

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/openfroyo/artisync/pkg/artifact"
)

// SchemaRegistry holds one CUE schema per artifact kind. Definitions are
// unified with the schema of their kind after decoding.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[artifact.Kind]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in schemas.
func NewSchemaRegistry() (*SchemaRegistry, error) {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[artifact.Kind]cue.Value),
	}

	for kind, schema := range builtinSchemas {
		if err := sr.RegisterSchema(kind, schema); err != nil {
			return nil, err
		}
	}
	return sr, nil
}

// RegisterSchema compiles and registers the schema for a kind, replacing any
// previous one.
func (sr *SchemaRegistry) RegisterSchema(kind artifact.Kind, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", kind, err)
	}

	sr.schemas[kind] = val
	return nil
}

// Validate unifies data with the schema of kind and requires a concrete result.
// Kinds without a schema always validate.
func (sr *SchemaRegistry) Validate(kind artifact.Kind, data any) error {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	schema, ok := sr.schemas[kind]
	if !ok {
		return nil
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode definition: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

const identifier = `=~"^[A-Za-z_][A-Za-z0-9_]*$"`

var builtinSchemas = map[artifact.Kind]string{
	artifact.KindTable: `
name: string & ` + identifier + `
columns: [_, ...{
	name: string & ` + identifier + `
	type: "INTEGER" | "TEXT" | "REAL" | "BLOB" | "NUMERIC" | "BOOLEAN" | "TIMESTAMP" | "DATE"
	primaryKey?: bool
	notNull?: bool
	unique?: bool
	default?: string
}]
foreignKeys?: [...{
	columns: [_, ...string]
	references: {
		table: string & ` + identifier + `
		columns: [_, ...string]
	}
	onDelete?: "CASCADE" | "SET NULL" | "RESTRICT" | "NO ACTION"
}]
`,
	artifact.KindView: `
name: string & ` + identifier + `
query: string & =~"(?i)^\\s*select\\s"
from: [_, ...string]
`,
	artifact.KindListener: `
name: string
destination: string & !=""
type: "queue" | "topic"
handler: string & !=""
dependsOn?: [...string]
`,
	artifact.KindOData: `
name: string
namespace: string & =~"^[A-Za-z][A-Za-z0-9.]*$"
entities: [_, ...{
	name: string
	table: string
	keys?: [...string]
}]
`,
	artifact.KindExtensionPoint: `
name: string & !=""
description?: string
dependsOn?: [...string]
`,
	artifact.KindExtension: `
name: string & !=""
extensionPoint: string & !=""
module: string & !=""
order?: int & >=0
`,
	artifact.KindJob: `
name: string & !=""
expression: string & =~"^(@(hourly|daily|weekly|monthly|yearly)|(\\S+\\s+){4}\\S+)$"
handler: string & !=""
enabled?: bool
dependsOn?: [...string]
`,
}
