package sqlschema

import (
	"fmt"
	"strings"

	"github.com/openfroyo/artisync/pkg/artifact"
	"github.com/openfroyo/artisync/pkg/source"
)

// objectType returns the sqlite_master type of a kind.
func objectType(kind artifact.Kind) (string, error) {
	switch kind {
	case artifact.KindTable:
		return "table", nil
	case artifact.KindView:
		return "view", nil
	default:
		return "", fmt.Errorf("kind %s is not a SQL object", kind)
	}
}

// QuoteIdent quotes an identifier for SQLite.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = QuoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

// CreateStatement renders the CREATE statement of a table or view definition.
func CreateStatement(def *artifact.Definition) (string, error) {
	switch spec := def.Spec.(type) {
	case *source.TableSpec:
		return CreateTableSQL(spec), nil
	case *source.ViewSpec:
		return CreateViewSQL(spec), nil
	default:
		return "", fmt.Errorf("definition %s has no SQL representation", def)
	}
}

// CreateTableSQL renders a table definition. A single primary key column is
// declared inline; composite keys become a table constraint.
func CreateTableSQL(spec *source.TableSpec) string {
	var pk []string
	for _, col := range spec.Columns {
		if col.PrimaryKey {
			pk = append(pk, col.Name)
		}
	}

	lines := make([]string, 0, len(spec.Columns)+len(spec.ForeignKeys)+1)
	for _, col := range spec.Columns {
		var b strings.Builder
		b.WriteString(QuoteIdent(col.Name))
		b.WriteString(" ")
		b.WriteString(col.Type)
		if col.PrimaryKey && len(pk) == 1 {
			b.WriteString(" PRIMARY KEY")
		}
		if col.NotNull {
			b.WriteString(" NOT NULL")
		}
		if col.Unique {
			b.WriteString(" UNIQUE")
		}
		if col.Default != "" {
			fmt.Fprintf(&b, " DEFAULT (%s)", col.Default)
		}
		lines = append(lines, b.String())
	}

	if len(pk) > 1 {
		lines = append(lines, fmt.Sprintf("PRIMARY KEY (%s)", quoteList(pk)))
	}

	for _, fk := range spec.ForeignKeys {
		line := fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s)",
			quoteList(fk.Columns), QuoteIdent(fk.References.Table), quoteList(fk.References.Columns))
		if fk.OnDelete != "" {
			line += " ON DELETE " + fk.OnDelete
		}
		lines = append(lines, line)
	}

	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", QuoteIdent(spec.Name), strings.Join(lines, ",\n  "))
}

// CreateViewSQL renders a view definition.
func CreateViewSQL(spec *source.ViewSpec) string {
	query := strings.TrimRight(strings.TrimSpace(spec.Query), ";")
	return fmt.Sprintf("CREATE VIEW %s AS %s", QuoteIdent(spec.Name), query)
}

// DropStatement renders the DROP statement of an object.
func DropStatement(ref artifact.Ref) (string, error) {
	typ, err := objectType(ref.Kind)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("DROP %s IF EXISTS %s", strings.ToUpper(typ), QuoteIdent(ref.Name)), nil
}
