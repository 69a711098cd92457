package policy

import (
	"time"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		artifactNamingPolicy(),
		viewSourcesPolicy(),
		tablePrimaryKeyPolicy(),
		disabledJobsPolicy(),
	}
}

func builtin(p Policy) Policy {
	now := time.Now()
	p.Enabled = true
	p.Builtin = true
	p.CreatedAt = now
	p.UpdatedAt = now
	return p
}

// artifactNamingPolicy enforces artifact naming conventions. Names become
// database identifiers and catalog keys, so they must be lowercase and fit
// the identifier limit of the common SQL dialects.
func artifactNamingPolicy() Policy {
	return builtin(Policy{
		Name:        "artifact-naming",
		Description: "Artifact names must be lowercase and at most 63 characters",
		Severity:    SeverityError,
		Tags:        []string{"naming", "conventions"},
		Rego: `package artisync.policies.naming

import rego.v1

deny contains violation if {
	name := input.definition.name
	lower(name) != name
	violation := {
		"message": sprintf("artifact name '%s' must be lowercase", [name]),
		"severity": "error",
	}
}

deny contains violation if {
	name := input.definition.name
	count(name) > 63
	violation := {
		"message": sprintf("artifact name '%s' must be at most 63 characters long", [name]),
		"severity": "error",
	}
}

deny contains violation if {
	name := input.definition.name
	startswith(name, "sqlite_")
	violation := {
		"message": sprintf("artifact name '%s' uses the reserved sqlite_ prefix", [name]),
		"severity": "critical",
	}
}
`,
	})
}

// viewSourcesPolicy warns about views that list a source they never query.
func viewSourcesPolicy() Policy {
	return builtin(Policy{
		Name:        "view-sources",
		Description: "Every entry in a view's from list should appear in its query",
		Severity:    SeverityWarning,
		Kinds:       []string{"view"},
		Tags:        []string{"views", "dependencies"},
		Rego: `package artisync.policies.views

import rego.v1

deny contains violation if {
	input.definition.kind == "view"
	query := lower(input.definition.spec.query)
	some source in input.definition.spec.from
	not contains(query, lower(source))
	violation := {
		"message": sprintf("view '%s' lists '%s' in from but does not query it", [input.definition.name, source]),
		"severity": "warning",
	}
}
`,
	})
}

// tablePrimaryKeyPolicy warns about tables without a primary key.
func tablePrimaryKeyPolicy() Policy {
	return builtin(Policy{
		Name:        "table-primary-key",
		Description: "Tables should declare a primary key column",
		Severity:    SeverityWarning,
		Kinds:       []string{"table"},
		Tags:        []string{"tables", "conventions"},
		Rego: `package artisync.policies.tables

import rego.v1

has_primary_key if {
	some column in input.definition.spec.columns
	column.primaryKey == true
}

deny contains violation if {
	input.definition.kind == "table"
	not has_primary_key
	violation := {
		"message": sprintf("table '%s' declares no primary key", [input.definition.name]),
		"severity": "warning",
	}
}
`,
	})
}

// disabledJobsPolicy reports jobs that are synchronized but switched off.
func disabledJobsPolicy() Policy {
	return builtin(Policy{
		Name:        "disabled-jobs",
		Description: "Reports job definitions that are disabled",
		Severity:    SeverityInfo,
		Kinds:       []string{"job"},
		Tags:        []string{"jobs"},
		Rego: `package artisync.policies.jobs

import rego.v1

deny contains violation if {
	input.definition.kind == "job"
	input.definition.spec.enabled == false
	violation := {
		"message": sprintf("job '%s' is disabled and will not be scheduled", [input.definition.name]),
		"severity": "info",
	}
}
`,
	})
}
