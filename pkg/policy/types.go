package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is informational only and never blocks synchronization.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged and reported but the artifact proceeds.
	SeverityWarning Severity = "warning"

	// SeverityError rejects the artifact for the current cycle.
	SeverityError Severity = "error"

	// SeverityCritical rejects the artifact for the current cycle.
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Blocks reports whether a violation of this severity rejects an artifact.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents an admission policy written in Rego. A policy module
// contributes violations through a `deny` set in its package.
type Policy struct {
	// Name is the unique identifier for this policy.
	Name string `json:"name"`

	// Description explains what this policy enforces.
	Description string `json:"description"`

	// Rego contains the policy code in Rego language.
	Rego string `json:"rego"`

	// Severity is the default severity of violations that do not set one.
	Severity Severity `json:"severity"`

	// Enabled indicates if this policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the binary.
	Builtin bool `json:"builtin,omitempty"`

	// Kinds restricts the policy to artifacts of these kinds. Empty means all.
	Kinds []string `json:"kinds,omitempty"`

	// Tags categorize the policy.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, if any.
	Source string `json:"source,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// appliesTo reports whether the policy evaluates definitions of kind.
func (p *Policy) appliesTo(kind string) bool {
	if len(p.Kinds) == 0 {
		return true
	}
	for _, k := range p.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Violation represents a single policy violation for one definition.
type Violation struct {
	// Policy is the name of the violated policy.
	Policy string `json:"policy"`

	// Location is the definition location that violated the policy.
	Location string `json:"location,omitempty"`

	// Message describes the violation.
	Message string `json:"message"`

	// Severity indicates how serious the violation is.
	Severity Severity `json:"severity"`
}

// Result contains the outcome of evaluating the policies against one
// definition.
type Result struct {
	// Allowed is false when any violation blocks the definition.
	Allowed bool `json:"allowed"`

	// Violations lists every violation, blocking or not.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists policies that could not be evaluated.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	EvaluatedAt time.Time     `json:"evaluated_at"`
	Duration    time.Duration `json:"duration"`
}

// Blocking returns the violations that reject the definition.
func (r *Result) Blocking() []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Severity.Blocks() {
			out = append(out, v)
		}
	}
	return out
}

// Input is the document policies see as `input`.
type Input struct {
	Definition     DefinitionInput `json:"definition"`
	Classification string          `json:"classification"`
	Context        Context         `json:"context"`
}

// DefinitionInput is the policy view of a parsed definition.
type DefinitionInput struct {
	Location     string         `json:"location"`
	Name         string         `json:"name"`
	Kind         string         `json:"kind"`
	Origin       string         `json:"origin"`
	Dependencies []string       `json:"dependencies"`
	Spec         map[string]any `json:"spec"`
}

// Context carries information about the cycle evaluating a definition.
type Context struct {
	Group     string    `json:"group,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	DryRun    bool      `json:"dry_run"`
	Timestamp time.Time `json:"timestamp"`
}
