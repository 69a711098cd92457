package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/artisync/pkg/artifact"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func tableDef(name string, primaryKey bool) *artifact.Definition {
	return &artifact.Definition{
		Location: name + ".table",
		Name:     name,
		Kind:     artifact.KindTable,
		Origin:   artifact.OriginRegistry,
		Spec: map[string]any{
			"name": name,
			"columns": []map[string]any{
				{"name": "id", "type": "INTEGER", "primaryKey": primaryKey},
			},
		},
	}
}

func evaluate(t *testing.T, eng *Engine, def *artifact.Definition) *Result {
	t.Helper()
	result, err := eng.Evaluate(context.Background(), def, artifact.ClassNew, Context{Group: "persistence"})
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	return result
}

func violationsOf(result *Result, policy string) []Violation {
	var out []Violation
	for _, v := range result.Violations {
		if v.Policy == policy {
			out = append(out, v)
		}
	}
	return out
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{"artifact-naming", "disabled-jobs", "table-primary-key", "view-sources"}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("Expected policy %d to be %s, got %s", i, name, policies[i].Name)
		}
		if !policies[i].Builtin {
			t.Errorf("Expected %s to be marked builtin", name)
		}
	}
}

func TestEvaluate_NamingPolicy(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name          string
		artifactName  string
		expectAllowed bool
		expectSev     Severity
	}{
		{name: "valid name", artifactName: "orders", expectAllowed: true},
		{name: "uppercase", artifactName: "Orders", expectAllowed: false, expectSev: SeverityError},
		{name: "too long", artifactName: strings.Repeat("x", 64), expectAllowed: false, expectSev: SeverityError},
		{name: "reserved prefix", artifactName: "sqlite_meta", expectAllowed: false, expectSev: SeverityCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := evaluate(t, eng, tableDef(tt.artifactName, true))

			if result.Allowed != tt.expectAllowed {
				t.Errorf("Expected allowed=%v, got %v: %+v", tt.expectAllowed, result.Allowed, result.Violations)
			}

			naming := violationsOf(result, "artifact-naming")
			if tt.expectAllowed {
				if len(naming) != 0 {
					t.Errorf("Expected no naming violations, got %+v", naming)
				}
				return
			}
			if len(naming) != 1 {
				t.Fatalf("Expected 1 naming violation, got %+v", naming)
			}
			if naming[0].Severity != tt.expectSev {
				t.Errorf("Expected severity %s, got %s", tt.expectSev, naming[0].Severity)
			}
			if naming[0].Location != tt.artifactName+".table" {
				t.Errorf("Expected violation location to be set, got %q", naming[0].Location)
			}
		})
	}
}

func TestEvaluate_ViewSources(t *testing.T) {
	eng := newTestEngine(t)

	def := &artifact.Definition{
		Location:       "reports/open_orders.view",
		Name:           "open_orders",
		Kind:           artifact.KindView,
		DependencyRefs: []string{"orders", "customers"},
		Spec: map[string]any{
			"name":  "open_orders",
			"query": "SELECT * FROM orders WHERE open = 1",
			"from":  []string{"orders", "customers"},
		},
	}

	result := evaluate(t, eng, def)

	if !result.Allowed {
		t.Fatalf("Warnings must not reject a definition: %+v", result.Violations)
	}
	views := violationsOf(result, "view-sources")
	if len(views) != 1 {
		t.Fatalf("Expected 1 view-sources violation, got %+v", views)
	}
	if !strings.Contains(views[0].Message, "customers") {
		t.Errorf("Expected violation about customers, got %q", views[0].Message)
	}
	if views[0].Severity != SeverityWarning {
		t.Errorf("Expected warning severity, got %s", views[0].Severity)
	}
}

func TestEvaluate_TablePrimaryKey(t *testing.T) {
	eng := newTestEngine(t)

	withKey := evaluate(t, eng, tableDef("orders", true))
	if got := violationsOf(withKey, "table-primary-key"); len(got) != 0 {
		t.Errorf("Expected no violation with a primary key, got %+v", got)
	}

	withoutKey := evaluate(t, eng, tableDef("audit_log", false))
	if got := violationsOf(withoutKey, "table-primary-key"); len(got) != 1 {
		t.Errorf("Expected 1 violation without a primary key, got %+v", got)
	}
	if !withoutKey.Allowed {
		t.Error("A missing primary key must not reject the table")
	}
}

func TestEvaluate_DisabledJob(t *testing.T) {
	eng := newTestEngine(t)

	def := &artifact.Definition{
		Location: "jobs/cleanup.job",
		Name:     "cleanup",
		Kind:     artifact.KindJob,
		Spec: map[string]any{
			"name":       "cleanup",
			"expression": "@daily",
			"handler":    "jobs.cleanup",
			"enabled":    false,
		},
	}

	result := evaluate(t, eng, def)
	jobs := violationsOf(result, "disabled-jobs")
	if len(jobs) != 1 {
		t.Fatalf("Expected 1 disabled-jobs violation, got %+v", result.Violations)
	}
	if jobs[0].Severity != SeverityInfo {
		t.Errorf("Expected info severity, got %s", jobs[0].Severity)
	}
	if !result.Allowed {
		t.Error("Info violations must not reject")
	}
}

func TestEvaluate_KindFilter(t *testing.T) {
	eng := newTestEngine(t)

	result := evaluate(t, eng, tableDef("orders", true))
	for _, name := range result.EvaluatedPolicies {
		if name == "view-sources" || name == "disabled-jobs" {
			t.Errorf("Policy %s must not be evaluated for tables", name)
		}
	}
	if len(result.EvaluatedPolicies) != 2 {
		t.Errorf("Expected 2 evaluated policies, got %v", result.EvaluatedPolicies)
	}
}

func TestResultRejection(t *testing.T) {
	eng := newTestEngine(t)

	def := tableDef("Orders", true)
	result := evaluate(t, eng, def)

	err := result.Rejection(def)
	if err == nil {
		t.Fatal("Expected a rejection")
	}
	if !artifact.IsPolicyViolation(err) {
		t.Errorf("Expected policy violation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "artifact-naming") {
		t.Errorf("Expected the policy name in %q", err.Error())
	}

	allowed := evaluate(t, eng, tableDef("orders", true))
	if err := allowed.Rejection(def); err != nil {
		t.Errorf("Expected no rejection, got %v", err)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)

	if err := eng.DisablePolicy("artifact-naming"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}
	result := evaluate(t, eng, tableDef("Orders", true))
	if !result.Allowed {
		t.Error("Disabled policy must not reject")
	}

	if err := eng.EnablePolicy("artifact-naming"); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	result = evaluate(t, eng, tableDef("Orders", true))
	if result.Allowed {
		t.Error("Re-enabled policy must reject")
	}

	if err := eng.DisablePolicy("no-such-policy"); err == nil {
		t.Error("Expected error for unknown policy")
	}
	if _, err := eng.GetPolicy("no-such-policy"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

const forbiddenRego = `package artisync.custom.forbidden

import rego.v1

deny contains violation if {
	input.definition.name == "forbidden"
	input.context.group == "persistence"
	violation := {
		"message": "forbidden is reserved",
		"severity": "error",
	}
}
`

func TestLoadAndReloadPolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	dir := t.TempDir()
	path := filepath.Join(dir, "forbidden.rego")
	if err := os.WriteFile(path, []byte(forbiddenRego), 0o644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}
	if len(eng.ListPolicies()) != 5 {
		t.Fatalf("Expected 5 policies, got %d", len(eng.ListPolicies()))
	}

	result := evaluate(t, eng, tableDef("forbidden", true))
	if result.Allowed {
		t.Fatal("Expected custom policy to reject")
	}

	if err := os.WriteFile(path, []byte(noopRego), 0o644); err != nil {
		t.Fatalf("Failed to rewrite policy: %v", err)
	}
	if err := eng.ReloadPolicies(ctx); err != nil {
		t.Fatalf("Failed to reload policies: %v", err)
	}

	result = evaluate(t, eng, tableDef("forbidden", true))
	if !result.Allowed {
		t.Errorf("Expected reloaded policy to allow, got %+v", result.Violations)
	}
}

func TestReplacePolicies(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	custom := []Policy{{Name: "forbidden", Rego: forbiddenRego, Severity: SeverityError, Enabled: true}}
	if err := eng.ReplacePolicies(ctx, custom); err != nil {
		t.Fatalf("Failed to replace policies: %v", err)
	}
	if _, err := eng.GetPolicy("forbidden"); err != nil {
		t.Fatalf("Expected custom policy to be loaded: %v", err)
	}

	broken := []Policy{{Name: "broken", Rego: "package broken\ndeny contains", Enabled: true}}
	if err := eng.ReplacePolicies(ctx, broken); err == nil {
		t.Fatal("Expected compile error")
	}
	if _, err := eng.GetPolicy("forbidden"); err != nil {
		t.Error("A failed replace must keep the previous policies")
	}

	if err := eng.ReplacePolicies(ctx, nil); err != nil {
		t.Fatalf("Failed to clear custom policies: %v", err)
	}
	if _, err := eng.GetPolicy("forbidden"); err == nil {
		t.Error("Expected custom policy to be removed")
	}
	if len(eng.ListPolicies()) != 4 {
		t.Errorf("Built-in policies must survive a replace, got %d", len(eng.ListPolicies()))
	}
}

func TestWatchSwapsPolicies(t *testing.T) {
	eng := newTestEngine(t)
	eng.loader.ReloadDelay = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dir := t.TempDir()
	path := filepath.Join(dir, "forbidden.rego")
	writePolicyFile(t, path, forbiddenRego)

	if err := eng.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}
	if err := eng.Watch(ctx); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if evaluate(t, eng, tableDef("forbidden", true)).Allowed {
		t.Fatal("Expected custom policy to reject before the change")
	}

	writePolicyFile(t, path, noopRego)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if evaluate(t, eng, tableDef("forbidden", true)).Allowed {
			if _, err := eng.GetPolicy("forbidden"); err != nil {
				t.Fatalf("Expected the rewritten policy to keep its name: %v", err)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("Timed out waiting for the policy set to be swapped")
}
