// Package policy provides Open Policy Agent (OPA) admission control for
// artifact definitions.
//
// Every definition classified NEW or MODIFIED in a synchronization cycle is
// evaluated against the built-in policies and any custom Rego policies
// loaded from disk before it reaches a target. A violation of severity
// error or critical rejects the definition for that cycle; warnings and
// info violations are reported but the definition proceeds.
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"/etc/artisync/policies"}); err != nil {
//	    return err
//	}
//
//	result, err := eng.Evaluate(ctx, def, artifact.ClassNew, policy.Context{Group: "persistence"})
//	if err != nil {
//	    return err
//	}
//	if rejection := result.Rejection(def); rejection != nil {
//	    // skip the definition this cycle
//	}
//
// # Writing Policies
//
// A policy is a Rego module whose package defines a `deny` set. Members are
// either strings or objects with "message" and optional "severity" keys:
//
//	package artisync.custom.owners
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.definition.kind == "table"
//	    not startswith(input.definition.name, "app_")
//	    violation := {
//	        "message": "application tables must use the app_ prefix",
//	        "severity": "error",
//	    }
//	}
//
// Custom policies live in .rego files, named after the file, whose leading
// comment block may set "severity:" and "kinds:", or in YAML manifests:
//
//	name: app-prefix
//	severity: error
//	kinds: [table]
//	module: app-prefix.rego
//
// The input document has three keys: "definition" (location, name, kind,
// origin, dependencies and the typed spec with the field names of the
// definition file), "classification" (NEW or MODIFIED) and "context"
// (group, run_id, dry_run, timestamp).
//
// # Built-in Policies
//
//  1. artifact-naming - lowercase names, at most 63 characters, no sqlite_ prefix
//  2. view-sources - every view source appears in the view query
//  3. table-primary-key - tables declare a primary key
//  4. disabled-jobs - reports disabled jobs
//
// # Hot Reload
//
// Engine.Watch watches the loaded policy paths with fsnotify and swaps the
// custom policy set when a file changes. Reloading never triggers a
// synchronization cycle.
package policy
