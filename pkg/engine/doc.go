// Package engine implements the synchronization cycle of one artifact group.
//
// A cycle reads the predelivered definitions and then the registry, compares
// each definition with its persisted state, admits new and modified
// definitions through the policy engine, resolves a dependency order, and
// applies the changes to the group's targets:
//
//  1. Derived artifacts that are new or modified are dropped, dependents
//     first.
//  2. Artifacts are created or altered in dependency order. A base artifact
//     that exists but is empty is recreated; one holding data is altered,
//     which SQL targets refuse.
//  3. State is written only after the target accepted the change.
//  4. Artifacts no source declares any more are dropped and forgotten.
//
// Failures of single artifacts are collected in the Report and retried on
// the next cycle. Only failures of the state store, or a panic, abort a
// cycle; they are returned as coordinator errors and never escape as
// panics.
//
// Cycles of one Engine are serialized. Engines of different groups are
// independent and may run concurrently.
package engine
