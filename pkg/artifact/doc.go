// Package artifact defines the data model shared by every part of the
// synchronization engine: artifact kinds, parsed definitions, persisted
// state, per-artifact status transitions, content hashing and the error
// taxonomy.
//
// A Definition is transient and rebuilt on every cycle from its source. A
// State is the persisted record of the last successfully applied content of
// a location. The engine compares the two by content hash to decide whether
// an artifact is new, modified or unchanged.
package artifact
