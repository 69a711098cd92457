// Package stores provides the persistence layer for artifact state.
// It includes a SQLite-based store with embedded migrations that records the
// last applied content hash of every synchronized location and a history of
// synchronization runs.
package stores
