// Package graph orders artifact definitions by their dependencies.
//
// Nodes are artifact names in declaration order and edges run from a
// dependency to its dependent. Sorting uses Kahn's algorithm with a ready
// queue ordered by declaration index, so equal inputs always produce equal
// orders. References to names outside the graph are reported as external
// and treated as already satisfied.
//
// When the graph contains a cycle the sort is incomplete. ResolveOrder then
// keeps the sorted prefix and completes it in declaration order, entering
// each remaining cycle at its first declared member, and reports the
// degradation so the caller can log it and carry on.
package graph
