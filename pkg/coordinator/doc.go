// Package coordinator schedules the synchronization cycles of several
// artifact groups.
//
// Every group with an interval gets its own loop, so a slow group never
// delays another. Cycles of the same group are serialized by its engine,
// which means a forced cycle issued while a scheduled one runs simply
// waits for it and then runs again.
package coordinator
