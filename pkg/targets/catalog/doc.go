// Package catalog provides an in-process target for the artifact kinds that
// live inside the application rather than in a database: listeners, OData
// services, extension points, extensions and jobs.
//
// Installed entries are kept in memory. Hooks registered per kind are told
// when an entry becomes active or inactive, which is how the host wires
// listeners to its broker or jobs to its scheduler. Disabled jobs are
// installed but never activated.
package catalog
