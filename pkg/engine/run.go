package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/artisync/pkg/artifact"
)

// Count keys reported in addition to the classifications.
const (
	CountApplied     = "applied"
	CountFailed      = "failed"
	CountRejected    = "rejected"
	CountDeleted     = "deleted"
	CountRefreshed   = "refreshed"
	CountParseErrors = "parse_errors"
)

// item is one definition tracked through a cycle.
type item struct {
	def   *artifact.Definition
	class artifact.Classification

	// previous is the persisted state, nil for a new artifact.
	previous *artifact.State

	// refresh marks an unchanged derived artifact that is recreated because
	// something it depends on changes in this cycle.
	refresh bool

	// skip is set once the artifact failed or was rejected.
	skip bool
}

// changes reports whether the item is applied in this cycle.
func (it *item) changes() bool {
	if it.skip {
		return false
	}
	return it.refresh || it.class == artifact.ClassNew || it.class == artifact.ClassModified
}

// Run holds everything one cycle knows. It is created when the cycle starts
// and discarded when it ends; nothing in it outlives the cycle.
type Run struct {
	ID        string
	Group     string
	StartedAt time.Time
	DryRun    bool

	// Synchronized holds the locations classified NEW, MODIFIED or UNCHANGED.
	Synchronized map[string]bool

	// Declared holds every location any source declared, including the
	// ones that failed to parse or conflicted.
	Declared map[string]bool

	// Statuses tracks the lifecycle of every artifact touched by the cycle.
	Statuses artifact.StatusTable

	// Errors collects per-artifact failures in the order they happened.
	Errors []*artifact.Error

	// Counts tallies classifications and outcomes.
	Counts map[string]int

	// Order is the resolved apply order of artifact names.
	Order    []string
	External []string
	Degraded bool
	Cycle    []string

	// Removed lists the locations cleaned up, or that would be in a dry run.
	Removed []string

	claims map[string]string
	items  []*item
	byName map[string]*item
	fatal  error
}

func newRun(group string, now time.Time, dryRun bool) *Run {
	return &Run{
		ID:           uuid.New().String(),
		Group:        group,
		StartedAt:    now,
		DryRun:       dryRun,
		Synchronized: make(map[string]bool),
		Declared:     make(map[string]bool),
		Statuses:     make(artifact.StatusTable),
		Counts:       make(map[string]int),
		claims:       make(map[string]string),
		byName:       make(map[string]*item),
	}
}

// claim records that location owns name for the rest of the cycle. It
// returns the earlier owner when the name is already taken.
func (r *Run) claim(name, location string) (string, bool) {
	if owner, ok := r.claims[name]; ok && owner != location {
		return owner, false
	}
	r.claims[name] = location
	return location, true
}

func (r *Run) track(it *item) {
	r.items = append(r.items, it)
	r.byName[it.def.Name] = it
	r.Synchronized[it.def.Location] = true
	r.Counts[string(it.class)]++
}

// definitions returns every tracked definition in encounter order.
func (r *Run) definitions() []*artifact.Definition {
	defs := make([]*artifact.Definition, 0, len(r.items))
	for _, it := range r.items {
		defs = append(defs, it.def)
	}
	return defs
}

// pending returns the items that still need to be applied.
func (r *Run) pending() []*item {
	var out []*item
	for _, it := range r.items {
		if !it.skip && (it.class == artifact.ClassNew || it.class == artifact.ClassModified) {
			out = append(out, it)
		}
	}
	return out
}

func (r *Run) addError(err *artifact.Error) {
	r.Errors = append(r.Errors, err)
}
