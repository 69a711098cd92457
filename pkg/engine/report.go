package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/artisync/pkg/artifact"
	"github.com/openfroyo/artisync/pkg/stores"
)

// ArtifactReport is the outcome of one definition in a cycle.
type ArtifactReport struct {
	Location       string                  `json:"location"`
	Name           string                  `json:"name"`
	Kind           artifact.Kind           `json:"kind"`
	Classification artifact.Classification `json:"classification"`
	Status         artifact.Status         `json:"status"`
	Refreshed      bool                    `json:"refreshed,omitempty"`
}

// Report summarizes a finished cycle, or a dry run.
type Report struct {
	RunID       string            `json:"run_id"`
	Group       string            `json:"group"`
	Status      stores.RunStatus  `json:"status"`
	DryRun      bool              `json:"dry_run"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt time.Time         `json:"completed_at"`
	Counts      map[string]int    `json:"counts"`
	Order       []string          `json:"order"`
	External    []string          `json:"external,omitempty"`
	Degraded    bool              `json:"degraded"`
	Cycle       []string          `json:"cycle,omitempty"`
	Artifacts   []ArtifactReport  `json:"artifacts"`
	Removed     []string          `json:"removed,omitempty"`
	Errors      []*artifact.Error `json:"errors,omitempty"`
}

func newReport(run *Run, completedAt time.Time) *Report {
	r := &Report{
		RunID:       run.ID,
		Group:       run.Group,
		DryRun:      run.DryRun,
		StartedAt:   run.StartedAt,
		CompletedAt: completedAt,
		Counts:      run.Counts,
		Order:       run.Order,
		External:    run.External,
		Degraded:    run.Degraded,
		Cycle:       run.Cycle,
		Removed:     run.Removed,
		Errors:      run.Errors,
	}

	for _, it := range run.items {
		status, _ := run.Statuses.Get(it.def.Location)
		r.Artifacts = append(r.Artifacts, ArtifactReport{
			Location:       it.def.Location,
			Name:           it.def.Name,
			Kind:           it.def.Kind,
			Classification: it.class,
			Status:         status,
			Refreshed:      it.refresh,
		})
	}

	switch {
	case run.fatal != nil:
		r.Status = stores.RunStatusFailed
	case len(run.Errors) > 0:
		r.Status = stores.RunStatusPartial
	default:
		r.Status = stores.RunStatusCompleted
	}

	return r
}

// Duration returns how long the cycle took.
func (r *Report) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// HasErrors reports whether any artifact failed or the cycle aborted.
func (r *Report) HasErrors() bool {
	return len(r.Errors) > 0
}

// Summary returns a one-line description of the counts.
func (r *Report) Summary() string {
	keys := make([]string, 0, len(r.Counts))
	for k := range r.Counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", strings.ToLower(k), r.Counts[k]))
	}
	return fmt.Sprintf("%s %s (%s)", r.Group, r.Status, strings.Join(parts, " "))
}

// toRun converts the report into the persisted run summary.
func (r *Report) toRun() *stores.Run {
	completed := r.CompletedAt
	run := &stores.Run{
		ID:          r.RunID,
		Group:       r.Group,
		Status:      r.Status,
		StartedAt:   r.StartedAt,
		CompletedAt: &completed,
		Degraded:    r.Degraded,
		Counts:      r.Counts,
	}
	for _, e := range r.Errors {
		run.Errors = append(run.Errors, stores.RunError{
			Code:      e.Code,
			Location:  e.Location,
			Name:      e.Name,
			Operation: e.Operation,
			Message:   e.Error(),
		})
		if e.Code == artifact.CodeCoordinator {
			msg := e.Error()
			run.Error = &msg
		}
	}
	return run
}
