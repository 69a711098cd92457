package stores

import (
	"time"
)

// RunStatus represents the outcome of a synchronization run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusPartial   RunStatus = "partial"
	RunStatusFailed    RunStatus = "failed"
)

// Run is the persisted summary of one synchronization cycle of a group
type Run struct {
	ID          string         `json:"id"`
	Group       string         `json:"group"`
	Status      RunStatus      `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Degraded    bool           `json:"degraded"`
	Counts      map[string]int `json:"counts"`
	Errors      []RunError     `json:"errors"`
	Error       *string        `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// RunError is a per-artifact failure recorded with a run
type RunError struct {
	Code      string `json:"code"`
	Location  string `json:"location,omitempty"`
	Name      string `json:"name,omitempty"`
	Operation string `json:"operation,omitempty"`
	Message   string `json:"message"`
}
