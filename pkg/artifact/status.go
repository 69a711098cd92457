package artifact

import "fmt"

// Status is the lifecycle position of an artifact within a cycle.
type Status string

const (
	StatusUnsynced        Status = "UNSYNCED"
	StatusSynchronizing   Status = "SYNCHRONIZING"
	StatusSynchronized    Status = "SYNCHRONIZED"
	StatusResynchronizing Status = "RESYNCHRONIZING"
	StatusFailed          Status = "FAILED"
	StatusDeleted         Status = "DELETED"
)

// IsTerminal reports whether no further transition is allowed in this cycle.
// A failed artifact is retried on the next cycle.
func (s Status) IsTerminal() bool {
	return s == StatusFailed || s == StatusDeleted
}

// InitialStatus returns the status an artifact starts a cycle with.
func InitialStatus(hasState bool) Status {
	if hasState {
		return StatusSynchronized
	}
	return StatusUnsynced
}

// StatusTable tracks artifact statuses by location and validates every
// transition.
type StatusTable map[string]Status

// Set records the starting status of a location. It overwrites any previous value.
func (t StatusTable) Set(location string, s Status) {
	t[location] = s
}

// Get returns the status of a location and whether it is tracked.
func (t StatusTable) Get(location string) (Status, bool) {
	s, ok := t[location]
	return s, ok
}

// Transition moves location from one status to another. The caller supplies
// the expected prior status so that out of order updates are observable.
func (t StatusTable) Transition(location string, from, to Status) error {
	cur, ok := t[location]
	if !ok {
		return fmt.Errorf("unknown artifact in status table: %q", location)
	}
	if cur != from {
		return fmt.Errorf("invalid transition for %q: expected %s, got %s", location, from, cur)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for %q: %s -> %s", location, from, to)
	}
	t[location] = to
	return nil
}

// Fail moves location to FAILED from any non terminal status.
func (t StatusTable) Fail(location string) error {
	cur, ok := t[location]
	if !ok {
		return fmt.Errorf("unknown artifact in status table: %q", location)
	}
	return t.Transition(location, cur, StatusFailed)
}

// Count returns how many tracked artifacts are in status s.
func (t StatusTable) Count(s Status) int {
	n := 0
	for _, cur := range t {
		if cur == s {
			n++
		}
	}
	return n
}

func isAllowedTransition(from, to Status) bool {
	switch from {
	case StatusUnsynced:
		return to == StatusSynchronizing || to == StatusFailed
	case StatusSynchronizing:
		return to == StatusSynchronized || to == StatusFailed
	case StatusSynchronized:
		return to == StatusResynchronizing || to == StatusDeleted || to == StatusFailed
	case StatusResynchronizing:
		return to == StatusSynchronized || to == StatusFailed
	default:
		return false
	}
}
