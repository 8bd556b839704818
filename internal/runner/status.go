package runner

import (
	"fmt"
	"strings"
)

// Status is the per-project execution lifecycle state.
type Status string

const (
	// StatusIdle indicates no run has been started.
	StatusIdle Status = "idle"
	// StatusStarting indicates the execution stream is being opened.
	StatusStarting Status = "starting"
	// StatusRunning indicates the execution stream is live.
	StatusRunning Status = "running"
	// StatusStopping indicates a stop was requested and is in progress.
	StatusStopping Status = "stopping"
	// StatusStopped indicates the run ended cleanly or was cancelled.
	StatusStopped Status = "stopped"
	// StatusError indicates the run ended abnormally.
	StatusError Status = "error"
)

// allowedTransitions is the deterministic runner lifecycle. A fresh run may
// supersede an active one, so starting is reachable from every state except
// itself mid-flight without cancellation (enforced by cancel-and-replace in
// the ingestor, not here).
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusIdle: {
		StatusStarting: {},
	},
	StatusStarting: {
		StatusRunning:  {},
		StatusStopping: {},
		StatusStopped:  {},
		StatusError:    {},
		StatusStarting: {},
	},
	StatusRunning: {
		StatusStopping: {},
		StatusStopped:  {},
		StatusError:    {},
		StatusStarting: {},
	},
	StatusStopping: {
		StatusStopped:  {},
		StatusStarting: {},
	},
	StatusStopped: {
		StatusStarting: {},
	},
	StatusError: {
		StatusStarting: {},
	},
}

// IllegalTransitionError is returned for a disallowed runner transition.
type IllegalTransitionError struct {
	ProjectID string
	FromState Status
	ToState   Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf(
		"cannot transition runner for project %q from %q to %q",
		e.ProjectID,
		e.FromState,
		e.ToState,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}

func transitionAllowed(from, to Status) bool {
	nextStates, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = nextStates[to]
	return ok
}

func normalizeProjectID(projectID string) string {
	return strings.TrimSpace(projectID)
}
