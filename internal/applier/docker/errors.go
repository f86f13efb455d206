package docker

import (
	"fmt"
	"time"
)

// ApplyConflictError is the hard-abort case: a resource with the name
// the plan needs already exists but is not managed by us, usually an
// orphan left by a previous failed deploy. It carries a remediation
// hint instead of hiding behind a generic failure.
type ApplyConflictError struct {
	Resource string
	Hint     string
}

func (e *ApplyConflictError) Error() string {
	return fmt.Sprintf("apply conflict on %s: %s", e.Resource, e.Hint)
}

// HealthCheckTimeoutError means the service never reached healthy within
// the deployment window. It triggers an automatic rollback to the
// last-known-good topology, not a fatal abort.
type HealthCheckTimeoutError struct {
	Deployment string
	Window     time.Duration
	RolledBack bool
}

func (e *HealthCheckTimeoutError) Error() string {
	verdict := "rollback failed, manual intervention required"
	if e.RolledBack {
		verdict = "rolled back to last-known-good"
	}
	return fmt.Sprintf("deployment %q did not become healthy within %s: %s", e.Deployment, e.Window, verdict)
}
