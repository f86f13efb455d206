package db

import (
	"time"

	"gorm.io/gorm"
)

// State is the lifecycle state of a deployment.
type State string

const (
	// StateDraft: config accepted, nothing resolved yet.
	StateDraft State = "draft"
	// StateResolved: resource spec produced, not yet submitted.
	StateResolved State = "resolved"
	// StateApplying: submitted to the provisioning backend.
	StateApplying State = "applying"
	// StateHealthy: the service reached a healthy state. Terminal.
	StateHealthy State = "healthy"
	// StateRolledBack: the apply failed health checks and the backend
	// restored the last-known-good topology. Terminal.
	StateRolledBack State = "rolled-back"
	// StateFailed: hard abort, e.g. a naming collision with orphaned
	// resources from a prior failed deploy. Terminal.
	StateFailed State = "failed"
)

var transitions = map[State][]State{
	StateDraft:    {StateResolved},
	StateResolved: {StateApplying},
	StateApplying: {StateHealthy, StateRolledBack, StateFailed},
}

// CanTransition reports whether moving from one state to another is a
// legal lifecycle step.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a state ends the deployment lifecycle.
func (s State) Terminal() bool {
	return s == StateHealthy || s == StateRolledBack || s == StateFailed
}

// InFlight reports whether an apply is still running for this state.
func (s State) InFlight() bool {
	return s == StateApplying
}

// Deployment is the record of one named deployment target. Config and
// the resolved spec are stored as JSON blobs; re-deployment re-resolves
// from scratch, so the blobs are never mutated in place.
type Deployment struct {
	gorm.Model
	Name          string `gorm:"uniqueIndex"`
	State         State
	ConfigJSON    string
	SpecJSON      string
	LastGoodJSON  string // spec of the last deployment that reached healthy
	OutputsJSON   string
	FailureKind   string
	FailureDetail string
	ApplyDeadline time.Time
}

// ApplyRun is one submission to the provisioning backend.
type ApplyRun struct {
	gorm.Model
	RunID        string `gorm:"uniqueIndex"`
	DeploymentID uint
	Phase        string
	Message      string
	BackendRef   string // provider-assigned identifier, when reported
}

// ResourceRecord tracks a realized resource for teardown bookkeeping.
type ResourceRecord struct {
	gorm.Model
	DeploymentID uint
	Kind         string
	LogicalID    string `gorm:"index"`
	ProviderID   string
	Retain       bool
}
