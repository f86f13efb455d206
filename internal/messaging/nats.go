package messaging

import (
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/atvirokodosprendimai/bridgestack/internal/spec"
)

const (
	// SubjectApplierHeartbeat is the subject for applier heartbeats.
	SubjectApplierHeartbeat = "bridgestack.applier.heartbeat"
	// SubjectApplyBroadcast is the subject for new apply submissions.
	SubjectApplyBroadcast = "bridgestack.apply.broadcast"
	// SubjectTeardownBroadcast is the subject for teardown requests.
	SubjectTeardownBroadcast = "bridgestack.teardown.broadcast"
	// SubjectApplyStatus is the subject appliers report phase changes on.
	SubjectApplyStatus = "bridgestack.apply.status"
)

// Apply phases reported over SubjectApplyStatus.
const (
	PhaseApplying   = "applying"
	PhaseHealthy    = "healthy"
	PhaseRolledBack = "rolled-back"
	PhaseFailed     = "failed"
	PhaseTornDown   = "torn-down"
)

// Error kinds carried on failed or rolled-back statuses.
const (
	ErrKindApplyConflict   = "apply-conflict"
	ErrKindHealthTimeout   = "health-timeout"
	ErrKindCredentialUnset = "credential-unconfigured"
)

// Heartbeat is the message sent by an applier.
type Heartbeat struct {
	ApplierID string    `json:"applier_id"`
	Hostname  string    `json:"hostname"`
	Timestamp time.Time `json:"timestamp"`
}

// ApplyTask is the message sent from the server to an applier to realize
// a resolved resource specification. LastGood, when present, is the spec
// restored if the new topology never reaches healthy.
type ApplyTask struct {
	RunID        string             `json:"run_id"`
	DeploymentID uint               `json:"deployment_id"`
	Spec         spec.ResourceSpec  `json:"spec"`
	LastGood     *spec.ResourceSpec `json:"last_good,omitempty"`
}

// TeardownTask asks appliers to reverse a deployment's resources.
// Resources flagged retain-on-teardown are left in place.
type TeardownTask struct {
	DeploymentID uint              `json:"deployment_id"`
	Name         string            `json:"name"`
	Spec         spec.ResourceSpec `json:"spec"`
}

// ApplyStatus is the message sent from an applier to the server to report
// the phase of a run. On failure it carries the error kind and, for
// conflicts, a remediation hint naming the orphaned resource.
type ApplyStatus struct {
	RunID        string            `json:"run_id"`
	DeploymentID uint              `json:"deployment_id"`
	Phase        string            `json:"phase"`
	ErrorKind    string            `json:"error_kind,omitempty"`
	Message      string            `json:"message,omitempty"`
	Hint         string            `json:"hint,omitempty"`
	PublicDNS    string            `json:"public_dns,omitempty"`
	ProviderIDs  map[string]string `json:"provider_ids,omitempty"` // logical ID -> provider ID
}

// Connect establishes a connection to a NATS server.
func Connect(natsURL string) (*nats.Conn, error) {
	nc, err := nats.Connect(natsURL)
	if err != nil {
		return nil, err
	}
	log.Println("Connected to NATS server at", natsURL)
	return nc, nil
}
