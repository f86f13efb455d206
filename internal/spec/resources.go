package spec

import "github.com/atvirokodosprendimai/bridgestack/internal/config"

// ResourceKind identifies a class of infrastructure resource in a
// resolved specification.
type ResourceKind string

const (
	KindNetwork         ResourceKind = "network"
	KindSubnet          ResourceKind = "subnet"
	KindNATGateway      ResourceKind = "nat-gateway"
	KindSecurityGroup   ResourceKind = "security-group"
	KindCluster         ResourceKind = "cluster"
	KindTaskDefinition  ResourceKind = "task-definition"
	KindService         ResourceKind = "service"
	KindDiscoveryRecord ResourceKind = "discovery-record"
	KindLoadBalancer    ResourceKind = "load-balancer"
	KindListener        ResourceKind = "listener"
	KindTargetGroup     ResourceKind = "target-group"
	KindSecret          ResourceKind = "secret"
	KindIdentityGrant   ResourceKind = "identity-grant"
	KindImageRegistry   ResourceKind = "image-registry"
)

// SubnetTier distinguishes the two subnet layers of a created network.
type SubnetTier string

const (
	TierPublic        SubnetTier = "public"
	TierPrivateEgress SubnetTier = "private-egress"
)

// Identity names a privilege set referenced by identity grants. The
// execution identity starts tasks (pulls images and secrets); the runtime
// identity is what the running container operates under.
type Identity string

const (
	IdentityExecution Identity = "execution"
	IdentityRuntime   Identity = "runtime"
)

// Exposure mirrors the exposure mode of the resolved endpoint.
type Exposure string

const (
	ExposurePrivate Exposure = "private"
	ExposurePublic  Exposure = "public"
)

// Resource is one typed resource descriptor handed to the provisioning
// backend. LogicalID is deterministic for a given deployment name; the
// backend assigns provider identifiers at apply time.
type Resource struct {
	Kind             ResourceKind   `json:"kind"`
	LogicalID        string         `json:"logical_id"`
	RetainOnTeardown bool           `json:"retain_on_teardown,omitempty"`
	Properties       map[string]any `json:"properties,omitempty"`
}

// NetworkTopology is either an imported pre-existing network or a newly
// created one. Exactly one of the two is set.
type NetworkTopology struct {
	Imported *ImportedNetwork `json:"imported,omitempty"`
	Created  *CreatedNetwork  `json:"created,omitempty"`
}

// ImportedNetwork references a network the deployment reuses but does not
// manage. Existence is validated by the backend at apply time.
type ImportedNetwork struct {
	Name string `json:"name"`
}

// CreatedNetwork describes the network the backend is asked to create:
// two subnet tiers across the listed availability zones with one NAT
// egress path for the private tier.
type CreatedNetwork struct {
	CIDRBlock         string       `json:"cidr_block"`
	SubnetTiers       []SubnetTier `json:"subnet_tiers"`
	AvailabilityZones int          `json:"availability_zones"`
}

// ServiceEndpoint is the resolved service address. Resolved once per
// deployment and immutable afterward.
type ServiceEndpoint struct {
	InternalDNSName string   `json:"internal_dns_name"`
	Port            int      `json:"port"`
	Exposure        Exposure `json:"exposure"`
}

// CredentialBinding references the managed secret holding shared
// credentials. It is absent entirely in per-request-oauth mode: no secret
// resource exists to reference.
type CredentialBinding struct {
	SecretLogicalID string `json:"secret_logical_id"`
}

// ContainerSpec is the runtime contract portion of the task definition:
// what the backend actually starts.
type ContainerSpec struct {
	Image       string                   `json:"image"`
	Command     []string                 `json:"command"`
	Port        int                      `json:"port"`
	Env         map[string]string        `json:"env,omitempty"`
	SecretEnv   map[string]string        `json:"secret_env,omitempty"` // env var -> secret key
	HealthPath  string                   `json:"health_path"`
	HealthCheck config.HealthCheckPolicy `json:"health_check"`
}

// Outputs are the operator-facing artifacts of a resolution. SecretRef is
// an opaque reference, never the credential values.
type Outputs struct {
	InternalEndpoint string `json:"internal_endpoint"`
	PublicDNSName    string `json:"public_dns_name,omitempty"`
	ImageURI         string `json:"image_uri"`
	ClusterID        string `json:"cluster_id"`
	SecretRef        string `json:"secret_ref,omitempty"`
}

// ResourceSpec is the full resolved deployment plan submitted to the
// provisioning backend.
type ResourceSpec struct {
	Name       string                   `json:"name"`
	Context    config.DeploymentContext `json:"context"`
	Topology   NetworkTopology          `json:"topology"`
	Resources  []Resource               `json:"resources"`
	Container  ContainerSpec            `json:"container"`
	Endpoint   ServiceEndpoint          `json:"endpoint"`
	Credential *CredentialBinding       `json:"credential,omitempty"`
	Outputs    Outputs                  `json:"outputs"`
}

// ByKind returns the resources of one kind, in resolution order.
func (s *ResourceSpec) ByKind(kind ResourceKind) []Resource {
	var out []Resource
	for _, r := range s.Resources {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

// Lookup returns the resource with the given logical ID, if present.
func (s *ResourceSpec) Lookup(logicalID string) (Resource, bool) {
	for _, r := range s.Resources {
		if r.LogicalID == logicalID {
			return r, true
		}
	}
	return Resource{}, false
}
