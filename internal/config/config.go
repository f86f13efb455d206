package config

import (
	"fmt"
	"net/netip"
	"time"
)

// ExposureMode selects how the bridge service is reachable.
type ExposureMode string

const (
	// ExposurePrivateOnly wires the service behind internal service
	// discovery only, restricted to the allowed CIDR.
	ExposurePrivateOnly ExposureMode = "private-only"
	// ExposurePublicALB additionally fronts the service with a layer-7
	// load balancer on a public listener port.
	ExposurePublicALB ExposureMode = "public-alb"
)

// AuthMode selects how the bridge authenticates against Atlassian Cloud.
type AuthMode string

const (
	// AuthSharedCredentials stores one set of API credentials server-side
	// in a managed secret, injected at container startup.
	AuthSharedCredentials AuthMode = "shared-credentials"
	// AuthPerRequestOAuth holds no credentials server-side; each request
	// carries its own Authorization header.
	AuthPerRequestOAuth AuthMode = "per-request-oauth"
)

// DefaultImage is the published Atlassian MCP bridge image.
const DefaultImage = "ghcr.io/sooperset/mcp-atlassian:latest"

// HealthCheckPolicy is the probe policy applied to the deployed container
// and, in public-alb mode, mirrored onto the load balancer target group.
type HealthCheckPolicy struct {
	Interval    Duration `json:"interval" yaml:"interval"`
	Timeout     Duration `json:"timeout" yaml:"timeout"`
	Retries     int      `json:"retries" yaml:"retries"`
	StartPeriod Duration `json:"start_period" yaml:"start_period"`
}

// DefaultHealthCheck returns the documented default probe policy.
func DefaultHealthCheck() HealthCheckPolicy {
	return HealthCheckPolicy{
		Interval:    Duration(30 * time.Second),
		Timeout:     Duration(5 * time.Second),
		Retries:     3,
		StartPeriod: Duration(15 * time.Second),
	}
}

// Deadline is how long an apply may run before the tracker considers the
// deployment stuck: the full grace period plus one probe window per retry.
func (p HealthCheckPolicy) Deadline() time.Duration {
	return p.StartPeriod.Std() + time.Duration(p.Retries+1)*(p.Interval.Std()+p.Timeout.Std())
}

// DeploymentConfig is the operator-supplied input for one deployment.
type DeploymentConfig struct {
	Name string `json:"name" yaml:"name"`

	// ExistingNetworkName, when set, imports a pre-existing network
	// instead of creating one. Existence is checked at apply time.
	ExistingNetworkName string `json:"existing_network_name,omitempty" yaml:"existing_network_name"`
	AllowedCIDR         string `json:"allowed_cidr,omitempty" yaml:"allowed_cidr"`

	ExposureMode ExposureMode `json:"exposure_mode" yaml:"exposure_mode"`
	AuthMode     AuthMode     `json:"auth_mode" yaml:"auth_mode"`

	JiraBaseURL       string `json:"jira_base_url,omitempty" yaml:"jira_base_url"`
	ConfluenceBaseURL string `json:"confluence_base_url,omitempty" yaml:"confluence_base_url"`

	Image       string `json:"image,omitempty" yaml:"image"`
	ServiceName string `json:"service_name,omitempty" yaml:"service_name"`
	Namespace   string `json:"namespace,omitempty" yaml:"namespace"`
	ServicePort int    `json:"service_port,omitempty" yaml:"service_port"`

	PublicListenerPort     int    `json:"public_listener_port,omitempty" yaml:"public_listener_port"`
	ContainerHealthPath    string `json:"container_health_path,omitempty" yaml:"container_health_path"`
	LoadBalancerHealthPath string `json:"load_balancer_health_path,omitempty" yaml:"load_balancer_health_path"`

	// RetainRegistry controls whether registry/image resources survive
	// teardown. One flag for the whole resource class.
	RetainRegistry *bool `json:"retain_registry,omitempty" yaml:"retain_registry"`

	HealthCheck *HealthCheckPolicy `json:"health_check,omitempty" yaml:"health_check"`
}

// DeploymentContext carries the cloud account context a resolution runs
// against. It is passed explicitly; nothing reads it from the environment.
type DeploymentContext struct {
	AccountID    string `json:"account_id"`
	Region       string `json:"region"`
	RegistryHost string `json:"registry_host"`
}

// ConfigError reports an invalid or contradictory operator input. Nothing
// is resolved or applied when one is returned.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid deployment config: %s: %s", e.Field, e.Reason)
}

// ApplyDefaults fills unset fields with the documented defaults.
func (c *DeploymentConfig) ApplyDefaults(d Defaults) {
	if c.AllowedCIDR == "" {
		c.AllowedCIDR = d.AllowedCIDR
	}
	if c.ExposureMode == "" {
		c.ExposureMode = d.ExposureMode
	}
	if c.AuthMode == "" {
		c.AuthMode = d.AuthMode
	}
	if c.Image == "" {
		c.Image = d.Image
	}
	if c.ServiceName == "" {
		c.ServiceName = d.ServiceName
	}
	if c.Namespace == "" {
		c.Namespace = d.Namespace
	}
	if c.ServicePort == 0 {
		c.ServicePort = d.ServicePort
	}
	if c.PublicListenerPort == 0 {
		c.PublicListenerPort = d.PublicListenerPort
	}
	if c.ContainerHealthPath == "" {
		c.ContainerHealthPath = d.ContainerHealthPath
	}
	if c.LoadBalancerHealthPath == "" {
		c.LoadBalancerHealthPath = d.LoadBalancerHealthPath
	}
	if c.RetainRegistry == nil {
		retain := d.RetainRegistry
		c.RetainRegistry = &retain
	}
	if c.HealthCheck == nil {
		hc := d.HealthCheck
		c.HealthCheck = &hc
	}
}

// Validate checks the config for malformed or contradictory inputs.
// Defaults must already be applied.
func (c *DeploymentConfig) Validate() error {
	if c.Name == "" {
		return &ConfigError{Field: "name", Reason: "must not be empty"}
	}

	prefix, err := netip.ParsePrefix(c.AllowedCIDR)
	if err != nil {
		return &ConfigError{Field: "allowed_cidr", Reason: fmt.Sprintf("%q is not valid CIDR notation", c.AllowedCIDR)}
	}
	if !prefix.Addr().Is4() {
		return &ConfigError{Field: "allowed_cidr", Reason: "must be an IPv4 range"}
	}

	switch c.ExposureMode {
	case ExposurePrivateOnly, ExposurePublicALB:
	default:
		return &ConfigError{Field: "exposure_mode", Reason: fmt.Sprintf("unknown mode %q", c.ExposureMode)}
	}

	switch c.AuthMode {
	case AuthSharedCredentials:
	case AuthPerRequestOAuth:
		if c.JiraBaseURL == "" && c.ConfluenceBaseURL == "" {
			return &ConfigError{Field: "auth_mode", Reason: "per-request-oauth requires jira_base_url or confluence_base_url"}
		}
	default:
		return &ConfigError{Field: "auth_mode", Reason: fmt.Sprintf("unknown mode %q", c.AuthMode)}
	}

	if c.ServicePort <= 0 || c.ServicePort > 65535 {
		return &ConfigError{Field: "service_port", Reason: fmt.Sprintf("%d is out of range", c.ServicePort)}
	}
	if c.ExposureMode == ExposurePublicALB {
		if c.PublicListenerPort <= 0 || c.PublicListenerPort > 65535 {
			return &ConfigError{Field: "public_listener_port", Reason: fmt.Sprintf("%d is out of range", c.PublicListenerPort)}
		}
		if c.PublicListenerPort == c.ServicePort {
			return &ConfigError{Field: "public_listener_port", Reason: "must differ from service_port"}
		}
	}

	hc := c.HealthCheck
	if hc == nil {
		return &ConfigError{Field: "health_check", Reason: "missing probe policy; apply defaults first"}
	}
	if hc.Interval <= 0 || hc.Timeout <= 0 || hc.Retries <= 0 || hc.StartPeriod < 0 {
		return &ConfigError{Field: "health_check", Reason: "interval, timeout and retries must be positive"}
	}

	return nil
}
