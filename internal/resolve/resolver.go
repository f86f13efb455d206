package resolve

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/atvirokodosprendimai/bridgestack/internal/config"
	"github.com/atvirokodosprendimai/bridgestack/internal/spec"
)

// availabilityZones is the spread of a created network. Two zones keep
// the NAT egress path available through a single-zone outage.
const availabilityZones = 2

// PlaceholderCredential marks secret values the operator still has to
// replace. The resolver never sees real credentials.
const PlaceholderCredential = "CHANGE_ME"

var zoneSuffixes = []string{"a", "b", "c", "d"}

// Resolve translates an operator config into a full resource
// specification for the provisioning backend. It is pure and
// deterministic: no I/O, and the same inputs always produce a
// structurally identical spec. The config must already be validated.
func Resolve(ctx config.DeploymentContext, cfg config.DeploymentConfig) (*spec.ResourceSpec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &spec.ResourceSpec{
		Name:    cfg.Name,
		Context: ctx,
	}

	resolveNetwork(&cfg, s)
	resolveCluster(&cfg, ctx, s)
	resolveCredentials(&cfg, s)
	resolveService(&cfg, s)
	resolveExposure(&cfg, s)

	s.Outputs = spec.Outputs{
		InternalEndpoint: fmt.Sprintf("%s:%d", s.Endpoint.InternalDNSName, s.Endpoint.Port),
		ImageURI:         imageURI(ctx, cfg.Image),
		ClusterID:        logicalID(cfg.Name, "cluster"),
	}
	if s.Credential != nil {
		s.Outputs.SecretRef = s.Credential.SecretLogicalID
	}

	return s, nil
}

func resolveNetwork(cfg *config.DeploymentConfig, s *spec.ResourceSpec) {
	if cfg.ExistingNetworkName != "" {
		// Reused networks are the operator's responsibility; existence
		// is checked by the backend at apply time, not here.
		s.Topology.Imported = &spec.ImportedNetwork{Name: cfg.ExistingNetworkName}
	} else {
		s.Topology.Created = &spec.CreatedNetwork{
			CIDRBlock:         cfg.AllowedCIDR,
			SubnetTiers:       []spec.SubnetTier{spec.TierPublic, spec.TierPrivateEgress},
			AvailabilityZones: availabilityZones,
		}

		s.Resources = append(s.Resources, spec.Resource{
			Kind:      spec.KindNetwork,
			LogicalID: logicalID(cfg.Name, "net"),
			Properties: map[string]any{
				"cidr_block": cfg.AllowedCIDR,
			},
		})
		for _, tier := range []spec.SubnetTier{spec.TierPublic, spec.TierPrivateEgress} {
			for zone := 0; zone < availabilityZones; zone++ {
				s.Resources = append(s.Resources, spec.Resource{
					Kind:      spec.KindSubnet,
					LogicalID: logicalID(cfg.Name, fmt.Sprintf("subnet-%s-%s", tier, zoneSuffixes[zone])),
					Properties: map[string]any{
						"network": logicalID(cfg.Name, "net"),
						"tier":    string(tier),
						"zone":    zoneSuffixes[zone],
					},
				})
			}
		}
		s.Resources = append(s.Resources, spec.Resource{
			Kind:      spec.KindNATGateway,
			LogicalID: logicalID(cfg.Name, "nat"),
			Properties: map[string]any{
				"network": logicalID(cfg.Name, "net"),
				"subnet":  logicalID(cfg.Name, fmt.Sprintf("subnet-%s-%s", spec.TierPublic, zoneSuffixes[0])),
			},
		})
	}

	// Inbound is restricted to the allowed CIDR on the service port in
	// both topologies; the bridge only ever needs outbound HTTPS.
	s.Resources = append(s.Resources, spec.Resource{
		Kind:      spec.KindSecurityGroup,
		LogicalID: logicalID(cfg.Name, "sg"),
		Properties: map[string]any{
			"ingress_cidr": cfg.AllowedCIDR,
			"ingress_port": cfg.ServicePort,
		},
	})
}

func resolveCluster(cfg *config.DeploymentConfig, ctx config.DeploymentContext, s *spec.ResourceSpec) {
	s.Resources = append(s.Resources, spec.Resource{
		Kind:      spec.KindCluster,
		LogicalID: logicalID(cfg.Name, "cluster"),
	})
	s.Resources = append(s.Resources, spec.Resource{
		Kind:             spec.KindImageRegistry,
		LogicalID:        logicalID(cfg.Name, "registry"),
		RetainOnTeardown: cfg.RetainRegistry != nil && *cfg.RetainRegistry,
		Properties: map[string]any{
			"image": imageURI(ctx, cfg.Image),
		},
	})
}

func resolveCredentials(cfg *config.DeploymentConfig, s *spec.ResourceSpec) {
	env := map[string]string{}
	if cfg.JiraBaseURL != "" {
		env["JIRA_URL"] = cfg.JiraBaseURL
	}
	if cfg.ConfluenceBaseURL != "" {
		env["CONFLUENCE_URL"] = cfg.ConfluenceBaseURL
	}

	switch cfg.AuthMode {
	case config.AuthSharedCredentials:
		secretID := logicalID(cfg.Name, "secret")
		s.Resources = append(s.Resources, spec.Resource{
			Kind:      spec.KindSecret,
			LogicalID: secretID,
			Properties: map[string]any{
				"keys": map[string]any{
					"JIRA_USERNAME":        PlaceholderCredential,
					"JIRA_API_TOKEN":       PlaceholderCredential,
					"CONFLUENCE_USERNAME":  PlaceholderCredential,
					"CONFLUENCE_API_TOKEN": PlaceholderCredential,
				},
			},
		})
		// Only the execution identity reads the secret: it injects the
		// values at startup. The runtime identity gets no grant.
		s.Resources = append(s.Resources, spec.Resource{
			Kind:      spec.KindIdentityGrant,
			LogicalID: logicalID(cfg.Name, "grant-exec-secret"),
			Properties: map[string]any{
				"identity": string(spec.IdentityExecution),
				"access":   "read",
				"secret":   secretID,
			},
		})
		s.Credential = &spec.CredentialBinding{SecretLogicalID: secretID}
		s.Container.SecretEnv = map[string]string{
			"JIRA_USERNAME":        "JIRA_USERNAME",
			"JIRA_API_TOKEN":       "JIRA_API_TOKEN",
			"CONFLUENCE_USERNAME":  "CONFLUENCE_USERNAME",
			"CONFLUENCE_API_TOKEN": "CONFLUENCE_API_TOKEN",
		}

	case config.AuthPerRequestOAuth:
		// Hard security boundary: no secret resource exists at all in
		// this mode. Credentials ride on each request's Authorization
		// header and are never held server-side.
		env["ATLASSIAN_OAUTH_ENABLE"] = "true"
	}

	s.Container.Env = env
}

func resolveService(cfg *config.DeploymentConfig, s *spec.ResourceSpec) {
	s.Container.Image = cfg.Image
	s.Container.Port = cfg.ServicePort
	s.Container.HealthPath = cfg.ContainerHealthPath
	s.Container.HealthCheck = *cfg.HealthCheck
	s.Container.Command = []string{
		"--transport", "streamable-http",
		"--port", strconv.Itoa(cfg.ServicePort),
	}

	taskProps := map[string]any{
		"image":        s.Container.Image,
		"port":         cfg.ServicePort,
		"health_path":  cfg.ContainerHealthPath,
		"health_check": *cfg.HealthCheck,
	}
	if s.Credential != nil {
		taskProps["secret"] = s.Credential.SecretLogicalID
	}
	s.Resources = append(s.Resources,
		spec.Resource{
			Kind:       spec.KindTaskDefinition,
			LogicalID:  logicalID(cfg.Name, "task"),
			Properties: taskProps,
		},
		spec.Resource{
			Kind:      spec.KindService,
			LogicalID: logicalID(cfg.Name, "svc"),
			Properties: map[string]any{
				"cluster": logicalID(cfg.Name, "cluster"),
				"task":    logicalID(cfg.Name, "task"),
			},
		},
		spec.Resource{
			Kind:      spec.KindDiscoveryRecord,
			LogicalID: logicalID(cfg.Name, "dns"),
			Properties: map[string]any{
				"name":      fmt.Sprintf("%s.%s", cfg.ServiceName, cfg.Namespace),
				"namespace": cfg.Namespace,
				"port":      cfg.ServicePort,
			},
		},
	)

	s.Endpoint = spec.ServiceEndpoint{
		InternalDNSName: fmt.Sprintf("%s.%s", cfg.ServiceName, cfg.Namespace),
		Port:            cfg.ServicePort,
		Exposure:        spec.ExposurePrivate,
	}
}

func resolveExposure(cfg *config.DeploymentConfig, s *spec.ResourceSpec) {
	if cfg.ExposureMode != config.ExposurePublicALB {
		return
	}

	// The target group probes its own path, separate from the
	// container's internal liveness path.
	s.Resources = append(s.Resources,
		spec.Resource{
			Kind:      spec.KindLoadBalancer,
			LogicalID: logicalID(cfg.Name, "alb"),
		},
		spec.Resource{
			Kind:      spec.KindTargetGroup,
			LogicalID: logicalID(cfg.Name, "tg"),
			Properties: map[string]any{
				"service":      logicalID(cfg.Name, "svc"),
				"port":         cfg.ServicePort,
				"health_path":  cfg.LoadBalancerHealthPath,
				"health_check": *cfg.HealthCheck,
			},
		},
		spec.Resource{
			Kind:      spec.KindListener,
			LogicalID: logicalID(cfg.Name, "listener"),
			Properties: map[string]any{
				"load_balancer": logicalID(cfg.Name, "alb"),
				"port":          cfg.PublicListenerPort,
				"forward_to":    logicalID(cfg.Name, "tg"),
			},
		},
	)
	s.Endpoint.Exposure = spec.ExposurePublic
}

// imageURI prefixes the image with the context's registry host when one
// is configured, stripping any registry already on the reference.
func imageURI(ctx config.DeploymentContext, image string) string {
	if ctx.RegistryHost == "" {
		return image
	}
	rest := image
	if first, tail, ok := strings.Cut(image, "/"); ok {
		if strings.ContainsAny(first, ".:") {
			rest = tail
		}
	}
	return ctx.RegistryHost + "/" + rest
}

func logicalID(name, suffix string) string {
	return name + "-" + suffix
}
