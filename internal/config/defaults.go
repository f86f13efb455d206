package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Defaults is the server-wide default layer under per-request configs.
// Operators override individual fields via a YAML file; anything left
// unset falls back to the built-in values.
type Defaults struct {
	AllowedCIDR            string            `yaml:"allowed_cidr"`
	ExposureMode           ExposureMode      `yaml:"exposure_mode"`
	AuthMode               AuthMode          `yaml:"auth_mode"`
	Image                  string            `yaml:"image"`
	ServiceName            string            `yaml:"service_name"`
	Namespace              string            `yaml:"namespace"`
	ServicePort            int               `yaml:"service_port"`
	PublicListenerPort     int               `yaml:"public_listener_port"`
	ContainerHealthPath    string            `yaml:"container_health_path"`
	LoadBalancerHealthPath string            `yaml:"load_balancer_health_path"`
	RetainRegistry         bool              `yaml:"retain_registry"`
	HealthCheck            HealthCheckPolicy `yaml:"health_check"`
}

// BuiltinDefaults returns the documented built-in default layer.
func BuiltinDefaults() Defaults {
	return Defaults{
		AllowedCIDR:            "10.0.0.0/16",
		ExposureMode:           ExposurePrivateOnly,
		AuthMode:               AuthSharedCredentials,
		Image:                  DefaultImage,
		ServiceName:            "atlassian",
		Namespace:              "mcp.internal",
		ServicePort:            9000,
		PublicListenerPort:     80,
		ContainerHealthPath:    "/healthz",
		LoadBalancerHealthPath: "/health",
		RetainRegistry:         true,
		HealthCheck:            DefaultHealthCheck(),
	}
}

// LoadDefaults reads a YAML defaults file over the built-in layer.
// An empty path returns the built-ins unchanged.
func LoadDefaults(path string) (Defaults, error) {
	d := BuiltinDefaults()
	if path == "" {
		return d, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return d, fmt.Errorf("could not read defaults file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &d); err != nil {
		return d, fmt.Errorf("could not parse defaults file %s: %w", path, err)
	}
	return d, nil
}
