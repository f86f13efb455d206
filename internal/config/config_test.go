package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() DeploymentConfig {
	cfg := DeploymentConfig{
		Name:         "atlas",
		ExposureMode: ExposurePrivateOnly,
		AuthMode:     AuthSharedCredentials,
	}
	cfg.ApplyDefaults(BuiltinDefaults())
	return cfg
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("A defaulted config should validate, got: %v", err)
	}
}

func TestValidateRejectsBadInputs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*DeploymentConfig)
		field  string
	}{
		{"empty name", func(c *DeploymentConfig) { c.Name = "" }, "name"},
		{"malformed cidr", func(c *DeploymentConfig) { c.AllowedCIDR = "10.0.0.0" }, "allowed_cidr"},
		{"ipv6 cidr", func(c *DeploymentConfig) { c.AllowedCIDR = "fd00::/8" }, "allowed_cidr"},
		{"unknown exposure", func(c *DeploymentConfig) { c.ExposureMode = "both" }, "exposure_mode"},
		{"unknown auth", func(c *DeploymentConfig) { c.AuthMode = "mtls" }, "auth_mode"},
		{"oauth without urls", func(c *DeploymentConfig) { c.AuthMode = AuthPerRequestOAuth }, "auth_mode"},
		{"bad service port", func(c *DeploymentConfig) { c.ServicePort = 0 }, "service_port"},
		{"listener equals service port", func(c *DeploymentConfig) {
			c.ExposureMode = ExposurePublicALB
			c.PublicListenerPort = c.ServicePort
		}, "public_listener_port"},
		{"zero retries", func(c *DeploymentConfig) { c.HealthCheck.Retries = 0 }, "health_check"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected a validation error")
			}
			cfgErr, ok := err.(*ConfigError)
			if !ok {
				t.Fatalf("Expected a *ConfigError, got %T", err)
			}
			if cfgErr.Field != tc.field {
				t.Errorf("Expected error on field %q, got %q", tc.field, cfgErr.Field)
			}
		})
	}
}

func TestApplyDefaultsDoesNotOverrideExplicitValues(t *testing.T) {
	cfg := DeploymentConfig{
		Name:        "atlas",
		AllowedCIDR: "10.2.0.0/16",
		ServicePort: 9400,
	}
	cfg.ApplyDefaults(BuiltinDefaults())

	if cfg.AllowedCIDR != "10.2.0.0/16" {
		t.Errorf("Explicit CIDR was overridden: %s", cfg.AllowedCIDR)
	}
	if cfg.ServicePort != 9400 {
		t.Errorf("Explicit port was overridden: %d", cfg.ServicePort)
	}
	if cfg.ExposureMode != ExposurePrivateOnly {
		t.Errorf("Unset exposure mode should default to private-only, got %s", cfg.ExposureMode)
	}
	if cfg.HealthCheck == nil || cfg.HealthCheck.Interval.Std() != 30*time.Second {
		t.Errorf("Unset health policy should get the documented defaults, got %+v", cfg.HealthCheck)
	}
}

func TestDefaultHealthCheckPolicy(t *testing.T) {
	hc := DefaultHealthCheck()
	if hc.Interval.Std() != 30*time.Second || hc.Timeout.Std() != 5*time.Second ||
		hc.Retries != 3 || hc.StartPeriod.Std() != 15*time.Second {
		t.Errorf("Documented defaults changed: %+v", hc)
	}

	// Grace period plus one probe window per allowed attempt.
	want := 15*time.Second + 4*(35*time.Second)
	if hc.Deadline() != want {
		t.Errorf("Deadline: got %s, want %s", hc.Deadline(), want)
	}
}

func TestLoadDefaultsOverridesBuiltins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "defaults.yaml")
	content := []byte("allowed_cidr: 172.16.0.0/16\nservice_port: 9100\nhealth_check:\n  interval: 10s\n  timeout: 2s\n  retries: 5\n  start_period: 1m\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	d, err := LoadDefaults(path)
	if err != nil {
		t.Fatalf("LoadDefaults failed: %v", err)
	}
	if d.AllowedCIDR != "172.16.0.0/16" {
		t.Errorf("CIDR override not applied: %s", d.AllowedCIDR)
	}
	if d.ServicePort != 9100 {
		t.Errorf("Port override not applied: %d", d.ServicePort)
	}
	if d.HealthCheck.Interval.Std() != 10*time.Second || d.HealthCheck.StartPeriod.Std() != time.Minute {
		t.Errorf("Health policy override not applied: %+v", d.HealthCheck)
	}
	// Untouched fields keep their built-in values.
	if d.ServiceName != "atlassian" || d.Namespace != "mcp.internal" {
		t.Errorf("Unset fields lost their builtins: %+v", d)
	}
}

func TestDurationJSONRoundTrip(t *testing.T) {
	var hc HealthCheckPolicy
	in := []byte(`{"interval":"45s","timeout":"3s","retries":2,"start_period":"20s"}`)
	if err := json.Unmarshal(in, &hc); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if hc.Interval.Std() != 45*time.Second {
		t.Errorf("Interval: got %s", hc.Interval)
	}

	out, err := json.Marshal(hc)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var back HealthCheckPolicy
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("Round trip unmarshal failed: %v", err)
	}
	if back != hc {
		t.Errorf("Round trip changed the policy: %+v != %+v", back, hc)
	}
}
