package docker

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/netip"
	"os"
	"sort"
	"strconv"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"

	"github.com/atvirokodosprendimai/bridgestack/internal/spec"
)

const (
	labelManagedBy  = "bridgestack.managed-by"
	labelDeployment = "bridgestack.deployment"
	managedByValue  = "bridgestack"
)

// Client realizes the container-shaped subset of a resource spec against
// a local container runtime. It stands in for the cloud provisioning
// engine when no engine socket is configured.
type Client struct {
	cli *client.Client
}

// NewClient creates a new runtime client.
func NewClient() (*Client, error) {
	cli, err := client.New(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("could not create docker client: %w", err)
	}
	return &Client{cli: cli}, nil
}

// Result reports what an apply realized.
type Result struct {
	ProviderIDs map[string]string // logical ID -> runtime ID
	PublicDNS   string
}

// Apply realizes a resolved spec: network, image, container, health.
// lastGood, when non-nil, is the spec restored if the new topology never
// reaches healthy. A naming collision with a container we do not own is
// a hard abort and skips rollback entirely.
func (c *Client) Apply(ctx context.Context, task spec.ResourceSpec, lastGood *spec.ResourceSpec) (*Result, error) {
	result := &Result{ProviderIDs: map[string]string{}}

	networkID, err := c.ensureNetwork(ctx, &task)
	if err != nil {
		return nil, err
	}
	if task.Topology.Created != nil {
		result.ProviderIDs[task.Name+"-net"] = networkID
	}

	if err := c.pullImage(ctx, task.Outputs.ImageURI); err != nil {
		return nil, err
	}

	containerName := serviceContainerName(task.Name)
	if err := c.checkOwnership(ctx, containerName); err != nil {
		return nil, err
	}
	// The previous healthy container makes way for the new one; if the
	// new one never turns healthy we re-create from lastGood.
	if err := c.removeContainer(ctx, containerName); err != nil {
		return nil, fmt.Errorf("could not clear previous container %q: %w", containerName, err)
	}

	containerID, err := c.startContainer(ctx, &task, containerName)
	if err != nil {
		return nil, err
	}
	result.ProviderIDs[task.Name+"-svc"] = containerID

	window := task.Container.HealthCheck.Deadline()
	healthy, err := c.awaitHealthy(ctx, containerID, task.Container.HealthCheck.Interval.Std(), window)
	if err != nil {
		return nil, err
	}
	if !healthy {
		rolledBack := c.rollback(ctx, &task, lastGood, containerName)
		return nil, &HealthCheckTimeoutError{
			Deployment: task.Name,
			Window:     window,
			RolledBack: rolledBack,
		}
	}

	if task.Endpoint.Exposure == spec.ExposurePublic {
		hostname, _ := os.Hostname()
		listeners := task.ByKind(spec.KindListener)
		if hostname != "" && len(listeners) > 0 {
			port, _ := listeners[0].Properties["port"].(float64)
			result.PublicDNS = fmt.Sprintf("%s:%d", hostname, int(port))
		}
	}

	return result, nil
}

// Teardown reverses a deployment's realized resources. Resources flagged
// retain-on-teardown (the image/registry class) are left in place.
func (c *Client) Teardown(ctx context.Context, task spec.ResourceSpec) error {
	if err := c.removeContainer(ctx, serviceContainerName(task.Name)); err != nil {
		return fmt.Errorf("could not remove container: %w", err)
	}

	if task.Topology.Created != nil {
		name := networkName(task.Name)
		_, err := c.cli.NetworkRemove(ctx, name, client.NetworkRemoveOptions{})
		if err != nil && !cerrdefs.IsNotFound(err) {
			return fmt.Errorf("could not remove network %q: %w", name, err)
		}
	}

	for _, r := range task.ByKind(spec.KindImageRegistry) {
		if r.RetainOnTeardown {
			log.Printf("[INFO] Retaining image %s on teardown", task.Outputs.ImageURI)
			continue
		}
		_, err := c.cli.ImageRemove(ctx, task.Outputs.ImageURI, client.ImageRemoveOptions{})
		if err != nil && !cerrdefs.IsNotFound(err) {
			return fmt.Errorf("could not remove image %q: %w", task.Outputs.ImageURI, err)
		}
	}
	return nil
}

func (c *Client) ensureNetwork(ctx context.Context, task *spec.ResourceSpec) (string, error) {
	if task.Topology.Imported != nil {
		// Imported networks are reused, never created. A missing one is
		// the apply-time failure the resolver deliberately defers.
		nw, err := c.cli.NetworkInspect(ctx, task.Topology.Imported.Name, client.NetworkInspectOptions{})
		if err != nil {
			if cerrdefs.IsNotFound(err) {
				return "", fmt.Errorf("imported network %q does not exist", task.Topology.Imported.Name)
			}
			return "", fmt.Errorf("could not inspect imported network: %w", err)
		}
		return nw.Network.ID, nil
	}

	name := networkName(task.Name)
	nw, err := c.cli.NetworkInspect(ctx, name, client.NetworkInspectOptions{})
	if err == nil {
		if nw.Network.Labels[labelManagedBy] != managedByValue {
			return "", &ApplyConflictError{
				Resource: "network " + name,
				Hint:     fmt.Sprintf("a network named %q exists but is not managed by bridgestack; remove it and re-apply", name),
			}
		}
		return nw.Network.ID, nil
	}
	if !cerrdefs.IsNotFound(err) {
		return "", fmt.Errorf("could not inspect network %q: %w", name, err)
	}

	subnet, err := netip.ParsePrefix(task.Topology.Created.CIDRBlock)
	if err != nil {
		return "", fmt.Errorf("invalid CIDR block %q: %w", task.Topology.Created.CIDRBlock, err)
	}
	resp, err := c.cli.NetworkCreate(ctx, name, client.NetworkCreateOptions{
		Driver: "bridge",
		IPAM: &network.IPAM{
			Config: []network.IPAMConfig{{Subnet: subnet}},
		},
		Labels: map[string]string{
			labelManagedBy:  managedByValue,
			labelDeployment: task.Name,
		},
	})
	if err != nil {
		return "", fmt.Errorf("could not create network %q: %w", name, err)
	}
	return resp.ID, nil
}

func (c *Client) pullImage(ctx context.Context, image string) error {
	reader, err := c.cli.ImagePull(ctx, image, client.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("could not pull image %q: %w", image, err)
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)
	return nil
}

// checkOwnership hard-aborts when the service container name is taken by
// a container we did not create, typically an orphan of a prior failed
// deploy.
func (c *Client) checkOwnership(ctx context.Context, containerName string) error {
	inspect, err := c.cli.ContainerInspect(ctx, containerName, client.ContainerInspectOptions{})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return err
	}
	if inspect.Container.Config == nil || inspect.Container.Config.Labels[labelManagedBy] != managedByValue {
		return &ApplyConflictError{
			Resource: "container " + containerName,
			Hint:     fmt.Sprintf("a container named %q exists but is not managed by bridgestack; remove it and re-apply", containerName),
		}
	}
	return nil
}

func (c *Client) startContainer(ctx context.Context, task *spec.ResourceSpec, containerName string) (string, error) {
	containerConfig := &container.Config{
		Image:       task.Container.Image,
		Cmd:         task.Container.Command,
		Env:         ContainerEnv(task),
		Labels:      map[string]string{labelManagedBy: managedByValue, labelDeployment: task.Name},
		Healthcheck: healthConfig(task),
	}

	hostConfig := &container.HostConfig{}
	if task.Endpoint.Exposure == spec.ExposurePublic {
		exposed, bindings, err := publicPortBindings(task)
		if err != nil {
			return "", err
		}
		containerConfig.ExposedPorts = exposed
		hostConfig.PortBindings = bindings
	}

	resp, err := c.cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:     containerConfig,
		HostConfig: hostConfig,
		Name:       containerName,
	})
	if err != nil {
		return "", fmt.Errorf("could not create container: %w", err)
	}

	if _, err := c.cli.ContainerStart(ctx, resp.ID, client.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("could not start container: %w", err)
	}
	return resp.ID, nil
}

// awaitHealthy polls the runtime's health state until the container turns
// healthy or the deployment window closes. Probe execution itself follows
// the plan's policy via the container health check config.
func (c *Client) awaitHealthy(ctx context.Context, containerID string, interval, window time.Duration) (bool, error) {
	deadline := time.Now().Add(window)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		inspect, err := c.cli.ContainerInspect(ctx, containerID, client.ContainerInspectOptions{})
		if err != nil {
			return false, fmt.Errorf("could not inspect container during health wait: %w", err)
		}
		if inspect.Container.State != nil && inspect.Container.State.Health != nil {
			if string(inspect.Container.State.Health.Status) == "healthy" {
				return true, nil
			}
		}
		if time.Now().After(deadline) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// rollback restores the last-known-good topology after a health timeout.
// Reports whether the restore succeeded.
func (c *Client) rollback(ctx context.Context, failed *spec.ResourceSpec, lastGood *spec.ResourceSpec, containerName string) bool {
	log.Printf("[INFO] Deployment %q failed health checks, rolling back", failed.Name)
	if err := c.removeContainer(ctx, containerName); err != nil {
		log.Printf("[ERROR] Rollback: could not remove failed container: %v", err)
		return false
	}
	if lastGood == nil {
		// Nothing to restore: first deploy of this target.
		return true
	}
	if _, err := c.startContainer(ctx, lastGood, containerName); err != nil {
		log.Printf("[ERROR] Rollback: could not restore last-known-good container: %v", err)
		return false
	}
	log.Printf("[INFO] Rollback of %q complete", failed.Name)
	return true
}

func (c *Client) removeContainer(ctx context.Context, containerName string) error {
	_, err := c.cli.ContainerInspect(ctx, containerName, client.ContainerInspectOptions{})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return err
	}
	_, err = c.cli.ContainerRemove(ctx, containerName, client.ContainerRemoveOptions{Force: true, RemoveVolumes: false})
	return err
}

// ContainerEnv flattens plain and secret-sourced env vars into the list
// the runtime expects. Secret values come from the resolved secret
// resource, the local stand-in for startup injection by the execution
// identity.
func ContainerEnv(task *spec.ResourceSpec) []string {
	merged := map[string]string{}
	for k, v := range task.Container.Env {
		merged[k] = v
	}
	if task.Credential != nil {
		if secret, ok := task.Lookup(task.Credential.SecretLogicalID); ok {
			keys, _ := secret.Properties["keys"].(map[string]any)
			for envVar, secretKey := range task.Container.SecretEnv {
				if v, ok := keys[secretKey].(string); ok {
					merged[envVar] = v
				}
			}
		}
	}

	names := make([]string, 0, len(merged))
	for k := range merged {
		names = append(names, k)
	}
	sort.Strings(names)

	env := make([]string, 0, len(names))
	for _, k := range names {
		env = append(env, k+"="+merged[k])
	}
	return env
}

func healthConfig(task *spec.ResourceSpec) *container.HealthConfig {
	policy := task.Container.HealthCheck
	probe := fmt.Sprintf("curl -fsS http://localhost:%d%s || exit 1", task.Container.Port, task.Container.HealthPath)
	return &container.HealthConfig{
		Test:        []string{"CMD-SHELL", probe},
		Interval:    policy.Interval.Std(),
		Timeout:     policy.Timeout.Std(),
		Retries:     policy.Retries,
		StartPeriod: policy.StartPeriod.Std(),
	}
}

// publicPortBindings maps the public listener port onto the service port.
// Only the public-alb exposure publishes anything.
func publicPortBindings(task *spec.ResourceSpec) (network.PortSet, network.PortMap, error) {
	listeners := task.ByKind(spec.KindListener)
	if len(listeners) == 0 {
		return nil, nil, fmt.Errorf("public exposure resolved without a listener resource")
	}

	listenerPort := portProperty(listeners[0].Properties["port"])
	servicePort, err := network.ParsePort(fmt.Sprintf("%d/tcp", task.Container.Port))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid service port %d: %w", task.Container.Port, err)
	}

	exposed := network.PortSet{servicePort: struct{}{}}
	bindings := network.PortMap{
		servicePort: []network.PortBinding{{HostPort: strconv.Itoa(listenerPort)}},
	}
	return exposed, bindings, nil
}

// portProperty reads a port from resource properties, which arrive as
// float64 after a JSON round trip and as int fresh from the resolver.
func portProperty(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

func serviceContainerName(deployment string) string { return deployment + "-svc" }
func networkName(deployment string) string          { return deployment + "-net" }
