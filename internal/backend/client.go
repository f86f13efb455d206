package backend

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"

	"github.com/atvirokodosprendimai/bridgestack/internal/config"
	"github.com/atvirokodosprendimai/bridgestack/internal/spec"
)

// Client talks JSON-RPC to an external provisioning engine over its unix
// socket. Submission is fire-and-forget: Apply returns as soon as the
// engine accepts the plan, and progress is observed by polling Status.
type Client struct {
	socketPath string
}

// NewClient creates a new provisioning backend client.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// RPCRequest is a standard JSON-RPC 2.0 request.
type RPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int    `json:"id"`
}

// RPCResponse is a standard JSON-RPC 2.0 response.
type RPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      int             `json:"id"`
}

// RPCError represents a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ApplyResult acknowledges an accepted plan submission.
type ApplyResult struct {
	RunID string `json:"run_id"`
}

// StatusResult reports the engine's view of an in-flight or finished
// apply. Phase values match the messaging package's apply phases.
type StatusResult struct {
	RunID       string            `json:"run_id"`
	Phase       string            `json:"phase"`
	ErrorKind   string            `json:"error_kind,omitempty"`
	Message     string            `json:"message,omitempty"`
	Hint        string            `json:"hint,omitempty"`
	PublicDNS   string            `json:"public_dns,omitempty"`
	ProviderIDs map[string]string `json:"provider_ids,omitempty"`
}

// Apply submits a resolved plan. The engine serializes concurrent applies
// against the same named target on its side.
func (c *Client) Apply(s *spec.ResourceSpec) (*ApplyResult, error) {
	var result ApplyResult
	if err := c.call("plan.apply", map[string]any{"spec": s}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Status polls the engine for the state of a run.
func (c *Client) Status(runID string) (*StatusResult, error) {
	var result StatusResult
	if err := c.call("plan.status", map[string]any{"run_id": runID}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Abort cancels an in-flight apply. Cancellation is engine-native; the
// engine rolls back whatever it had partially realized.
func (c *Client) Abort(runID string) error {
	return c.call("plan.abort", map[string]any{"run_id": runID}, nil)
}

// Destroy asks the engine to reverse a deployment's resources, honoring
// per-resource retain flags.
func (c *Client) Destroy(s *spec.ResourceSpec) error {
	return c.call("plan.destroy", map[string]any{"spec": s}, nil)
}

// DescribeContext fetches the account context (account ID, region,
// registry host) resolutions run against.
func (c *Client) DescribeContext() (*config.DeploymentContext, error) {
	var result config.DeploymentContext
	if err := c.call("context.describe", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) call(method string, params any, result any) error {
	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("could not connect to provisioning engine socket at %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	request := RPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	reqBytes, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON-RPC request: %w", err)
	}

	// The engine expects newline-delimited requests.
	if _, err := conn.Write(append(reqBytes, '\n')); err != nil {
		return fmt.Errorf("failed to write to socket: %w", err)
	}

	reader := bufio.NewReader(conn)
	resBytes, err := reader.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("failed to read response from socket: %w", err)
	}

	var response RPCResponse
	if err := json.Unmarshal(resBytes, &response); err != nil {
		return fmt.Errorf("failed to unmarshal JSON-RPC response: %w", err)
	}

	if response.Error != nil {
		return fmt.Errorf("received error from provisioning engine: %s (code: %d)", response.Error.Message, response.Error.Code)
	}

	if result == nil {
		return nil
	}
	if err := json.Unmarshal(response.Result, result); err != nil {
		return fmt.Errorf("failed to unmarshal %s result: %w", method, err)
	}
	return nil
}
