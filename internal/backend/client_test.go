package backend

import (
	"bufio"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"

	"github.com/atvirokodosprendimai/bridgestack/internal/spec"
)

// fakeEngine answers one newline-delimited JSON-RPC request per
// connection, like the real provisioning engine socket.
func fakeEngine(t *testing.T, handle func(req RPCRequest) RPCResponse) string {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "engine.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("Failed to listen on test socket: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				line, err := bufio.NewReader(conn).ReadBytes('\n')
				if err != nil {
					return
				}
				var req RPCRequest
				if err := json.Unmarshal(line, &req); err != nil {
					return
				}
				res := handle(req)
				res.JSONRPC = "2.0"
				res.ID = req.ID
				resBytes, _ := json.Marshal(res)
				conn.Write(append(resBytes, '\n'))
			}(conn)
		}
	}()
	return socketPath
}

func TestApplySubmitsPlanAndReturnsRunID(t *testing.T) {
	var gotMethod string
	socket := fakeEngine(t, func(req RPCRequest) RPCResponse {
		gotMethod = req.Method
		result, _ := json.Marshal(ApplyResult{RunID: "run-42"})
		return RPCResponse{Result: result}
	})

	client := NewClient(socket)
	result, err := client.Apply(&spec.ResourceSpec{Name: "atlas"})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if gotMethod != "plan.apply" {
		t.Errorf("Expected plan.apply, engine saw %q", gotMethod)
	}
	if result.RunID != "run-42" {
		t.Errorf("Expected run-42, got %q", result.RunID)
	}
}

func TestStatusDecodesPhases(t *testing.T) {
	socket := fakeEngine(t, func(req RPCRequest) RPCResponse {
		result, _ := json.Marshal(StatusResult{
			RunID:     "run-42",
			Phase:     "rolled-back",
			ErrorKind: "health-timeout",
			Message:   "service never became healthy",
		})
		return RPCResponse{Result: result}
	})

	client := NewClient(socket)
	status, err := client.Status("run-42")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Phase != "rolled-back" || status.ErrorKind != "health-timeout" {
		t.Errorf("Status not decoded: %+v", status)
	}
}

func TestEngineErrorsSurface(t *testing.T) {
	socket := fakeEngine(t, func(req RPCRequest) RPCResponse {
		return RPCResponse{Error: &RPCError{Code: 409, Message: "plan already in flight"}}
	})

	client := NewClient(socket)
	if _, err := client.Apply(&spec.ResourceSpec{Name: "atlas"}); err == nil {
		t.Fatal("Expected the engine error to surface")
	}
}

func TestDescribeContext(t *testing.T) {
	socket := fakeEngine(t, func(req RPCRequest) RPCResponse {
		if req.Method != "context.describe" {
			t.Errorf("Expected context.describe, got %q", req.Method)
		}
		return RPCResponse{Result: json.RawMessage(`{"account_id":"123456789012","region":"eu-central-1","registry_host":""}`)}
	})

	client := NewClient(socket)
	ctx, err := client.DescribeContext()
	if err != nil {
		t.Fatalf("DescribeContext failed: %v", err)
	}
	if ctx.AccountID != "123456789012" || ctx.Region != "eu-central-1" {
		t.Errorf("Context not decoded: %+v", ctx)
	}
}

func TestDialFailure(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	if _, err := client.Status("run-1"); err == nil {
		t.Fatal("Expected a connection error for a missing socket")
	}
}
