package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/urfave/cli/v3"

	"github.com/atvirokodosprendimai/bridgestack/internal/applier/docker"
	"github.com/atvirokodosprendimai/bridgestack/internal/messaging"
)

func main() {
	cmd := &cli.Command{
		Name:  "bridgestack-applier",
		Usage: "Applier worker that realizes resolved deployment plans against a local container runtime.",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Start the applier and subscribe for apply tasks",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "nats-url", Value: nats.DefaultURL, Usage: "URL of the bridgestack server's NATS endpoint"},
					&cli.DurationFlag{Name: "heartbeat-interval", Value: 15 * time.Second, Usage: "Interval between heartbeats"},
				},
				Action: runApplier,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func runApplier(ctx context.Context, cmd *cli.Command) error {
	log.Println("Starting Bridgestack Applier...")

	runtime, err := docker.NewClient()
	if err != nil {
		return err
	}

	nc, err := messaging.Connect(cmd.Value("nats-url").(string))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	applierID := uuid.NewString()
	hostname, _ := os.Hostname()

	_, err = nc.Subscribe(messaging.SubjectApplyBroadcast, applyHandler(ctx, nc, runtime))
	if err != nil {
		return fmt.Errorf("failed to subscribe to apply tasks: %w", err)
	}
	_, err = nc.Subscribe(messaging.SubjectTeardownBroadcast, teardownHandler(ctx, nc, runtime))
	if err != nil {
		return fmt.Errorf("failed to subscribe to teardown tasks: %w", err)
	}
	log.Println("Subscribed to apply and teardown tasks.")

	interval := cmd.Value("heartbeat-interval").(time.Duration)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		hb := messaging.Heartbeat{ApplierID: applierID, Hostname: hostname, Timestamp: time.Now()}
		hbBytes, err := json.Marshal(hb)
		if err == nil {
			if err := nc.Publish(messaging.SubjectApplierHeartbeat, hbBytes); err != nil {
				log.Printf("[ERROR] Publishing heartbeat: %v", err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func applyHandler(ctx context.Context, nc *nats.Conn, runtime *docker.Client) nats.MsgHandler {
	return func(m *nats.Msg) {
		var task messaging.ApplyTask
		if err := json.Unmarshal(m.Data, &task); err != nil {
			log.Printf("[ERROR] Unmarshalling apply task: %v", err)
			return
		}

		log.Printf("[INFO] Applying deployment '%s' (run %s)", task.Spec.Name, task.RunID)
		publishStatus(nc, messaging.ApplyStatus{
			RunID:        task.RunID,
			DeploymentID: task.DeploymentID,
			Phase:        messaging.PhaseApplying,
		})

		result, err := runtime.Apply(ctx, task.Spec, task.LastGood)
		status := messaging.ApplyStatus{RunID: task.RunID, DeploymentID: task.DeploymentID}
		switch {
		case err == nil:
			status.Phase = messaging.PhaseHealthy
			status.ProviderIDs = result.ProviderIDs
			status.PublicDNS = result.PublicDNS
		default:
			status.Message = err.Error()
			var conflict *docker.ApplyConflictError
			var timeout *docker.HealthCheckTimeoutError
			switch {
			case errors.As(err, &conflict):
				status.Phase = messaging.PhaseFailed
				status.ErrorKind = messaging.ErrKindApplyConflict
				status.Hint = conflict.Hint
			case errors.As(err, &timeout):
				status.Phase = messaging.PhaseRolledBack
				status.ErrorKind = messaging.ErrKindHealthTimeout
			default:
				status.Phase = messaging.PhaseFailed
			}
		}

		publishStatus(nc, status)
		log.Printf("[INFO] Deployment '%s' finished with phase %s", task.Spec.Name, status.Phase)
	}
}

func teardownHandler(ctx context.Context, nc *nats.Conn, runtime *docker.Client) nats.MsgHandler {
	return func(m *nats.Msg) {
		var task messaging.TeardownTask
		if err := json.Unmarshal(m.Data, &task); err != nil {
			log.Printf("[ERROR] Unmarshalling teardown task: %v", err)
			return
		}

		log.Printf("[INFO] Tearing down deployment '%s'", task.Name)
		if err := runtime.Teardown(ctx, task.Spec); err != nil {
			log.Printf("[ERROR] Teardown of '%s' failed: %v", task.Name, err)
			return
		}

		publishStatus(nc, messaging.ApplyStatus{
			DeploymentID: task.DeploymentID,
			Phase:        messaging.PhaseTornDown,
		})
		log.Printf("[INFO] Teardown of '%s' complete", task.Name)
	}
}

func publishStatus(nc *nats.Conn, status messaging.ApplyStatus) {
	statusBytes, err := json.Marshal(status)
	if err != nil {
		log.Printf("[ERROR] Marshalling apply status: %v", err)
		return
	}
	if err := nc.Publish(messaging.SubjectApplyStatus, statusBytes); err != nil {
		log.Printf("[ERROR] Publishing apply status: %v", err)
	}
}
