package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/urfave/cli/v3"
	"gorm.io/gorm"

	"github.com/atvirokodosprendimai/bridgestack/internal/backend"
	"github.com/atvirokodosprendimai/bridgestack/internal/config"
	"github.com/atvirokodosprendimai/bridgestack/internal/db"
	"github.com/atvirokodosprendimai/bridgestack/internal/messaging"
	"github.com/atvirokodosprendimai/bridgestack/internal/resolve"
	"github.com/atvirokodosprendimai/bridgestack/internal/server/tracker"
	"github.com/atvirokodosprendimai/bridgestack/internal/spec"
)

// deadlineSlack covers submission and reporting latency on top of the
// health-check deployment window.
const deadlineSlack = 30 * time.Second

func main() {
	cmd := &cli.Command{
		Name:  "bridgestack-server",
		Usage: "Control plane for Atlassian MCP bridge deployments.",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Start the bridgestack server and embedded NATS",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "http-addr", Value: "0.0.0.0:8080", Usage: "HTTP server bind address"},
					&cli.StringFlag{Name: "db-path", Value: "bridgestack.db", Usage: "Path to the SQLite database file"},
					&cli.StringFlag{Name: "nats-addr", Value: "0.0.0.0:4222", Usage: "NATS server bind address (host:port)"},
					&cli.StringFlag{Name: "defaults", Value: "", Usage: "Path to a YAML file overriding built-in deployment defaults"},
					&cli.StringFlag{Name: "engine-socket", Value: "", Usage: "Unix socket of an external provisioning engine (empty: use the bundled applier over NATS)"},
					&cli.StringFlag{Name: "account-id", Value: "", Usage: "Cloud account ID for resolutions (ignored when the engine reports one)"},
					&cli.StringFlag{Name: "region", Value: "", Usage: "Cloud region for resolutions (ignored when the engine reports one)"},
					&cli.StringFlag{Name: "registry-host", Value: "", Usage: "Registry host prefixed onto image URIs (optional)"},
					&cli.DurationFlag{Name: "tracker-interval", Value: 15 * time.Second, Usage: "Interval for sweeping in-flight applies"},
				},
				Action: runServer,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func runServer(ctx context.Context, cmd *cli.Command) error {
	log.Println("Starting Bridgestack Server...")

	// 1. Initialize Database
	dbPath := cmd.Value("db-path").(string)
	gormDB, err := db.NewDatabase(dbPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	// 2. Load deployment defaults
	defaults, err := config.LoadDefaults(cmd.Value("defaults").(string))
	if err != nil {
		return err
	}

	// 3. Provisioning backend: external engine or bundled applier
	var engine *backend.Client
	if socket := cmd.Value("engine-socket").(string); socket != "" {
		engine = backend.NewClient(socket)
		log.Printf("Using external provisioning engine at %s", socket)
	}
	deployCtx := config.DeploymentContext{
		AccountID:    cmd.Value("account-id").(string),
		Region:       cmd.Value("region").(string),
		RegistryHost: cmd.Value("registry-host").(string),
	}
	if engine != nil {
		if described, err := engine.DescribeContext(); err != nil {
			log.Printf("[ERROR] Could not describe engine context, using flags: %v", err)
		} else {
			deployCtx = *described
		}
	}

	// 4. Start apply tracker
	trackerInterval := cmd.Value("tracker-interval").(time.Duration)
	trackerSvc := tracker.NewService(gormDB, engine, trackerInterval)
	trackerSvc.Start()
	defer trackerSvc.Stop()

	// 5. Start Embedded NATS Server
	natsAddr := cmd.Value("nats-addr").(string)
	natsHost, natsPort, err := net.SplitHostPort(natsAddr)
	if err != nil {
		return fmt.Errorf("invalid nats-addr format: %w", err)
	}
	natsPortInt, _ := strconv.Atoi(natsPort)
	ns, err := server.NewServer(&server.Options{Host: natsHost, Port: natsPortInt})
	if err != nil {
		return fmt.Errorf("could not start embedded NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(4 * time.Second) {
		return fmt.Errorf("embedded NATS server did not become ready")
	}
	log.Printf("Embedded NATS server started on %s", natsAddr)
	natsURL := ns.ClientURL()

	// 6. Connect to our own embedded NATS
	nc, err := messaging.Connect(natsURL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	defer nc.Close()

	// 7. Subscribe to Subjects
	_, err = nc.Subscribe(messaging.SubjectApplierHeartbeat, heartbeatHandler())
	if err != nil {
		return fmt.Errorf("failed to subscribe to heartbeats: %w", err)
	}
	_, err = nc.Subscribe(messaging.SubjectApplyStatus, applyStatusHandler(gormDB))
	if err != nil {
		return fmt.Errorf("failed to subscribe to apply status: %w", err)
	}
	log.Println("Subscribed to applier heartbeats and apply statuses.")

	// 8. Start Chi HTTP Server
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"message": "pong"})
	})
	r.Post("/deployments", deploymentCreateHandler(gormDB, nc, engine, defaults, deployCtx))
	r.Get("/deployments", deploymentListHandler(gormDB))
	r.Get("/deployments/{name}", deploymentGetHandler(gormDB))
	r.Get("/deployments/{name}/outputs", deploymentOutputsHandler(gormDB))
	r.Delete("/deployments/{name}", deploymentDeleteHandler(gormDB, nc, engine))

	httpAddr := cmd.Value("http-addr").(string)
	log.Printf("HTTP server listening on %s", httpAddr)
	return http.ListenAndServe(httpAddr, r)
}

func deploymentCreateHandler(gormDB *gorm.DB, nc *nats.Conn, engine *backend.Client, defaults config.Defaults, deployCtx config.DeploymentContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cfg config.DeploymentConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
			return
		}

		cfg.ApplyDefaults(defaults)
		if err := cfg.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		// One deployment in flight per named target.
		var existing db.Deployment
		err := gormDB.Where("name = ?", cfg.Name).First(&existing).Error
		if err == nil && existing.State.InFlight() {
			http.Error(w, fmt.Sprintf("Deployment %q already has an apply in flight", cfg.Name), http.StatusConflict)
			return
		}

		resolved, err := resolve.Resolve(deployCtx, cfg)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		cfgJSON, _ := json.Marshal(cfg)
		specJSON, _ := json.Marshal(resolved)
		outputsJSON, _ := json.Marshal(resolved.Outputs)

		dep := existing
		dep.Name = cfg.Name
		// Re-deployment re-resolves from scratch; the previous healthy
		// spec stays behind as the rollback point.
		dep.State = db.StateDraft
		dep.ConfigJSON = string(cfgJSON)
		dep.SpecJSON = string(specJSON)
		dep.OutputsJSON = string(outputsJSON)
		dep.FailureKind = ""
		dep.FailureDetail = ""
		dep.ApplyDeadline = time.Now().Add(cfg.HealthCheck.Deadline() + deadlineSlack)

		if err := gormDB.Save(&dep).Error; err != nil {
			http.Error(w, fmt.Sprintf("Failed to save deployment: %v", err), http.StatusInternalServerError)
			return
		}
		if err := db.Transition(gormDB, &dep, db.StateResolved); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		runID := uuid.NewString()
		if engine != nil {
			result, err := engine.Apply(resolved)
			if err != nil {
				http.Error(w, fmt.Sprintf("Failed to submit plan to engine: %v", err), http.StatusBadGateway)
				return
			}
			if result.RunID != "" {
				runID = result.RunID
			}
		} else {
			task := messaging.ApplyTask{
				RunID:        runID,
				DeploymentID: dep.ID,
				Spec:         *resolved,
			}
			if dep.LastGoodJSON != "" {
				var lastGood spec.ResourceSpec
				if err := json.Unmarshal([]byte(dep.LastGoodJSON), &lastGood); err == nil {
					task.LastGood = &lastGood
				}
			}
			taskBytes, err := json.Marshal(task)
			if err != nil {
				http.Error(w, fmt.Sprintf("Failed to create task: %v", err), http.StatusInternalServerError)
				return
			}
			if err := nc.Publish(messaging.SubjectApplyBroadcast, taskBytes); err != nil {
				http.Error(w, fmt.Sprintf("Failed to publish task: %v", err), http.StatusInternalServerError)
				return
			}
		}

		run := db.ApplyRun{RunID: runID, DeploymentID: dep.ID, Phase: messaging.PhaseApplying}
		if err := gormDB.Create(&run).Error; err != nil {
			http.Error(w, fmt.Sprintf("Failed to record apply run: %v", err), http.StatusInternalServerError)
			return
		}
		if err := db.Transition(gormDB, &dep, db.StateApplying); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		log.Printf("[INFO] Submitted apply for deployment '%s' (run %s)", dep.Name, runID)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{
			"name":    dep.Name,
			"state":   dep.State,
			"run_id":  runID,
			"outputs": resolved.Outputs,
		})
	}
}

func deploymentListHandler(gormDB *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var deployments []db.Deployment
		if err := gormDB.Find(&deployments).Error; err != nil {
			http.Error(w, fmt.Sprintf("Failed to list deployments: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(deployments)
	}
}

func deploymentGetHandler(gormDB *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dep, ok := findDeployment(gormDB, w, r)
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(dep)
	}
}

func deploymentOutputsHandler(gormDB *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dep, ok := findDeployment(gormDB, w, r)
		if !ok {
			return
		}
		var outputs spec.Outputs
		if err := json.Unmarshal([]byte(dep.OutputsJSON), &outputs); err != nil {
			http.Error(w, fmt.Sprintf("Failed to decode outputs: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(outputs)
	}
}

func deploymentDeleteHandler(gormDB *gorm.DB, nc *nats.Conn, engine *backend.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dep, ok := findDeployment(gormDB, w, r)
		if !ok {
			return
		}
		if dep.State.InFlight() {
			http.Error(w, fmt.Sprintf("Deployment %q has an apply in flight; abort it first", dep.Name), http.StatusConflict)
			return
		}

		var resolved spec.ResourceSpec
		if err := json.Unmarshal([]byte(dep.SpecJSON), &resolved); err != nil {
			http.Error(w, fmt.Sprintf("Failed to decode stored spec: %v", err), http.StatusInternalServerError)
			return
		}

		if raw := r.URL.Query().Get("retain-registry"); raw != "" {
			retain, err := strconv.ParseBool(raw)
			if err != nil {
				http.Error(w, fmt.Sprintf("Invalid retain-registry value %q", raw), http.StatusBadRequest)
				return
			}
			for i := range resolved.Resources {
				if resolved.Resources[i].Kind == spec.KindImageRegistry {
					resolved.Resources[i].RetainOnTeardown = retain
				}
			}
		}

		if engine != nil {
			if err := engine.Destroy(&resolved); err != nil {
				http.Error(w, fmt.Sprintf("Failed to submit teardown to engine: %v", err), http.StatusBadGateway)
				return
			}
		} else {
			task := messaging.TeardownTask{DeploymentID: dep.ID, Name: dep.Name, Spec: resolved}
			taskBytes, err := json.Marshal(task)
			if err != nil {
				http.Error(w, fmt.Sprintf("Failed to create teardown task: %v", err), http.StatusInternalServerError)
				return
			}
			if err := nc.Publish(messaging.SubjectTeardownBroadcast, taskBytes); err != nil {
				http.Error(w, fmt.Sprintf("Failed to publish teardown task: %v", err), http.StatusInternalServerError)
				return
			}
		}

		// Hard delete: a soft-deleted row would keep holding the unique
		// name and block re-deploying the same target later.
		if err := gormDB.Unscoped().Delete(dep).Error; err != nil {
			http.Error(w, fmt.Sprintf("Failed to delete deployment record: %v", err), http.StatusInternalServerError)
			return
		}

		log.Printf("[INFO] Submitted teardown for deployment '%s'", dep.Name)
		w.WriteHeader(http.StatusAccepted)
	}
}

func findDeployment(gormDB *gorm.DB, w http.ResponseWriter, r *http.Request) (*db.Deployment, bool) {
	name := chi.URLParam(r, "name")
	var dep db.Deployment
	if err := gormDB.Where("name = ?", name).First(&dep).Error; err != nil {
		http.Error(w, fmt.Sprintf("No deployment named %q", name), http.StatusNotFound)
		return nil, false
	}
	return &dep, true
}

func applyStatusHandler(gormDB *gorm.DB) nats.MsgHandler {
	return func(m *nats.Msg) {
		var status messaging.ApplyStatus
		if err := json.Unmarshal(m.Data, &status); err != nil {
			log.Printf("[ERROR] Unmarshalling apply status: %v", err)
			return
		}

		log.Printf("[INFO] Received apply status: DeploymentID=%d, Phase=%s", status.DeploymentID, status.Phase)
		if err := tracker.RecordStatus(gormDB, status); err != nil {
			log.Printf("[ERROR] Recording apply status: %v", err)
		}
	}
}

func heartbeatHandler() nats.MsgHandler {
	return func(m *nats.Msg) {
		var hb messaging.Heartbeat
		if err := json.Unmarshal(m.Data, &hb); err != nil {
			log.Printf("[ERROR] Unmarshalling heartbeat: %v", err)
			return
		}
		log.Printf("[INFO] Heartbeat received: ApplierID=%s, Hostname=%s", hb.ApplierID, hb.Hostname)
	}
}
