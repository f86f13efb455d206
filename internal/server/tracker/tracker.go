package tracker

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/atvirokodosprendimai/bridgestack/internal/backend"
	"github.com/atvirokodosprendimai/bridgestack/internal/db"
	"github.com/atvirokodosprendimai/bridgestack/internal/messaging"
	"github.com/atvirokodosprendimai/bridgestack/internal/spec"
)

// Service converges stored deployment state with the provisioning
// backend. When a remote engine is configured it polls plan.status for
// every in-flight apply; in either mode it closes out applies stuck past
// their deployment window.
type Service struct {
	db     *gorm.DB
	engine *backend.Client // nil when the bundled applier handles applies
	ticker *time.Ticker
	stopCh chan bool
}

// NewService creates a new apply tracker.
func NewService(gormDB *gorm.DB, engine *backend.Client, interval time.Duration) *Service {
	return &Service{
		db:     gormDB,
		engine: engine,
		ticker: time.NewTicker(interval),
		stopCh: make(chan bool),
	}
}

// Start begins the periodic sweep of in-flight applies.
func (s *Service) Start() {
	log.Println("[INFO] Starting apply tracker...")
	go func() {
		s.sweep()

		for {
			select {
			case <-s.ticker.C:
				s.sweep()
			case <-s.stopCh:
				log.Println("[INFO] Stopping apply tracker.")
				s.ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts the tracker.
func (s *Service) Stop() {
	s.stopCh <- true
}

func (s *Service) sweep() {
	var inflight []db.Deployment
	if err := s.db.Where("state = ?", db.StateApplying).Find(&inflight).Error; err != nil {
		log.Printf("[ERROR] Tracker could not list in-flight deployments: %v", err)
		return
	}

	for i := range inflight {
		dep := &inflight[i]
		if s.engine != nil {
			s.pollEngine(dep)
			continue
		}
		if !dep.ApplyDeadline.IsZero() && time.Now().After(dep.ApplyDeadline) {
			// The applier stopped reporting; treat it like a health
			// timeout so the operator sees the rollback path, not a hang.
			log.Printf("[INFO] Deployment %q exceeded its deployment window, marking rolled back", dep.Name)
			st := messaging.ApplyStatus{
				DeploymentID: dep.ID,
				Phase:        messaging.PhaseRolledBack,
				ErrorKind:    messaging.ErrKindHealthTimeout,
				Message:      "no status reported within the deployment window",
			}
			if err := RecordStatus(s.db, st); err != nil {
				log.Printf("[ERROR] Tracker could not record timeout for %q: %v", dep.Name, err)
			}
		}
	}
}

func (s *Service) pollEngine(dep *db.Deployment) {
	var run db.ApplyRun
	if err := s.db.Where("deployment_id = ?", dep.ID).Order("id desc").First(&run).Error; err != nil {
		log.Printf("[ERROR] Tracker found no apply run for deployment %q: %v", dep.Name, err)
		return
	}

	status, err := s.engine.Status(run.RunID)
	if err != nil {
		log.Printf("[ERROR] Tracker could not poll engine for run %s: %v", run.RunID, err)
		return
	}
	if status.Phase == messaging.PhaseApplying {
		return
	}

	st := messaging.ApplyStatus{
		RunID:        run.RunID,
		DeploymentID: dep.ID,
		Phase:        status.Phase,
		ErrorKind:    status.ErrorKind,
		Message:      status.Message,
		Hint:         status.Hint,
		PublicDNS:    status.PublicDNS,
		ProviderIDs:  status.ProviderIDs,
	}
	if err := RecordStatus(s.db, st); err != nil {
		log.Printf("[ERROR] Tracker could not record engine status for %q: %v", dep.Name, err)
	}
}

// RecordStatus applies a reported phase change to the stored deployment,
// enforcing the lifecycle state machine. Reports for deployments already
// in a terminal state are ignored.
func RecordStatus(gormDB *gorm.DB, status messaging.ApplyStatus) error {
	if status.Phase == messaging.PhaseTornDown {
		// The deployment record is already gone; drop its resource
		// bookkeeping.
		return gormDB.Where("deployment_id = ?", status.DeploymentID).
			Delete(&db.ResourceRecord{}).Error
	}

	var dep db.Deployment
	if err := gormDB.First(&dep, status.DeploymentID).Error; err != nil {
		return fmt.Errorf("unknown deployment %d: %w", status.DeploymentID, err)
	}
	if dep.State.Terminal() {
		return nil
	}

	if status.RunID != "" {
		gormDB.Model(&db.ApplyRun{}).
			Where("run_id = ?", status.RunID).
			Updates(map[string]any{"phase": status.Phase, "message": status.Message})
	}

	var to db.State
	switch status.Phase {
	case messaging.PhaseApplying:
		return nil
	case messaging.PhaseHealthy:
		to = db.StateHealthy
	case messaging.PhaseRolledBack:
		to = db.StateRolledBack
	case messaging.PhaseFailed:
		to = db.StateFailed
	default:
		return fmt.Errorf("unknown apply phase %q", status.Phase)
	}

	if err := db.Transition(gormDB, &dep, to); err != nil {
		return err
	}

	updates := map[string]any{
		"failure_kind":   status.ErrorKind,
		"failure_detail": failureDetail(status),
	}
	if to == db.StateHealthy {
		// The spec that just went healthy becomes the rollback point for
		// the next apply against this target.
		updates["last_good_json"] = dep.SpecJSON
		if status.PublicDNS != "" {
			updates["outputs_json"] = outputsWithPublicDNS(dep.OutputsJSON, status.PublicDNS)
		}
	}
	if err := gormDB.Model(&dep).Updates(updates).Error; err != nil {
		return err
	}

	for logicalID, providerID := range status.ProviderIDs {
		rec := db.ResourceRecord{
			DeploymentID: dep.ID,
			LogicalID:    logicalID,
			ProviderID:   providerID,
		}
		if err := gormDB.Create(&rec).Error; err != nil {
			log.Printf("[ERROR] Could not record resource %s: %v", logicalID, err)
		}
	}

	switch to {
	case db.StateRolledBack:
		log.Printf("[INFO] Deployment %q rolled back to last-known-good: %s", dep.Name, status.Message)
	case db.StateFailed:
		log.Printf("[ERROR] Deployment %q aborted: %s (%s)", dep.Name, status.Message, status.Hint)
	case db.StateHealthy:
		log.Printf("[INFO] Deployment %q is healthy", dep.Name)
	}
	return nil
}

func failureDetail(status messaging.ApplyStatus) string {
	if status.Hint != "" {
		return status.Message + " (hint: " + status.Hint + ")"
	}
	return status.Message
}

func outputsWithPublicDNS(outputsJSON, publicDNS string) string {
	var out spec.Outputs
	if err := json.Unmarshal([]byte(outputsJSON), &out); err != nil {
		return outputsJSON
	}
	out.PublicDNSName = publicDNS
	updated, err := json.Marshal(out)
	if err != nil {
		return outputsJSON
	}
	return string(updated)
}
