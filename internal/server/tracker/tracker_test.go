package tracker

import (
	"encoding/json"
	"testing"

	"gorm.io/gorm"

	"github.com/atvirokodosprendimai/bridgestack/internal/db"
	"github.com/atvirokodosprendimai/bridgestack/internal/messaging"
	"github.com/atvirokodosprendimai/bridgestack/internal/spec"
)

func setupDeployment(t *testing.T) (*gorm.DB, *db.Deployment) {
	t.Helper()
	gormDB, err := db.NewDatabase(":memory:")
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}

	outputs, _ := json.Marshal(spec.Outputs{
		InternalEndpoint: "atlassian.mcp.internal:9000",
		ClusterID:        "atlas-cluster",
	})
	dep := &db.Deployment{
		Name:        "atlas",
		State:       db.StateApplying,
		SpecJSON:    `{"name":"atlas"}`,
		OutputsJSON: string(outputs),
	}
	if err := gormDB.Create(dep).Error; err != nil {
		t.Fatalf("Failed to create deployment: %v", err)
	}
	run := &db.ApplyRun{RunID: "run-1", DeploymentID: dep.ID, Phase: messaging.PhaseApplying}
	if err := gormDB.Create(run).Error; err != nil {
		t.Fatalf("Failed to create apply run: %v", err)
	}
	return gormDB, dep
}

func TestRecordStatusHealthy(t *testing.T) {
	gormDB, dep := setupDeployment(t)

	status := messaging.ApplyStatus{
		RunID:        "run-1",
		DeploymentID: dep.ID,
		Phase:        messaging.PhaseHealthy,
		PublicDNS:    "host-1:80",
		ProviderIDs:  map[string]string{"atlas-svc": "abc123"},
	}
	if err := RecordStatus(gormDB, status); err != nil {
		t.Fatalf("RecordStatus failed: %v", err)
	}

	var fresh db.Deployment
	if err := gormDB.First(&fresh, dep.ID).Error; err != nil {
		t.Fatal(err)
	}
	if fresh.State != db.StateHealthy {
		t.Errorf("Expected healthy state, got %s", fresh.State)
	}
	if fresh.LastGoodJSON != dep.SpecJSON {
		t.Error("Healthy apply should promote the spec to last-known-good")
	}

	var outputs spec.Outputs
	if err := json.Unmarshal([]byte(fresh.OutputsJSON), &outputs); err != nil {
		t.Fatal(err)
	}
	if outputs.PublicDNSName != "host-1:80" {
		t.Errorf("Public DNS not recorded in outputs: %+v", outputs)
	}
	if outputs.InternalEndpoint != "atlassian.mcp.internal:9000" {
		t.Errorf("Existing outputs were clobbered: %+v", outputs)
	}

	var records []db.ResourceRecord
	if err := gormDB.Where("deployment_id = ?", dep.ID).Find(&records).Error; err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].ProviderID != "abc123" {
		t.Errorf("Provider IDs not recorded: %+v", records)
	}
}

func TestRecordStatusRolledBack(t *testing.T) {
	gormDB, dep := setupDeployment(t)

	status := messaging.ApplyStatus{
		RunID:        "run-1",
		DeploymentID: dep.ID,
		Phase:        messaging.PhaseRolledBack,
		ErrorKind:    messaging.ErrKindHealthTimeout,
		Message:      "service never became healthy",
	}
	if err := RecordStatus(gormDB, status); err != nil {
		t.Fatalf("RecordStatus failed: %v", err)
	}

	var fresh db.Deployment
	if err := gormDB.First(&fresh, dep.ID).Error; err != nil {
		t.Fatal(err)
	}
	if fresh.State != db.StateRolledBack {
		t.Errorf("Expected rolled-back state, got %s", fresh.State)
	}
	if fresh.FailureKind != messaging.ErrKindHealthTimeout {
		t.Errorf("Failure kind not recorded: %q", fresh.FailureKind)
	}
	if fresh.LastGoodJSON != "" {
		t.Error("A rolled-back apply must not become last-known-good")
	}
}

func TestRecordStatusConflictKeepsHint(t *testing.T) {
	gormDB, dep := setupDeployment(t)

	status := messaging.ApplyStatus{
		RunID:        "run-1",
		DeploymentID: dep.ID,
		Phase:        messaging.PhaseFailed,
		ErrorKind:    messaging.ErrKindApplyConflict,
		Message:      "apply conflict on container atlas-svc",
		Hint:         `a container named "atlas-svc" exists but is not managed by bridgestack; remove it and re-apply`,
	}
	if err := RecordStatus(gormDB, status); err != nil {
		t.Fatalf("RecordStatus failed: %v", err)
	}

	var fresh db.Deployment
	if err := gormDB.First(&fresh, dep.ID).Error; err != nil {
		t.Fatal(err)
	}
	if fresh.State != db.StateFailed {
		t.Errorf("Expected failed state, got %s", fresh.State)
	}
	if fresh.FailureKind != messaging.ErrKindApplyConflict {
		t.Errorf("Failure kind not recorded: %q", fresh.FailureKind)
	}
	if fresh.FailureDetail == "" || fresh.FailureDetail == status.Message {
		t.Errorf("Remediation hint missing from failure detail: %q", fresh.FailureDetail)
	}
}

func TestRecordStatusIgnoresTerminalDeployments(t *testing.T) {
	gormDB, dep := setupDeployment(t)

	if err := RecordStatus(gormDB, messaging.ApplyStatus{
		DeploymentID: dep.ID, Phase: messaging.PhaseHealthy,
	}); err != nil {
		t.Fatal(err)
	}
	// A late rollback report must not demote a terminal deployment.
	if err := RecordStatus(gormDB, messaging.ApplyStatus{
		DeploymentID: dep.ID, Phase: messaging.PhaseRolledBack,
	}); err != nil {
		t.Fatal(err)
	}

	var fresh db.Deployment
	if err := gormDB.First(&fresh, dep.ID).Error; err != nil {
		t.Fatal(err)
	}
	if fresh.State != db.StateHealthy {
		t.Errorf("Terminal state was overwritten: %s", fresh.State)
	}
}

func TestRecordStatusTornDownClearsResources(t *testing.T) {
	gormDB, dep := setupDeployment(t)

	rec := db.ResourceRecord{DeploymentID: dep.ID, LogicalID: "atlas-svc", ProviderID: "abc"}
	if err := gormDB.Create(&rec).Error; err != nil {
		t.Fatal(err)
	}

	if err := RecordStatus(gormDB, messaging.ApplyStatus{
		DeploymentID: dep.ID, Phase: messaging.PhaseTornDown,
	}); err != nil {
		t.Fatal(err)
	}

	var count int64
	gormDB.Model(&db.ResourceRecord{}).Where("deployment_id = ?", dep.ID).Count(&count)
	if count != 0 {
		t.Errorf("Expected resource records to be cleared, found %d", count)
	}
}
