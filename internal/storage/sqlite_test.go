package storage

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"specdrive/internal/models"
)

func testStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createRun(t *testing.T, s *Storage, specID string) *models.SpecRun {
	t.Helper()
	run := &models.SpecRun{
		SpecID:       specID,
		CurrentStage: models.StagePlan,
		Status:       models.RunStatusIdle,
	}
	id, err := s.CreateRun(run)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	run.ID = id
	return run
}

func TestRunLifecycle(t *testing.T) {
	s := testStorage(t)
	run := createRun(t, s, "spec-1")

	run.Status = models.RunStatusRunning
	run.CurrentStage = models.StageTasks
	if err := s.UpdateRun(run); err != nil {
		t.Fatalf("update run: %v", err)
	}

	got, err := s.GetRun(run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != models.RunStatusRunning || got.CurrentStage != models.StageTasks {
		t.Errorf("got %s/%s, want running/tasks", got.Status, got.CurrentStage)
	}

	latest, err := s.LatestRunForSpec("spec-1")
	if err != nil || latest == nil || latest.ID != run.ID {
		t.Errorf("LatestRunForSpec = %v, %v", latest, err)
	}
	if none, _ := s.LatestRunForSpec("unknown"); none != nil {
		t.Errorf("unknown spec should have no run, got %v", none)
	}
}

func TestInvocationTerminalIsWriteOnce(t *testing.T) {
	s := testStorage(t)
	run := createRun(t, s, "spec-1")

	now := time.Now().UTC()
	inv := &models.AgentInvocation{
		RunID:        run.ID,
		AgentName:    "agent-a",
		Stage:        models.StagePlan,
		PromptDigest: "abcd",
		Status:       models.InvocationRunning,
		StartedAt:    &now,
	}
	id, err := s.CreateInvocation(inv)
	if err != nil {
		t.Fatalf("create invocation: %v", err)
	}
	inv.ID = id

	inv.Status = models.InvocationCompleted
	inv.CompletedAt = &now
	inv.Result = &models.Payload{Fields: map[string]any{"verdict": "pass"}}
	if err := s.UpdateInvocation(inv); err != nil {
		t.Fatalf("first terminal update: %v", err)
	}

	inv.Status = models.InvocationFailed
	err = s.UpdateInvocation(inv)
	if err == nil || !strings.Contains(err.Error(), "already terminal") {
		t.Fatalf("second terminal update must be rejected, got %v", err)
	}

	got, err := s.GetInvocationsForStage(run.ID, models.StagePlan)
	if err != nil || len(got) != 1 {
		t.Fatalf("GetInvocationsForStage: %v, %v", got, err)
	}
	if got[0].Status != models.InvocationCompleted {
		t.Errorf("terminal state mutated to %s", got[0].Status)
	}
	if got[0].Result == nil || got[0].Result.Fields["verdict"] != "pass" {
		t.Errorf("payload not round-tripped: %+v", got[0].Result)
	}
}

func TestArtifactVersionsNeverOverwrite(t *testing.T) {
	s := testStorage(t)
	run := createRun(t, s, "spec-1")

	first := &models.ConsensusArtifact{
		RunID:     run.ID,
		SpecID:    "spec-1",
		Stage:     models.StagePlan,
		Synthesis: "first",
	}
	v1, err := s.InsertArtifact(first)
	if err != nil {
		t.Fatalf("insert v1: %v", err)
	}
	if v1 != 1 {
		t.Errorf("first version = %d, want 1", v1)
	}

	second := &models.ConsensusArtifact{
		RunID:     run.ID,
		SpecID:    "spec-1",
		Stage:     models.StagePlan,
		Synthesis: "second",
		Arbiter:   &models.ArbiterVerdict{Verdict: "X", Manual: true, Operator: "alex"},
	}
	v2, err := s.InsertArtifact(second)
	if err != nil {
		t.Fatalf("insert v2: %v", err)
	}
	if v2 != 2 {
		t.Errorf("second version = %d, want 2", v2)
	}

	latest, err := s.LatestArtifact("spec-1", models.StagePlan)
	if err != nil {
		t.Fatalf("LatestArtifact: %v", err)
	}
	if latest.Version != 2 || latest.Synthesis != "second" {
		t.Errorf("latest = v%d %q, want v2 second", latest.Version, latest.Synthesis)
	}
	if latest.Arbiter == nil || latest.Arbiter.Operator != "alex" {
		t.Errorf("arbiter verdict not round-tripped: %+v", latest.Arbiter)
	}

	all, err := s.ListArtifacts("spec-1", models.StagePlan)
	if err != nil || len(all) != 2 {
		t.Fatalf("ListArtifacts: %v, %v", all, err)
	}
	if all[0].Synthesis != "first" {
		t.Error("earlier versions must remain readable")
	}
}

func TestGateDecisionLatestWins(t *testing.T) {
	s := testStorage(t)
	run := createRun(t, s, "spec-1")

	fail := &models.GateDecision{
		RunID:      run.ID,
		SpecID:     "spec-1",
		Stage:      models.StageImplement,
		Pass:       false,
		Class:      models.GateClassEvidence,
		Violations: []string{"missing required string field lock_status"},
	}
	if _, err := s.InsertGateDecision(fail); err != nil {
		t.Fatalf("insert failing decision: %v", err)
	}

	pass := &models.GateDecision{
		RunID:  run.ID,
		SpecID: "spec-1",
		Stage:  models.StageImplement,
		Pass:   true,
	}
	if _, err := s.InsertGateDecision(pass); err != nil {
		t.Fatalf("insert passing decision: %v", err)
	}

	latest, err := s.LatestGateDecision("spec-1", models.StageImplement)
	if err != nil {
		t.Fatalf("LatestGateDecision: %v", err)
	}
	if !latest.Pass {
		t.Error("newer passing decision should supersede the failing one")
	}
	if none, _ := s.LatestGateDecision("spec-1", models.StageUnlock); none != nil {
		t.Errorf("unlock has no decision yet, got %v", none)
	}
}
